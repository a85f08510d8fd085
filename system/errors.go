package system

import (
	"errors"
	"fmt"
	"strings"
)

// LoadErrorKind classifies what went wrong while loading a system package.
type LoadErrorKind string

const (
	// KindNotFound signals a missing directory or system.yaml.
	KindNotFound LoadErrorKind = "not_found"
	// KindParse signals malformed YAML in one or more definition files.
	KindParse LoadErrorKind = "parse"
	// KindValidation signals schema or cross-reference failures. The loader
	// aggregates every problem it finds before failing.
	KindValidation LoadErrorKind = "validation"
)

// LoadError is the canonical error returned by the loader. Messages holds
// every aggregated problem; the loader never stops at the first.
type LoadError struct {
	Kind     LoadErrorKind
	Path     string
	Messages []string
	cause    error
}

func (e *LoadError) Error() string {
	switch len(e.Messages) {
	case 0:
		return fmt.Sprintf("system %s: %s", e.Kind, e.Path)
	case 1:
		return fmt.Sprintf("system %s: %s: %s", e.Kind, e.Path, e.Messages[0])
	default:
		return fmt.Sprintf("system %s: %s: %d problems:\n  - %s",
			e.Kind, e.Path, len(e.Messages), strings.Join(e.Messages, "\n  - "))
	}
}

func (e *LoadError) Unwrap() error {
	return e.cause
}

func notFound(path string, cause error) *LoadError {
	return &LoadError{Kind: KindNotFound, Path: path, Messages: []string{"system.yaml not found"}, cause: cause}
}

func parseError(path string, messages []string) *LoadError {
	return &LoadError{Kind: KindParse, Path: path, Messages: messages}
}

func validationError(path string, messages []string) *LoadError {
	return &LoadError{Kind: KindValidation, Path: path, Messages: messages}
}

// IsKind reports whether err is a LoadError of the given kind.
func IsKind(err error, kind LoadErrorKind) bool {
	var le *LoadError
	return errors.As(err, &le) && le.Kind == kind
}
