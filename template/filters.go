package template

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var titleCaser = cases.Title(language.English)

// filterOptions are the expression functions available to every template.
// Bare pipe form is accepted too: "{{ name|title_case }}".
var filterOptions = []expr.Option{
	expr.Function("title_case", func(params ...any) (any, error) {
		s := stringify(params[0])
		s = strings.ReplaceAll(s, "_", " ")
		return titleCaser.String(s), nil
	}),
	expr.Function("snake_case", func(params ...any) (any, error) {
		return snakeCase(stringify(params[0])), nil
	}),
	expr.Function("dice_modifier", func(params ...any) (any, error) {
		n, err := toInt(params[0])
		if err != nil {
			return nil, fmt.Errorf("dice_modifier: %w", err)
		}
		return fmt.Sprintf("%+d", n), nil
	}),
	expr.Function("length", func(params ...any) (any, error) {
		return lengthOf(params[0]), nil
	}),
	expr.Function("upper", func(params ...any) (any, error) {
		return strings.ToUpper(stringify(params[0])), nil
	}),
	expr.Function("lower", func(params ...any) (any, error) {
		return strings.ToLower(stringify(params[0])), nil
	}),
	expr.Function("title", func(params ...any) (any, error) {
		return titleCaser.String(stringify(params[0])), nil
	}),
}

// filterNames is consulted when extracting identifiers so that filter
// calls are not mistaken for context variables.
var filterNames = map[string]struct{}{
	"title_case":    {},
	"snake_case":    {},
	"dice_modifier": {},
	"length":        {},
	"upper":         {},
	"lower":         {},
	"title":         {},
	"get_value":     {},
	"defined":       {},
}

func snakeCase(s string) string {
	var out strings.Builder
	out.Grow(len(s) + 4)
	prevUnderscore := false
	for i, r := range s {
		switch {
		case r == ' ' || r == '-' || r == '_':
			if !prevUnderscore && out.Len() > 0 {
				out.WriteByte('_')
				prevUnderscore = true
			}
		case r >= 'A' && r <= 'Z':
			if i > 0 && !prevUnderscore {
				prev := rune(s[i-1])
				if (prev >= 'a' && prev <= 'z') || (prev >= '0' && prev <= '9') {
					out.WriteByte('_')
				}
			}
			out.WriteRune(r - 'A' + 'a')
			prevUnderscore = false
		default:
			out.WriteRune(r)
			prevUnderscore = false
		}
	}
	return strings.Trim(out.String(), "_")
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	case float32:
		return int(n), nil
	case string:
		return strconv.Atoi(strings.TrimSpace(n))
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("not a number: %T", v)
	}
}

func lengthOf(v any) int {
	if v == nil {
		return 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String, reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len()
	default:
		return 0
	}
}

// stringify renders a value the way it appears in flow output. nil is
// the empty string so lenient lookups vanish from rendered text.
func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Truthy applies flow-condition coercion to an evaluated value.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "yes", "1":
			return true
		case "false", "no", "0", "":
			return false
		}
		return true
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	default:
		rv := reflect.ValueOf(v)
		switch rv.Kind() {
		case reflect.Slice, reflect.Array, reflect.Map:
			return rv.Len() > 0
		}
		return true
	}
}
