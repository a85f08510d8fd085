// Package config prepares typed settings structs: struct-tag defaults,
// loose merging of raw values, then validation. Every configurable
// component funnels its settings through Prepare so defaults and
// validation rules live on the struct itself.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"reflect"
	"strings"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
)

var validate *validator.Validate

func init() {
	validate = validator.New()

	// hostname_port accepts "host:port" listen addresses. The host may
	// be empty, which binds all interfaces.
	must(validate.RegisterValidation("hostname_port", func(fl validator.FieldLevel) bool {
		_, port, err := net.SplitHostPort(fl.Field().String())
		if err != nil || port == "" {
			return false
		}
		_, err = net.LookupPort("tcp", port)
		return err == nil
	}))

	// url_format accepts absolute URLs with scheme and host.
	must(validate.RegisterValidation("url_format", func(fl validator.FieldLevel) bool {
		u, err := url.Parse(fl.Field().String())
		return err == nil && u.Scheme != "" && u.Host != ""
	}))
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}

// Prepare applies struct-tag defaults, merges raw values over them, and
// validates the result. target must be a pointer to a struct.
func Prepare(target any, raw map[string]any) error {
	if target == nil {
		return fmt.Errorf("settings cannot be nil")
	}
	if err := defaults.Set(target); err != nil {
		return fmt.Errorf("failed to apply defaults: %w", err)
	}
	if len(raw) > 0 {
		if err := merge(raw, target); err != nil {
			return fmt.Errorf("failed to merge settings: %w", err)
		}
	}
	return Validate(target)
}

// Validate checks a settings struct against its validate tags.
func Validate(target any) error {
	v := reflect.ValueOf(target)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	err := validate.Struct(v.Interface())
	if err == nil {
		return nil
	}
	var vErrs validator.ValidationErrors
	if !errors.As(err, &vErrs) {
		return fmt.Errorf("settings validation failed: %w", err)
	}
	msgs := make([]string, 0, len(vErrs))
	for _, fe := range vErrs {
		msgs = append(msgs, fmt.Sprintf("field %q failed rule %q", fe.Field(), fe.Tag()))
	}
	return fmt.Errorf("settings validation failed: %s", strings.Join(msgs, "; "))
}

// RegisterValidator adds a custom validation tag for host extensions.
func RegisterValidator(tag string, fn validator.Func) error {
	if err := validate.RegisterValidation(tag, fn); err != nil {
		return fmt.Errorf("failed to register validator %q: %w", tag, err)
	}
	return nil
}

// merge decodes a loose map over the target. Weak typing and the
// duration hook let values arrive as strings from env or YAML.
func merge(raw map[string]any, target any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           target,
		TagName:          "json",
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return err
	}
	return decoder.Decode(raw)
}
