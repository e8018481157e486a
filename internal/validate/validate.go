// Package validate provides hand-rolled struct-tag validation for corebus
// configuration types, in place of a third-party validator library: a
// `validate:"min=N"` tag on an integer field requires its value be >= N.
package validate

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// ErrNotStructPointer is returned by Struct when cfg is not a non-nil
// pointer to a struct.
var ErrNotStructPointer = errors.New("validate: cfg must be a non-nil pointer to a struct")

const tagValidate = "validate"

// Struct walks cfg's fields (cfg must be a pointer to a struct) and applies
// every `validate:"min=N"` tag it finds, accumulating every violation
// rather than stopping at the first.
func Struct(cfg interface{}) error {
	v := reflect.ValueOf(cfg)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return ErrNotStructPointer
	}
	v = v.Elem()
	if v.Kind() != reflect.Struct {
		return ErrNotStructPointer
	}

	var violations []string
	validateFields(v, &violations)
	if len(violations) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(violations, "; "))
	}
	return nil
}

func validateFields(v reflect.Value, violations *[]string) {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)
		if !field.CanSet() {
			continue
		}

		tag, ok := fieldType.Tag.Lookup(tagValidate)
		if !ok {
			continue
		}
		min, ok := parseMin(tag)
		if !ok {
			continue
		}

		value, ok := asInt64(field)
		if !ok {
			continue
		}
		if value < min {
			*violations = append(*violations, fmt.Sprintf("%s must be >= %d, got %d", fieldType.Name, min, value))
		}
	}
}

func parseMin(tag string) (int64, bool) {
	const prefix = "min="
	if !strings.HasPrefix(tag, prefix) {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimPrefix(tag, prefix), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func asInt64(v reflect.Value) (int64, bool) {
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int(), true
	default:
		return 0, false
	}
}
