package rules

import (
	"reflect"
	"strconv"
	"strings"
)

// ResolveField walks a dot-separated path through nested maps, structs and
// slices. Struct fields match by Go name or by json tag name. The boolean is
// false when any segment is missing.
func ResolveField(data any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}

	current := data
	for _, part := range strings.Split(path, ".") {
		if current == nil {
			return nil, false
		}

		if m, ok := current.(map[string]any); ok {
			next, exists := m[part]
			if !exists {
				return nil, false
			}
			current = next
			continue
		}

		next, ok := step(reflect.ValueOf(current), part)
		if !ok {
			return nil, false
		}
		current = next
	}

	return current, true
}

func step(val reflect.Value, part string) (any, bool) {
	for val.Kind() == reflect.Pointer || val.Kind() == reflect.Interface {
		if val.IsNil() {
			return nil, false
		}
		val = val.Elem()
	}

	switch val.Kind() {
	case reflect.Map:
		if val.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		item := val.MapIndex(reflect.ValueOf(part).Convert(val.Type().Key()))
		if !item.IsValid() {
			return nil, false
		}
		return item.Interface(), true

	case reflect.Struct:
		field, ok := structField(val, part)
		if !ok || !field.CanInterface() {
			return nil, false
		}
		return field.Interface(), true

	case reflect.Slice, reflect.Array:
		idx, err := strconv.Atoi(part)
		if err != nil || idx < 0 || idx >= val.Len() {
			return nil, false
		}
		return val.Index(idx).Interface(), true
	}

	return nil, false
}

func structField(val reflect.Value, name string) (reflect.Value, bool) {
	if f := val.FieldByName(name); f.IsValid() {
		return f, true
	}
	typ := val.Type()
	for i := 0; i < typ.NumField(); i++ {
		tag := typ.Field(i).Tag.Get("json")
		if tag == "" {
			continue
		}
		if tagName, _, _ := strings.Cut(tag, ","); tagName == name {
			return val.Field(i), true
		}
	}
	return reflect.Value{}, false
}
