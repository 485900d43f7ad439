package multitenantengine

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/liamcoop/automations/rules"
)

const (
	maxSchemaPaths     = 200
	maxIdentifierChars = 100
)

// ErrInvalidSchema is wrapped by every ValidateSchema failure.
var ErrInvalidSchema = errors.New("invalid schema")

var validIdentifier = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ValidateSchema checks a context schema definition. Paths are validated in
// sorted order so the first reported problem is stable.
func ValidateSchema(schema rules.ContextSchema) error {
	if len(schema) == 0 {
		return fmt.Errorf("%w: schema cannot be empty, must declare at least one field", ErrInvalidSchema)
	}
	if len(schema) > maxSchemaPaths {
		return fmt.Errorf("%w: schema declares %d fields, maximum allowed is %d", ErrInvalidSchema, len(schema), maxSchemaPaths)
	}

	paths := make([]string, 0, len(schema))
	for path := range schema {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	for _, path := range paths {
		for _, segment := range strings.Split(path, ".") {
			if err := validateIdentifier(segment); err != nil {
				return fmt.Errorf("%w: invalid field path %q: %v", ErrInvalidSchema, path, err)
			}
		}

		fieldType := schema[path]
		if strings.TrimSpace(string(fieldType)) != string(fieldType) {
			return fmt.Errorf("%w: field %q has type with leading/trailing whitespace: %q", ErrInvalidSchema, path, fieldType)
		}
		if !rules.ValidFieldType(fieldType) {
			return fmt.Errorf("%w: field %q has invalid type %q (must be one of: number, string, bool, list, timestamp, object)", ErrInvalidSchema, path, fieldType)
		}

		if parent, _, found := cutLast(path); found {
			if t, declared := schema[parent]; declared && t != rules.FieldObject && t != rules.FieldList {
				return fmt.Errorf("%w: field %q is nested under %q of type %s", ErrInvalidSchema, path, parent, t)
			}
		}
	}

	return nil
}

// validateIdentifier checks one path segment: 1-100 characters, identifier
// syntax, and not a CEL reserved word.
func validateIdentifier(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("identifier cannot be empty")
	}
	if len(name) > maxIdentifierChars {
		return fmt.Errorf("identifier length %d exceeds maximum of %d characters", len(name), maxIdentifierChars)
	}
	if !validIdentifier.MatchString(name) {
		return fmt.Errorf("must match pattern ^[a-zA-Z_][a-zA-Z0-9_]*$ (start with letter or underscore, followed by letters, digits, or underscores)")
	}
	if reservedKeywords[name] {
		return fmt.Errorf("cannot use reserved keyword %q as identifier", name)
	}
	return nil
}

func cutLast(path string) (string, string, bool) {
	i := strings.LastIndex(path, ".")
	if i < 0 {
		return "", path, false
	}
	return path[:i], path[i+1:], true
}

var reservedKeywords = map[string]bool{
	"true": true, "false": true, "null": true,
	"if": true, "else": true, "for": true, "while": true,
	"break": true, "continue": true, "return": true,
	"var": true, "let": true, "const": true, "function": true,
	"in": true, "as": true, "import": true, "package": true,
	"namespace": true, "loop": true, "void": true,
	// the evaluation context itself is bound to this name in guards
	"ctx": true,
}
