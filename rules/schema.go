package rules

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/cel-go/cel"
)

// FieldType is the declared type of a context path.
type FieldType string

const (
	FieldNumber    FieldType = "number"
	FieldString    FieldType = "string"
	FieldBool      FieldType = "bool"
	FieldList      FieldType = "list"
	FieldTimestamp FieldType = "timestamp"
	FieldObject    FieldType = "object"
)

// ValidFieldType reports whether t is one of the declared field types.
func ValidFieldType(t FieldType) bool {
	switch t {
	case FieldNumber, FieldString, FieldBool, FieldList, FieldTimestamp, FieldObject:
		return true
	}
	return false
}

// ContextSchema maps dot paths of the evaluation context to their types.
// An object or list declared without children accepts any path below it.
type ContextSchema map[string]FieldType

// Lookup returns the type of path. The type is empty when the path is only
// covered by an undeclared object or list ancestor.
func (s ContextSchema) Lookup(path string) (FieldType, bool) {
	if t, ok := s[path]; ok {
		return t, true
	}
	for prefix := parentPath(path); prefix != ""; prefix = parentPath(prefix) {
		if t, ok := s[prefix]; ok {
			if t == FieldObject || t == FieldList {
				return "", !s.hasChildren(prefix)
			}
			return "", false
		}
	}
	return "", false
}

// Roots returns the sorted distinct top-level segments of the schema paths.
func (s ContextSchema) Roots() []string {
	seen := make(map[string]bool)
	var roots []string
	for path := range s {
		root, _, _ := strings.Cut(path, ".")
		if !seen[root] {
			seen[root] = true
			roots = append(roots, root)
		}
	}
	sort.Strings(roots)
	return roots
}

func (s ContextSchema) hasChildren(prefix string) bool {
	for path := range s {
		if strings.HasPrefix(path, prefix+".") {
			return true
		}
	}
	return false
}

func parentPath(path string) string {
	i := strings.LastIndex(path, ".")
	if i < 0 {
		return ""
	}
	return path[:i]
}

// ValidateAgainstSchema checks that every path the rule reads is declared and
// that numeric comparisons only touch numeric or timestamp fields.
func ValidateAgainstSchema(rule *AutomationRule, schema ContextSchema) error {
	verr := &ValidationError{RuleID: rule.ID}
	checkRuleSchema(rule, schema, verr)
	return verr.orNil()
}

func checkRuleSchema(rule *AutomationRule, schema ContextSchema, verr *ValidationError) {
	if len(schema) == 0 {
		return
	}

	for i, cond := range rule.Conditions {
		fieldType, ok := schema.Lookup(cond.Field)
		if !ok {
			verr.add("condition %d: unknown field %q", i, cond.Field)
			continue
		}
		numeric := cond.Operator == OpGreaterThan || cond.Operator == OpLessThan
		if numeric && !numericComparable(fieldType) {
			verr.add("condition %d: %s needs a numeric field, %q is %s", i, cond.Operator, cond.Field, fieldType)
		}

		if path, ok := placeholderPath(cond.Value); ok {
			valueType, known := schema.Lookup(path)
			if !known {
				verr.add("condition %d: unknown field %q in value", i, path)
			} else if numeric && !numericComparable(valueType) {
				verr.add("condition %d: %s needs a numeric value, %q is %s", i, cond.Operator, path, valueType)
			}
		}
	}

	for i, action := range rule.Actions {
		for _, path := range tokenPaths(action.Parameters) {
			if _, ok := schema.Lookup(path); !ok {
				verr.add("action %d (%s): unknown field %q in parameters", i, action.Type, path)
			}
		}
	}
}

func numericComparable(t FieldType) bool {
	return t == "" || t == FieldNumber || t == FieldTimestamp
}

// NewCELEnv builds the environment for rule guards. The context is always
// available as ctx; with a schema its top-level fields are declared too.
func NewCELEnv(schema ContextSchema) (*cel.Env, error) {
	opts := []cel.EnvOption{cel.Variable("ctx", cel.DynType)}
	for _, root := range schema.Roots() {
		if root == "ctx" {
			continue
		}
		opts = append(opts, cel.Variable(root, cel.DynType))
	}

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return env, nil
}
