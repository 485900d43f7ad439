package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/liamcoop/automations/rules"
)

// ruleFile is the document form of a rule set. A bare list of rules is
// accepted too.
type ruleFile struct {
	Rules []*rules.AutomationRule `json:"rules"`
}

// loadRules reads rules from a YAML or JSON file. YAML is converted through
// JSON so both formats share the json field names.
func loadRules(path string) ([]*rules.AutomationRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}

	if !isJSON(path) {
		data, err = yamlToJSON(data)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var list []*rules.AutomationRule
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		return list, nil
	}

	var doc ruleFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return doc.Rules, nil
}

// loadContext reads an evaluation context from a file, or parses the value
// itself when it starts with "{".
func loadContext(value string) (map[string]any, error) {
	if value == "" {
		return map[string]any{}, nil
	}

	data := []byte(value)
	if !strings.HasPrefix(strings.TrimSpace(value), "{") {
		raw, err := os.ReadFile(value)
		if err != nil {
			return nil, fmt.Errorf("read context: %w", err)
		}
		data = raw
		if !isJSON(value) {
			if data, err = yamlToJSON(raw); err != nil {
				return nil, fmt.Errorf("parse %s: %w", value, err)
			}
		}
	}

	var ctx map[string]any
	if err := json.Unmarshal(data, &ctx); err != nil {
		return nil, fmt.Errorf("decode context: %w", err)
	}
	if ctx == nil {
		ctx = map[string]any{}
	}
	return ctx, nil
}

// toYAML renders v with its json field names.
func toYAML(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, err
	}
	stripMetadata(generic)
	return yaml.Marshal(generic)
}

// stripMetadata drops store-maintained fields from rule documents.
func stripMetadata(v any) {
	switch val := v.(type) {
	case []any:
		for _, item := range val {
			stripMetadata(item)
		}
	case map[string]any:
		delete(val, "metadata")
		if list, ok := val["rules"].([]any); ok {
			stripMetadata(list)
		}
	}
}

func yamlToJSON(data []byte) ([]byte, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return json.Marshal(doc)
}

func isJSON(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".json")
}
