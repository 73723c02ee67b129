package query

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/migadu/livequery/store"
	"github.com/vektah/gqlparser/v2/ast"
)

// enumValue is an unquoted enum literal such as BOOL or INBOX.
type enumValue string

// parseVariables decodes the variables document. An empty document is an
// empty set of variables.
func parseVariables(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return map[string]any{}, nil
	}
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, &CompileError{Kind: VariableMismatch, Message: fmt.Sprintf("variables are not valid JSON: %v", err)}
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, &CompileError{Kind: VariableMismatch, Message: "variables must be a JSON object"}
	}
	return m, nil
}

// coerceVariables checks supplied values against the operation's variable
// definitions and returns the values visible to the operation.
func coerceVariables(defs ast.VariableDefinitionList, supplied map[string]any, resolveDefault func(*ast.Value) (any, error)) (map[string]any, error) {
	out := make(map[string]any, len(defs))
	for _, def := range defs {
		raw, present := supplied[def.Variable]
		if !present {
			if def.DefaultValue != nil {
				v, err := resolveDefault(def.DefaultValue)
				if err != nil {
					return nil, err
				}
				out[def.Variable] = v
				continue
			}
			if def.Type != nil && def.Type.NonNull {
				return nil, errAt(VariableMismatch, def.Position, "variable $%s of type %s was not provided", def.Variable, def.Type.String())
			}
			out[def.Variable] = nil
			continue
		}
		v, err := coerceType(def.Type, raw)
		if err != nil {
			return nil, errAt(VariableMismatch, def.Position, "variable $%s: %v", def.Variable, err)
		}
		out[def.Variable] = v
	}
	return out, nil
}

func coerceType(t *ast.Type, v any) (any, error) {
	if t == nil {
		return normalizeJSON(v), nil
	}
	if v == nil {
		if t.NonNull {
			return nil, fmt.Errorf("null given for non-null type %s", t.String())
		}
		return nil, nil
	}
	if t.Elem != nil {
		items, ok := v.([]any)
		if !ok {
			items = []any{v}
		}
		out := make([]any, len(items))
		for i, item := range items {
			cv, err := coerceType(t.Elem, item)
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
			out[i] = cv
		}
		return out, nil
	}

	switch t.NamedType {
	case "ID":
		switch x := v.(type) {
		case string:
			return x, nil
		case json.Number:
			if _, err := x.Int64(); err == nil {
				return x.String(), nil
			}
		}
		return nil, fmt.Errorf("expected ID, got %s", describe(v))
	case "String":
		if s, ok := v.(string); ok {
			return s, nil
		}
		return nil, fmt.Errorf("expected String, got %s", describe(v))
	case "Int":
		if n, ok := v.(json.Number); ok {
			if i, err := n.Int64(); err == nil {
				return i, nil
			}
		}
		return nil, fmt.Errorf("expected Int, got %s", describe(v))
	case "Float":
		if n, ok := v.(json.Number); ok {
			if f, err := n.Float64(); err == nil {
				return f, nil
			}
		}
		return nil, fmt.Errorf("expected Float, got %s", describe(v))
	case "Boolean":
		if b, ok := v.(bool); ok {
			return b, nil
		}
		return nil, fmt.Errorf("expected Boolean, got %s", describe(v))
	case "SpecialFolder":
		s, ok := v.(string)
		if !ok || !isSpecialFolder(s) {
			return nil, fmt.Errorf("expected SpecialFolder, got %s", describe(v))
		}
		return enumValue(s), nil
	case "PropType":
		s, ok := v.(string)
		if _, known := store.ParseFieldType(s); !ok || !known {
			return nil, fmt.Errorf("expected PropType, got %s", describe(v))
		}
		return enumValue(s), nil
	case "ObjectId", "FolderId":
		if _, ok := v.(map[string]any); !ok {
			return nil, fmt.Errorf("expected %s object, got %s", t.NamedType, describe(v))
		}
	}
	return normalizeJSON(v), nil
}

// normalizeJSON replaces json.Number values with int64 or float64.
func normalizeJSON(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		f, _ := x.Float64()
		return f
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = normalizeJSON(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = normalizeJSON(e)
		}
		return out
	}
	return v
}

func describe(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case json.Number, int64, float64:
		return "number"
	case bool:
		return "boolean"
	case []any:
		return "list"
	case map[string]any:
		return "object"
	case enumValue:
		return "enum"
	}
	return fmt.Sprintf("%T", v)
}

// literal converts an AST value, resolving variables through vars.
func literal(v *ast.Value, vars map[string]any, defined map[string]bool) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch v.Kind {
	case ast.Variable:
		if !defined[v.Raw] {
			return nil, errAt(VariableMismatch, v.Position, "variable $%s is not defined by the operation", v.Raw)
		}
		return vars[v.Raw], nil
	case ast.IntValue:
		i, err := strconv.ParseInt(v.Raw, 10, 64)
		if err != nil {
			return nil, errAt(InvalidDirectiveArgument, v.Position, "integer %s out of range", v.Raw)
		}
		return i, nil
	case ast.FloatValue:
		f, err := strconv.ParseFloat(v.Raw, 64)
		if err != nil {
			return nil, errAt(InvalidDirectiveArgument, v.Position, "invalid float %s", v.Raw)
		}
		return f, nil
	case ast.StringValue, ast.BlockValue:
		return v.Raw, nil
	case ast.BooleanValue:
		return v.Raw == "true", nil
	case ast.NullValue:
		return nil, nil
	case ast.EnumValue:
		return enumValue(v.Raw), nil
	case ast.ListValue:
		out := make([]any, 0, len(v.Children))
		for _, child := range v.Children {
			cv, err := literal(child.Value, vars, defined)
			if err != nil {
				return nil, err
			}
			out = append(out, cv)
		}
		return out, nil
	case ast.ObjectValue:
		out := make(map[string]any, len(v.Children))
		for _, child := range v.Children {
			cv, err := literal(child.Value, vars, defined)
			if err != nil {
				return nil, err
			}
			out[child.Name] = cv
		}
		return out, nil
	}
	return nil, errAt(InvalidDirectiveArgument, v.Position, "unsupported value %s", v.String())
}

func asString(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case enumValue:
		return string(x), true
	case int64:
		return strconv.FormatInt(x, 10), true
	}
	return "", false
}

func asInt(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case float64:
		if x == float64(int64(x)) {
			return int64(x), true
		}
	case string:
		i, err := strconv.ParseInt(x, 10, 64)
		return i, err == nil
	}
	return 0, false
}

func asBool(v any) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}

// asList applies GraphQL input coercion: a single value stands for a list
// of one.
func asList(v any) []any {
	if v == nil {
		return nil
	}
	if l, ok := v.([]any); ok {
		return l
	}
	return []any{v}
}

func isSpecialFolder(s string) bool {
	for _, sf := range store.SpecialFolders {
		if sf == s {
			return true
		}
	}
	return false
}

func errAt(kind ErrorKind, pos *ast.Position, format string, args ...any) *CompileError {
	e := &CompileError{Kind: kind, Message: fmt.Sprintf(format, args...)}
	if pos != nil {
		e.Line = pos.Line
		e.Column = pos.Column
	}
	return e
}
