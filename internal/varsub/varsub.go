// Package varsub substitutes "${Name}" placeholders throughout a server
// definition or command string with project-scoped variables, tracking any
// name that could not be resolved.
package varsub

import (
	"fmt"
	"regexp"
	"strings"
)

var placeholderPattern = regexp.MustCompile(`\$\{([a-zA-Z_][a-zA-Z0-9_.-]*)\}`)

// Lookup resolves a single variable name to its value. ok is false when the
// name is not defined.
type Lookup func(name string) (value string, ok bool)

// MapLookup adapts a plain map to a Lookup.
func MapLookup(vars map[string]string) Lookup {
	return func(name string) (string, bool) {
		v, ok := vars[name]
		return v, ok
	}
}

// ReplaceString substitutes every "${Name}" occurrence in s. Unresolved
// names are left untouched in the output and returned in missing.
func ReplaceString(s string, lookup Lookup) (result string, missing []string) {
	seen := make(map[string]bool)
	result = placeholderPattern.ReplaceAllStringFunc(s, func(token string) string {
		name := token[2 : len(token)-1]
		if v, ok := lookup(name); ok {
			return v
		}
		if !seen[name] {
			seen[name] = true
			missing = append(missing, name)
		}
		return token
	})
	return result, missing
}

// Replace recursively substitutes "${Name}" tokens anywhere inside value,
// which may be a string, map[string]string, map[string]interface{},
// []interface{}, or any other type passed through unchanged. It returns the
// substituted value along with the full set of unresolved variable names
// encountered anywhere in the walk.
func Replace(value interface{}, lookup Lookup) (interface{}, []string) {
	var missing []string
	out := replaceValue(value, lookup, &missing)
	return out, dedupe(missing)
}

func replaceValue(value interface{}, lookup Lookup, missing *[]string) interface{} {
	switch v := value.(type) {
	case string:
		replaced, m := ReplaceString(v, lookup)
		*missing = append(*missing, m...)
		return replaced
	case map[string]string:
		result := make(map[string]string, len(v))
		for k, val := range v {
			replaced, m := ReplaceString(val, lookup)
			*missing = append(*missing, m...)
			result[k] = replaced
		}
		return result
	case map[string]interface{}:
		result := make(map[string]interface{}, len(v))
		for k, val := range v {
			result[k] = replaceValue(val, lookup, missing)
		}
		return result
	case []string:
		result := make([]string, len(v))
		for i, val := range v {
			replaced, m := ReplaceString(val, lookup)
			*missing = append(*missing, m...)
			result[i] = replaced
		}
		return result
	case []interface{}:
		result := make([]interface{}, len(v))
		for i, val := range v {
			result[i] = replaceValue(val, lookup, missing)
		}
		return result
	default:
		return value
	}
}

// ExtractNames returns every placeholder name referenced anywhere in value,
// without attempting resolution.
func ExtractNames(value interface{}) []string {
	var names []string
	extract(value, &names)
	return dedupe(names)
}

func extract(value interface{}, names *[]string) {
	switch v := value.(type) {
	case string:
		for _, m := range placeholderPattern.FindAllStringSubmatch(v, -1) {
			*names = append(*names, m[1])
		}
	case map[string]string:
		for _, val := range v {
			extract(val, names)
		}
	case map[string]interface{}:
		for _, val := range v {
			extract(val, names)
		}
	case []string:
		for _, val := range v {
			extract(val, names)
		}
	case []interface{}:
		for _, val := range v {
			extract(val, names)
		}
	}
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// ErrUnresolved formats a "server configuration has unresolved variables"
// error listing the names that substitution left unresolved.
func ErrUnresolved(names []string) error {
	return fmt.Errorf("server configuration has unresolved variables: %s", strings.Join(names, ", "))
}
