package mlxmodel

import (
	"strings"

	"github.com/afm/gateway/pkg/jsonvalue"
)

// RemapArguments implements spec.md §4.3.5's four-heuristic argument-name
// remapping, applied per argument key when the caller supplied schemaProps
// (the tool schema's property names) and the model emitted keys that don't
// match it:
//  1. exact match
//  2. case-insensitive match
//  3. snake_case <-> camelCase conversion
//  4. suffix match, only when exactly one schema property ends with the
//     emitted key (case-insensitive)
//
// Unmatched keys are left unchanged. Idempotent: remapping an
// already-remapped object is a no-op, since every heuristic's output is
// itself an exact match on a second pass (spec.md §8 property 7).
func RemapArguments(args jsonvalue.Value, schemaProps []string) jsonvalue.Value {
	fields, ok := args.Object()
	if !ok {
		return args
	}

	propSet := make(map[string]struct{}, len(schemaProps))
	for _, p := range schemaProps {
		propSet[p] = struct{}{}
	}

	out := make(map[string]jsonvalue.Value, len(fields))
	for key, val := range fields {
		out[remapKey(key, schemaProps, propSet)] = val
	}
	return jsonvalue.Object(out)
}

func remapKey(key string, schemaProps []string, propSet map[string]struct{}) string {
	// 1. Exact match.
	if _, ok := propSet[key]; ok {
		return key
	}

	// 2. Case-insensitive match.
	lowerKey := strings.ToLower(key)
	for _, p := range schemaProps {
		if strings.ToLower(p) == lowerKey {
			return p
		}
	}

	// 3. Snake-case <-> camel-case conversion.
	converted := []string{snakeToCamel(key), camelToSnake(key)}
	for _, cand := range converted {
		if _, ok := propSet[cand]; ok {
			return cand
		}
	}

	// 4. Suffix match when exactly one schema property ends with the
	// emitted key (case-insensitive).
	var suffixMatches []string
	for _, p := range schemaProps {
		if len(p) >= len(lowerKey) && strings.HasSuffix(strings.ToLower(p), lowerKey) {
			suffixMatches = append(suffixMatches, p)
		}
	}
	if len(suffixMatches) == 1 {
		return suffixMatches[0]
	}

	return key
}

// snakeToCamel converts "file_path" to "filePath".
func snakeToCamel(s string) string {
	parts := strings.Split(s, "_")
	if len(parts) == 1 {
		return s
	}
	var b strings.Builder
	b.WriteString(parts[0])
	for _, p := range parts[1:] {
		if p == "" {
			continue
		}
		b.WriteString(strings.ToUpper(p[:1]))
		b.WriteString(p[1:])
	}
	return b.String()
}

// camelToSnake converts "filePath" to "file_path".
func camelToSnake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r - 'A' + 'a')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
