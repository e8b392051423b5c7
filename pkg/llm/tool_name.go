// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package llm

import "strings"

// SanitizeToolName rewrites a tool name for provider tool schemas. The
// wire patterns differ per vendor:
//   - Azure OpenAI: ^[a-zA-Z0-9_.\-]+$
//   - Bedrock: ^[a-zA-Z0-9_-]{1,64}$
//   - Gemini: ^[a-zA-Z_][a-zA-Z0-9_]*$
//
// Namespaced registry tools ("notes:search") use colons, which none of
// the above allow, so colons become underscores. Every other character
// passes through unchanged, so a name with dots, or one longer than 64
// characters, can still fall outside a pattern above.
func SanitizeToolName(name string) string {
	return strings.ReplaceAll(name, ":", "_")
}

// BuildToolNameMap maps each name's sanitized form back to the original,
// so tool calls coming off the wire can be dispatched to the registry
// entry the agent actually owns.
func BuildToolNameMap(names []string) map[string]string {
	m := make(map[string]string, len(names))
	for _, name := range names {
		m[SanitizeToolName(name)] = name
	}
	return m
}

// ReverseToolName resolves a sanitized name to its original, falling back
// to the sanitized form when it was never namespaced to begin with.
func ReverseToolName(nameMap map[string]string, sanitizedName string) string {
	if original, exists := nameMap[sanitizedName]; exists {
		return original
	}
	return sanitizedName
}
