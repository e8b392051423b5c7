// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package azureopenai

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ali-kernel/ali/pkg/llm/openai"
)

// Azure OpenAI validates tool schemas more strictly than OpenAI proper:
// empty required/enum arrays, empty string defaults and missing
// properties fields all fail the request. ValidateToolSchemas reports
// such problems up front; SanitizeToolSchemas strips the ones that can
// be stripped safely before a request goes out.

// ValidateToolSchemas checks every tool schema and returns one message
// per problem found, empty when all pass.
func ValidateToolSchemas(tools []openai.Tool) []string {
	var errors []string
	for i, tool := range tools {
		errors = append(errors, validateToolSchema(tool, i)...)
	}
	return errors
}

func validateToolSchema(tool openai.Tool, index int) []string {
	var errors []string
	prefix := fmt.Sprintf("tools[%d] (%s)", index, tool.Function.Name)

	if tool.Function.Name == "" {
		errors = append(errors, fmt.Sprintf("%s: function name is empty", prefix))
	}
	if tool.Function.Parameters == nil {
		errors = append(errors, fmt.Sprintf("%s: parameters is nil", prefix))
		return errors
	}
	params := tool.Function.Parameters

	paramType, hasType := params["type"].(string)
	if !hasType {
		errors = append(errors, fmt.Sprintf("%s.parameters: missing 'type' field", prefix))
	} else if paramType != "object" {
		errors = append(errors, fmt.Sprintf("%s.parameters: type must be 'object', got '%s'", prefix, paramType))
	}

	if paramType == "object" {
		if _, hasProps := params["properties"]; !hasProps {
			errors = append(errors, fmt.Sprintf("%s.parameters: object type missing 'properties' field", prefix))
		} else if props, ok := params["properties"].(map[string]interface{}); ok {
			errors = append(errors, validateProperties(props, prefix+".parameters.properties")...)
		}
	}

	if required, hasRequired := params["required"]; hasRequired {
		if reqArr, ok := required.([]string); ok {
			if len(reqArr) == 0 {
				errors = append(errors, fmt.Sprintf("%s.parameters: has empty 'required' array (consider removing)", prefix))
			}
		} else {
			errors = append(errors, fmt.Sprintf("%s.parameters: 'required' must be string array", prefix))
		}
	}

	return errors
}

func validateProperties(props map[string]interface{}, path string) []string {
	var errors []string

	for propName, propValue := range props {
		propPath := path + "." + propName
		propMap, ok := propValue.(map[string]interface{})
		if !ok {
			errors = append(errors, fmt.Sprintf("%s: property is not an object", propPath))
			continue
		}

		propType, hasType := propMap["type"].(string)
		if !hasType {
			errors = append(errors, fmt.Sprintf("%s: missing 'type' field", propPath))
			continue
		}

		switch propType {
		case "object":
			if _, hasProps := propMap["properties"]; !hasProps {
				errors = append(errors, fmt.Sprintf("%s: object type missing 'properties' field", propPath))
			} else if nestedProps, ok := propMap["properties"].(map[string]interface{}); ok {
				errors = append(errors, validateProperties(nestedProps, propPath+".properties")...)
			}

		case "array":
			if _, hasItems := propMap["items"]; !hasItems {
				errors = append(errors, fmt.Sprintf("%s: array type missing 'items' field", propPath))
			} else if items, ok := propMap["items"].(map[string]interface{}); ok {
				itemType, hasItemType := items["type"].(string)
				if !hasItemType {
					errors = append(errors, fmt.Sprintf("%s.items: missing 'type' field", propPath))
				}
				if itemType == "object" {
					if itemProps, ok := items["properties"].(map[string]interface{}); ok {
						errors = append(errors, validateProperties(itemProps, propPath+".items.properties")...)
					} else {
						errors = append(errors, fmt.Sprintf("%s.items: object type missing 'properties' field", propPath))
					}
				}
			}

		case "string", "number", "integer", "boolean":
			// valid primitives

		default:
			errors = append(errors, fmt.Sprintf("%s: unknown type '%s'", propPath, propType))
		}

		if enum, hasEnum := propMap["enum"]; hasEnum {
			if enumArr, ok := enum.([]interface{}); ok && len(enumArr) == 0 {
				errors = append(errors, fmt.Sprintf("%s: has empty 'enum' array (consider removing)", propPath))
			}
		}
		if required, hasRequired := propMap["required"]; hasRequired {
			if reqArr, ok := required.([]interface{}); ok && len(reqArr) == 0 {
				errors = append(errors, fmt.Sprintf("%s: has empty 'required' array (consider removing)", propPath))
			}
		}
	}

	return errors
}

// DumpToolSchemasJSON pretty-prints every tool schema for diagnostics.
func DumpToolSchemasJSON(tools []openai.Tool) string {
	var sb strings.Builder
	sb.WriteString("Tool Schemas (JSON):\n")
	sb.WriteString("====================\n\n")

	for i, tool := range tools {
		sb.WriteString(fmt.Sprintf("Tool [%d]: %s\n", i, tool.Function.Name))
		sb.WriteString("---\n")
		if tool.Function.Parameters != nil {
			jsonBytes, err := json.MarshalIndent(tool.Function.Parameters, "", "  ")
			if err != nil {
				sb.WriteString(fmt.Sprintf("ERROR marshaling parameters: %v\n", err))
			} else {
				sb.WriteString(string(jsonBytes))
				sb.WriteString("\n")
			}
		} else {
			sb.WriteString("(parameters is nil)\n")
		}
		sb.WriteString("\n")
	}

	return sb.String()
}

// SanitizeToolSchemas strips the fields Azure rejects: empty required
// and enum arrays, and empty string defaults. Nested properties and
// array items are cleaned recursively.
func SanitizeToolSchemas(tools []openai.Tool) []openai.Tool {
	sanitized := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		sanitized[i] = openai.Tool{
			Type: tool.Type,
			Function: openai.FunctionDef{
				Name:        tool.Function.Name,
				Description: tool.Function.Description,
				Parameters:  sanitizeParameters(tool.Function.Parameters),
			},
		}
	}
	return sanitized
}

func sanitizeParameters(params map[string]interface{}) map[string]interface{} {
	if params == nil {
		return nil
	}
	return sanitizeSchemaMap(params)
}

// sanitizeSchemaMap filters one schema level: empty arrays and empty
// string defaults drop, properties and items recurse.
func sanitizeSchemaMap(m map[string]interface{}) map[string]interface{} {
	result := make(map[string]interface{})
	for key, value := range m {
		if arr, ok := value.([]interface{}); ok && len(arr) == 0 {
			continue
		}
		if arr, ok := value.([]string); ok && len(arr) == 0 {
			continue
		}
		if key == "default" {
			// empty string defaults drop; false and 0 stay
			if str, ok := value.(string); ok && str == "" {
				continue
			}
		}
		switch key {
		case "properties":
			if props, ok := value.(map[string]interface{}); ok {
				result[key] = sanitizeProperties(props)
				continue
			}
		case "items":
			if items, ok := value.(map[string]interface{}); ok {
				result[key] = sanitizeSchemaMap(items)
				continue
			}
		}
		result[key] = value
	}
	return result
}

func sanitizeProperties(props map[string]interface{}) map[string]interface{} {
	if props == nil {
		return make(map[string]interface{})
	}
	result := make(map[string]interface{})
	for propName, propValue := range props {
		if propMap, ok := propValue.(map[string]interface{}); ok {
			result[propName] = sanitizeSchemaMap(propMap)
		} else {
			result[propName] = propValue
		}
	}
	return result
}
