// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package shuttle defines the tool interface that managed agents expose to
// LLM providers as function-calling targets.
package shuttle

import (
	"context"
	"encoding/json"
)

// Tool is a single capability an agent can invoke via an LLM tool call.
type Tool interface {
	Name() string
	Description() string
	InputSchema() *JSONSchema
	Execute(ctx context.Context, params map[string]interface{}) (*Result, error)
}

// Result is the outcome of a tool execution.
type Result struct {
	Success         bool
	Data            interface{}
	Error           *Error
	Metadata        map[string]interface{}
	ExecutionTimeMs int64
}

// Error is a structured tool execution failure.
type Error struct {
	Code       string
	Message    string
	Retryable  bool
	Suggestion string
}

func (e *Error) Error() string { return e.Message }

// JSONSchema is a JSON Schema fragment describing a tool's parameters.
type JSONSchema struct {
	Type        string                 `json:"type"`
	Description string                 `json:"description,omitempty"`
	Properties  map[string]*JSONSchema `json:"properties,omitempty"`
	Required    []string               `json:"required,omitempty"`
	Items       *JSONSchema            `json:"items,omitempty"`
	Enum        []interface{}          `json:"enum,omitempty"`
	Default     interface{}            `json:"default,omitempty"`
}

// MarshalJSON ensures object schemas always carry an explicit (possibly
// empty) properties map, which several providers require for tool-use
// validation.
func (s *JSONSchema) MarshalJSON() ([]byte, error) {
	type alias JSONSchema
	if s.Type == "object" && len(s.Properties) == 0 {
		// omitempty drops an empty map, so the field is restated without it.
		return json.Marshal(struct {
			*alias
			Properties map[string]*JSONSchema `json:"properties"`
		}{alias: (*alias)(s), Properties: map[string]*JSONSchema{}})
	}
	return json.Marshal((*alias)(s))
}

// NewObjectSchema builds an object schema with the given properties.
func NewObjectSchema(description string, properties map[string]*JSONSchema, required []string) *JSONSchema {
	return &JSONSchema{Type: "object", Description: description, Properties: properties, Required: required}
}

// NewStringSchema builds a string schema.
func NewStringSchema(description string) *JSONSchema {
	return &JSONSchema{Type: "string", Description: description}
}

// NewNumberSchema builds a number schema.
func NewNumberSchema(description string) *JSONSchema {
	return &JSONSchema{Type: "number", Description: description}
}

// NewArraySchema builds an array schema.
func NewArraySchema(description string, items *JSONSchema) *JSONSchema {
	return &JSONSchema{Type: "array", Description: description, Items: items}
}
