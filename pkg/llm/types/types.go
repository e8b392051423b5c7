// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package types re-exports the provider-facing subset of pkg/types under
// the pkg/llm/types import path, which the provider clients use directly.
package types

import (
	"github.com/ali-kernel/ali/pkg/types"
)

type ToolCall = types.ToolCall
type Message = types.Message
type Usage = types.Usage
type LLMResponse = types.LLMResponse
type LLMProvider = types.LLMProvider
type TokenCallback = types.TokenCallback
type StreamingLLMProvider = types.StreamingLLMProvider
