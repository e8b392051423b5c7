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
package llm

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/ali-kernel/ali/internal/log"
)

// Tokenizer estimates token counts for arbitrary text. Estimation is
// heuristic and may be replaced by provider-specific tokenizers without
// affecting the contract; this implementation adopts
// tiktoken-go's cl100k_base encoding, which is close enough across vendors
// for budget and compaction-trigger purposes, and falls back to the
// bytes-per-token heuristic if the encoding table fails to load (e.g. no
// network access to fetch the BPE ranks on first use in an offline
// environment).
type Tokenizer struct {
	enc *tiktoken.Tiktoken
}

var (
	defaultTokenizer     *Tokenizer
	defaultTokenizerOnce sync.Once
)

// DefaultTokenizer returns the process-wide tokenizer, built once.
func DefaultTokenizer() *Tokenizer {
	defaultTokenizerOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			log.Warn("llm: tiktoken encoding unavailable, falling back to heuristic estimator")
			defaultTokenizer = &Tokenizer{}
			return
		}
		defaultTokenizer = &Tokenizer{enc: enc}
	})
	return defaultTokenizer
}

// EstimateTokens counts tokens in s, using the real tokenizer when
// available and a rough bytes-per-token heuristic otherwise.
func (t *Tokenizer) EstimateTokens(s string) int {
	if t == nil || t.enc == nil {
		return heuristicTokens(s)
	}
	return len(t.enc.Encode(s, nil, nil))
}

// heuristicTokens approximates token count as roughly 4 bytes per token,
// used whenever no real tokenizer is wired for a given backend.
func heuristicTokens(s string) int {
	if len(s) == 0 {
		return 0
	}
	n := len(s) / 4
	if n == 0 {
		n = 1
	}
	return n
}
