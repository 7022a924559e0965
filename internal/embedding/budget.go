// Copyright 2026 The biasrouter Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package embedding

import (
	"fmt"

	"github.com/tiktoken-go/tokenizer"
)

// TokenBudget enforces the embedding input token limit. Text beyond the
// budget is cut at a token boundary rather than mid-word, using a BPE
// codec for accurate counting.
type TokenBudget struct {
	codec tokenizer.Codec
}

// NewTokenBudget creates a token budget backed by the cl100k_base encoding.
func NewTokenBudget() (*TokenBudget, error) {
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return nil, fmt.Errorf("failed to load token codec: %w", err)
	}
	return &TokenBudget{codec: codec}, nil
}

// Count returns the number of tokens in the text.
func (b *TokenBudget) Count(text string) (int, error) {
	ids, _, err := b.codec.Encode(text)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// Truncate returns the text cut to at most maxTokens tokens. Text within
// the budget is returned unchanged.
func (b *TokenBudget) Truncate(text string, maxTokens int) (string, error) {
	if maxTokens <= 0 {
		return text, nil
	}

	ids, _, err := b.codec.Encode(text)
	if err != nil {
		return "", err
	}
	if len(ids) <= maxTokens {
		return text, nil
	}

	truncated, err := b.codec.Decode(ids[:maxTokens])
	if err != nil {
		return "", err
	}
	return truncated, nil
}
