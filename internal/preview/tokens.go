package preview

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// NewTokenCounter returns a tiktoken-backed counter for model, falling back
// to cl100k_base for unknown models. Loading an encoding may fetch its BPE
// ranks, so callers treat an error as "no token estimates".
func NewTokenCounter(model string) (TokenCounter, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}
	return func(text string) int {
		return len(enc.Encode(text, nil, nil))
	}, nil
}
