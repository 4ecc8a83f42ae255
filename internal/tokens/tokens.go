// Package tokens estimates how many model tokens a piece of text costs.
// The heuristic estimator is the default; the tiktoken estimator gives
// exact BPE counts when the encoding tables are available.
package tokens

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Estimator returns an estimated token count for text.
type Estimator interface {
	Estimate(text string) int
}

// CharsPerToken is the ratio used by [Heuristic]. Four characters per
// token is close to what BPE tokenizers produce for English prose and
// source code.
const CharsPerToken = 4

// Heuristic estimates tokens from the byte length of text.
type Heuristic struct{}

// Estimate returns ceil(len(text) / CharsPerToken).
func (Heuristic) Estimate(text string) int {
	return (len(text) + CharsPerToken - 1) / CharsPerToken
}

// Tiktoken counts tokens with a BPE encoding from tiktoken-go.
type Tiktoken struct {
	mu  sync.Mutex
	enc *tiktoken.Tiktoken
}

// NewTiktoken loads the named encoding, for example "cl100k_base".
func NewTiktoken(encoding string) (*Tiktoken, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("load encoding %s: %w", encoding, err)
	}
	return &Tiktoken{enc: enc}, nil
}

// Estimate returns the exact token count of text.
func (t *Tiktoken) Estimate(text string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.enc.Encode(text, nil, nil))
}

// New returns the estimator named by kind ("heuristic" or "tiktoken").
// An empty kind selects the heuristic.
func New(kind, encoding string) (Estimator, error) {
	switch kind {
	case "", "heuristic":
		return Heuristic{}, nil
	case "tiktoken":
		return NewTiktoken(encoding)
	default:
		return nil, fmt.Errorf("unknown tokenizer %q", kind)
	}
}
