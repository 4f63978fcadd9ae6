package oracle

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

// Encoding is the tokenizer encoding used for estimates.
const Encoding = "cl100k_base"

// Tokenizer estimates token counts. The encoding is loaded lazily on first
// use; if it cannot be loaded the 1:4 characters heuristic is used instead.
type Tokenizer struct {
	once   sync.Once
	enc    *tiktoken.Tiktoken
	logger *zap.SugaredLogger
}

// NewTokenizer creates a lazily initialised tokenizer.
func NewTokenizer(logger *zap.SugaredLogger) *Tokenizer {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Tokenizer{logger: logger}
}

// Count returns the estimated number of tokens in text.
func (t *Tokenizer) Count(text string) int {
	if text == "" {
		return 0
	}
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(Encoding)
		if err != nil {
			t.logger.Warnw("Failed to load tokenizer encoding, falling back to heuristic",
				"encoding", Encoding,
				"error", err,
			)
			return
		}
		t.enc = enc
	})
	if t.enc != nil {
		return len(t.enc.Encode(text, nil, nil))
	}
	return HeuristicTokens(text)
}

// HeuristicTokens approximates tokens as one per four characters.
func HeuristicTokens(text string) int {
	if text == "" {
		return 0
	}
	n := len(text) / 4
	if n == 0 {
		n = 1
	}
	return n
}
