package responder

import (
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/tiktoken-go/tokenizer"
	"github.com/weaviate/tiktoken-go"
)

const encodingName = "cl100k_base"

// TokenCounter counts tokens with the cl100k_base encoding. It prefers the
// tiktoken BPE ranks, falls back to the embedded tokenizer codec, and
// estimates four characters per token when neither loads.
type TokenCounter struct {
	once  sync.Once
	enc   *tiktoken.Tiktoken
	codec tokenizer.Codec
}

func NewTokenCounter() *TokenCounter {
	return &TokenCounter{}
}

func (t *TokenCounter) load() {
	t.once.Do(func() {
		logger := log.With().Str("component", "responder").Logger()
		enc, err := tiktoken.GetEncoding(encodingName)
		if err == nil {
			t.enc = enc
			return
		}
		logger.Debug().Err(err).Msg("tiktoken ranks unavailable, using embedded codec")
		codec, err := tokenizer.Get(tokenizer.Cl100kBase)
		if err != nil {
			logger.Warn().Err(err).Msg("no tokenizer available, estimating token counts")
			return
		}
		t.codec = codec
	})
}

func (t *TokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	t.load()
	if t.enc != nil {
		return len(t.enc.Encode(text, nil, nil))
	}
	if t.codec != nil {
		if ids, _, err := t.codec.Encode(text); err == nil {
			return len(ids)
		}
	}
	n := (len(text) + 3) / 4
	if n == 0 {
		n = 1
	}
	return n
}
