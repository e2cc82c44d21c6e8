package tokens

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/tiktoken-go/tokenizer"

	"github.com/blkd13/ribbon-core/pkg/chatgraph"
)

// perPartOverhead approximates the framing tokens a provider adds around
// each content part when assembling the prompt.
const perPartOverhead = 4

// Estimator counts prompt tokens ahead of dispatch so token-ceiling
// validation can run without a network call. Codecs are cached per model;
// models the tokenizer does not know fall back to the cl100k_base encoding,
// which is close enough for a pre-send estimate.
type Estimator struct {
	mu     sync.Mutex
	codecs map[string]tokenizer.Codec
}

func NewEstimator() *Estimator {
	return &Estimator{codecs: map[string]tokenizer.Codec{}}
}

func (e *Estimator) codecFor(model string) (tokenizer.Codec, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.codecs[model]; ok {
		return c, nil
	}
	c, err := tokenizer.ForModel(tokenizer.Model(model))
	if err != nil {
		log.Debug().Str("component", "tokens").Str("model", model).Msg("unknown model, falling back to cl100k_base")
		c, err = tokenizer.Get(tokenizer.Cl100kBase)
		if err != nil {
			return nil, errors.Wrap(err, "load fallback encoding")
		}
	}
	e.codecs[model] = c
	return c, nil
}

// Count returns the token count of text under the given model's encoding.
func (e *Estimator) Count(model, text string) (int, error) {
	c, err := e.codecFor(model)
	if err != nil {
		return 0, err
	}
	ids, _, err := c.Encode(text)
	if err != nil {
		return 0, errors.Wrap(err, "encode")
	}
	return len(ids), nil
}

// CountParts estimates the prompt cost of a sequence of content parts. Only
// text parts contribute encoded tokens; every part pays the framing overhead.
func (e *Estimator) CountParts(model string, parts []*chatgraph.ContentPart) (int, error) {
	total := 0
	for _, p := range parts {
		total += perPartOverhead
		if p.Kind != chatgraph.PartText || p.Text == "" {
			continue
		}
		n, err := e.Count(model, p.Text)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}
