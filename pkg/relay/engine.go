package relay

import (
	"context"
	"strings"
	"time"
)

// GenerateRequest is what one generation run starts from: the conversation
// history the client's thread linearized, plus the dispatch args.
type GenerateRequest struct {
	Model  string
	Prompt string
	Args   map[string]any
}

// Engine produces a completion incrementally, calling emit once per delta.
// Real provider backends are deliberately out of scope; the relay ships local
// engines so the client core can be exercised end to end.
type Engine interface {
	Generate(ctx context.Context, req GenerateRequest, emit func(delta string) error) error
}

// EchoEngine streams the prompt back word by word. Useful as a default for
// manual runs against the relay.
type EchoEngine struct {
	// Delay between deltas; zero streams as fast as the consumer acks.
	Delay time.Duration
}

var _ Engine = &EchoEngine{}

func (e *EchoEngine) Generate(ctx context.Context, req GenerateRequest, emit func(delta string) error) error {
	words := strings.Fields(req.Prompt)
	if len(words) == 0 {
		words = []string{"(empty prompt)"}
	}
	for i, w := range words {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		chunk := w
		if i < len(words)-1 {
			chunk += " "
		}
		if err := emit(chunk); err != nil {
			return err
		}
		if e.Delay > 0 {
			select {
			case <-time.After(e.Delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

// ScriptedEngine replays a fixed sequence of deltas, failing afterwards when
// Err is set. Tests drive it.
type ScriptedEngine struct {
	Deltas []string
	Err    error
}

var _ Engine = &ScriptedEngine{}

func (e *ScriptedEngine) Generate(ctx context.Context, req GenerateRequest, emit func(delta string) error) error {
	for _, d := range e.Deltas {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := emit(d); err != nil {
			return err
		}
	}
	return e.Err
}
