package tokens

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blkd13/ribbon-core/pkg/chatgraph"
)

func TestEstimatorCount(t *testing.T) {
	e := NewEstimator()

	n, err := e.Count("gpt-4", "hello world, this is a prompt")
	require.NoError(t, err)
	require.Positive(t, n)

	// Longer text costs more tokens.
	m, err := e.Count("gpt-4", "hello world, this is a prompt, and it keeps going with more words")
	require.NoError(t, err)
	require.Greater(t, m, n)
}

func TestEstimatorUnknownModelFallsBack(t *testing.T) {
	e := NewEstimator()

	n, err := e.Count("some-future-model-9000", "hello world")
	require.NoError(t, err)
	require.Positive(t, n)
}

func TestEstimatorCountParts(t *testing.T) {
	e := NewEstimator()

	parts := []*chatgraph.ContentPart{
		{Kind: chatgraph.PartText, Text: "what does this file do?"},
		{Kind: chatgraph.PartFile, FileID: "f1"},
		{Kind: chatgraph.PartText, Text: "be brief"},
	}
	n, err := e.CountParts("gpt-4", parts)
	require.NoError(t, err)

	textOnly, err := e.Count("gpt-4", "what does this file do?")
	require.NoError(t, err)
	require.Greater(t, n, textOnly)
}
