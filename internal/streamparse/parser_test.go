package streamparse

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type capture struct {
	tokens []string
	blocks []json.RawMessage
}

func newCapture() (*capture, *Parser) {
	c := &capture{}
	p := New(DefaultStartTag, DefaultEndTag,
		func(s string) { c.tokens = append(c.tokens, s) },
		func(b json.RawMessage) { c.blocks = append(c.blocks, b) },
	)
	return c, p
}

func (c *capture) text() string { return strings.Join(c.tokens, "") }

func feedFragmented(p *Parser, input string, n int) {
	for i := 0; i < len(input); i += n {
		end := i + n
		if end > len(input) {
			end = len(input)
		}
		p.Feed(input[i:end])
	}
	p.Flush()
}

func TestWellFormedBlock(t *testing.T) {
	c, p := newCapture()
	p.Feed("Start :::table {} ::: End")
	p.Flush()

	require.Equal(t, "Start  End", c.text())
	require.Len(t, c.blocks, 1)
	require.JSONEq(t, `{}`, string(c.blocks[0]))
}

func TestBlockWithRows(t *testing.T) {
	c, p := newCapture()
	p.Feed(`Here are the results: :::table {"rows":[{"region":"EU","total":42}]} ::: Anything else?`)
	p.Flush()

	require.Equal(t, "Here are the results:  Anything else?", c.text())
	require.Len(t, c.blocks, 1)
	require.JSONEq(t, `{"rows":[{"region":"EU","total":42}]}`, string(c.blocks[0]))
}

func TestFragmentationInvariance(t *testing.T) {
	input := `intro :::table {"rows":[1,2,3]} ::: outro`
	whole, p := newCapture()
	p.Feed(input)
	p.Flush()

	for _, n := range []int{1, 2, 3, 7, 64} {
		frag, fp := newCapture()
		feedFragmented(fp, input, n)
		require.Equal(t, whole.text(), frag.text(), "fragment size %d", n)
		require.Equal(t, len(whole.blocks), len(frag.blocks), "fragment size %d", n)
		require.JSONEq(t, string(whole.blocks[0]), string(frag.blocks[0]))
	}
}

func TestMalformedBlockEmitsRawText(t *testing.T) {
	input := "a :::table not json ::: b"
	c, p := newCapture()
	feedFragmented(p, input, 1)

	require.Empty(t, c.blocks)
	// Lossless: every input byte comes back out as plain text.
	require.Equal(t, input, c.text())
}

func TestUnterminatedBlockFlushedAsText(t *testing.T) {
	input := `before :::table {"rows":`
	c, p := newCapture()
	p.Feed(input)
	p.Flush()

	require.Empty(t, c.blocks)
	require.Equal(t, input, c.text())
}

func TestPartialTagFallsBackToText(t *testing.T) {
	for _, input := range []string{"a ::tab b", "x ::: y", "::", "::::"} {
		c, p := newCapture()
		feedFragmented(p, input, 1)
		require.Empty(t, c.blocks, "input %q", input)
		require.Equal(t, input, c.text(), "input %q", input)
	}
}

func TestColonRunBreaksTagMatch(t *testing.T) {
	// An extra leading colon spoils the candidate; the whole run falls back
	// to plain text with no bytes lost.
	input := "::::table {} :::"
	c, p := newCapture()
	feedFragmented(p, input, 1)

	require.Empty(t, c.blocks)
	require.Equal(t, input, c.text())
}

func TestLosslessWithoutBlock(t *testing.T) {
	input := "plain text, nothing : special :: here"
	c, p := newCapture()
	feedFragmented(p, input, 3)

	require.Empty(t, c.blocks)
	require.Equal(t, input, c.text())
}

func TestResetAllowsReuse(t *testing.T) {
	c, p := newCapture()
	p.Feed(":::table") // leaves parser inside a block
	p.Reset()

	p.Feed("fresh stream")
	p.Flush()
	require.Equal(t, "fresh stream", c.text())
}
