package synth

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func longScript(minBytes int) string {
	var b strings.Builder
	for i := 1; b.Len() < minBytes; i++ {
		switch i % 4 {
		case 0:
			fmt.Fprintf(&b, "Is sentence %d a question? ", i)
		case 1:
			fmt.Fprintf(&b, "Sentence %d talks about tides, turbines and the grid. ", i)
		case 2:
			fmt.Fprintf(&b, "Wow, number %d!\n", i)
		default:
			fmt.Fprintf(&b, "Café %d, naïve façade. ", i)
		}
	}
	return b.String()
}

func assertRoundTrip(t *testing.T, c Chunker, doc string, chunks []string) {
	t.Helper()
	prefix, content, suffix := unwrap(doc)
	var rebuilt strings.Builder
	for i, ch := range chunks {
		assert.LessOrEqual(t, len(ch), c.MaxBytes, "chunk %d too large", i)
		require.True(t, strings.HasPrefix(ch, prefix))
		require.True(t, strings.HasSuffix(ch, suffix))
		rebuilt.WriteString(ch[len(prefix) : len(ch)-len(suffix)])
	}
	assert.Equal(t, content, rebuilt.String())
}

func TestSplitSingleChunkIdentity(t *testing.T) {
	doc := PrepareSSML("Short and sweet. [pause] Done.")
	chunks, err := NewChunker(0).Split(doc)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, doc, chunks[0])
}

func TestSplitFiftyThousandBytes(t *testing.T) {
	c := NewChunker(4800)
	doc := PrepareSSML(longScript(50000))
	require.Greater(t, len(doc), 50000)

	chunks, err := c.Split(doc)
	require.NoError(t, err)
	assert.Greater(t, len(chunks), 10)
	assertRoundTrip(t, c, doc, chunks)
}

func TestSplitRoundTripAcrossLimits(t *testing.T) {
	inputs := map[string]string{
		"sentences":       longScript(6000),
		"no punctuation":  strings.Repeat("word ", 3000),
		"one huge word":   strings.Repeat("x", 9000),
		"multibyte word":  strings.Repeat("日本語", 2000),
		"mixed":           "Lead in. " + strings.Repeat("y", 700) + " tail words here. " + strings.Repeat("Ünïcode ", 200),
		"leading spaces":  "   " + longScript(3000),
		"only whitespace": strings.Repeat(" \n\t", 2000),
	}
	for name, text := range inputs {
		for _, limit := range []int{300, 512, 1000, 4800} {
			t.Run(fmt.Sprintf("%s/%d", name, limit), func(t *testing.T) {
				c := NewChunker(limit)
				doc := PrepareSSML(text)
				chunks, err := c.Split(doc)
				require.NoError(t, err)
				assertRoundTrip(t, c, doc, chunks)
			})
		}
	}
}

func TestSplitKeepsSentencesWhole(t *testing.T) {
	c := Chunker{MaxBytes: 60, Buffer: 0}
	doc := "<speak>One two three. Four five six. Seven eight nine. Ten eleven twelve.</speak>"
	chunks, err := c.Split(doc)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"<speak>One two three. Four five six. </speak>",
		"<speak>Seven eight nine. Ten eleven twelve.</speak>",
	}, chunks)
}

func TestSplitFallsBackToWordsForLongSentence(t *testing.T) {
	c := Chunker{MaxBytes: 35, Buffer: 0}
	doc := "<speak>alpha beta gamma delta epsilon zeta eta.</speak>"
	chunks, err := c.Split(doc)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"<speak>alpha beta gamma </speak>",
		"<speak>delta epsilon zeta </speak>",
		"<speak>eta.</speak>",
	}, chunks)
}

func TestSplitWithoutWrapper(t *testing.T) {
	c := Chunker{MaxBytes: 10, Buffer: 0}
	chunks, err := c.Split("abc. defgh. ijklmnop.")
	require.NoError(t, err)
	assert.Equal(t, []string{"abc. ", "defgh. ", "ijklmnop."}, chunks)
}

func TestSplitCustomSpeakAttributes(t *testing.T) {
	c := Chunker{MaxBytes: 80, Buffer: 0}
	doc := `<speak version="1.1">` + strings.Repeat("Hello there. ", 12) + `</speak>`
	chunks, err := c.Split(doc)
	require.NoError(t, err)
	for _, ch := range chunks {
		assert.True(t, strings.HasPrefix(ch, `<speak version="1.1">`))
	}
	assertRoundTrip(t, c, doc, chunks)
}

func TestSplitConfigErrors(t *testing.T) {
	_, err := Chunker{MaxBytes: 20, Buffer: 100}.Split(PrepareSSML(strings.Repeat("a", 50)))
	assert.ErrorIs(t, err, ErrChunkConfig)

	// 3 byte runes cannot fit a 2 byte budget.
	_, err = Chunker{MaxBytes: 17, Buffer: 0}.Split(PrepareSSML(strings.Repeat("日", 10)))
	assert.ErrorIs(t, err, ErrChunkConfig)
}

func TestSplitIsDeterministic(t *testing.T) {
	c := NewChunker(700)
	doc := PrepareSSML(longScript(8000))
	a, err := c.Split(doc)
	require.NoError(t, err)
	b, err := c.Split(doc)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
