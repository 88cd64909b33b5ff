package humanize

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// applyStrokes replays a plan against a buffer the way a browser would.
func applyStrokes(strokes []Stroke) string {
	var buf []rune
	for _, s := range strokes {
		if s.Keys == Backspace {
			if len(buf) > 0 {
				buf = buf[:len(buf)-1]
			}
			continue
		}
		buf = append(buf, []rune(s.Keys)...)
	}
	return string(buf)
}

func testConfig(seed int64) Config {
	cfg := DefaultConfig()
	cfg.Seed = seed
	return cfg
}

func TestKeystrokesReproduceText(t *testing.T) {
	ty := NewTypist(testConfig(1))
	text := "ada.lovelace@example.com"

	strokes := ty.Keystrokes(text)

	assert.Equal(t, text, applyStrokes(strokes))
	assert.GreaterOrEqual(t, len(strokes), len(text))
}

func TestTyposAreAlwaysCorrected(t *testing.T) {
	cfg := testConfig(7)
	cfg.TypoRate = 1.0
	ty := NewTypist(cfg)
	text := "san francisco"

	strokes := ty.Keystrokes(text)

	require.Equal(t, text, applyStrokes(strokes))
	// Every letter has neighbors, so every key should have produced the
	// typo, backspace, correction triple.
	backspaces := 0
	for _, s := range strokes {
		if s.Keys == Backspace {
			backspaces++
		}
	}
	assert.Greater(t, backspaces, 0)
}

func TestDelaysRespectFloor(t *testing.T) {
	cfg := testConfig(3)
	cfg.TypoRate = 0
	cfg.DriftAmplitude = 0
	ty := NewTypist(cfg)

	for _, s := range ty.Keystrokes("hello world, this is a somewhat longer line") {
		// The ngram discount scales the floor down to 55 percent at most.
		assert.GreaterOrEqual(t, s.Delay, time.Duration(cfg.KeyMinMs*0.55)*time.Millisecond)
	}
}

func TestNgramFactor(t *testing.T) {
	assert.Equal(t, 0.55, ngramFactor([]rune("the"), 2))
	assert.Equal(t, 0.7, ngramFactor([]rune("er"), 1))
	assert.Equal(t, 1.0, ngramFactor([]rune("qz"), 1))
	assert.Equal(t, 1.0, ngramFactor([]rune("th"), 0))
	assert.Equal(t, 1.0, ngramFactor(nil, 0))
}

func TestPauseIsNeverNegative(t *testing.T) {
	cfg := testConfig(11)
	cfg.PauseMeanMs = 10
	cfg.PauseStdDevMs = 500
	ty := NewTypist(cfg)
	for i := 0; i < 100; i++ {
		assert.GreaterOrEqual(t, ty.Pause(), time.Duration(0))
	}
}

func TestDeterministicWithSeed(t *testing.T) {
	a := NewTypist(testConfig(42)).Keystrokes("greenhouse")
	b := NewTypist(testConfig(42)).Keystrokes("greenhouse")
	assert.Equal(t, a, b)
}
