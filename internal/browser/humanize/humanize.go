// Package humanize plans human-like input timing for stealth sessions.
// It produces keystroke schedules rather than driving the browser itself,
// so the cadence model is testable without a Chrome process.
package humanize

import (
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/aquilax/go-perlin"
)

// keyboardNeighbors maps each key to its physical neighbors on a QWERTY
// layout, used to pick plausible mistyped characters.
var keyboardNeighbors = map[rune]string{
	'1': "2q`", '2': "13wq", '3': "24we", '4': "35er", '5': "46rt", '6': "57ty",
	'7': "68yu", '8': "79ui", '9': "80io", '0': "9-op",
	'q': "wa1s", 'w': "qase23", 'e': "wsdr34", 'r': "edft45", 't': "rfgy56",
	'y': "tghu67", 'u': "yhji78", 'i': "ujko89", 'o': "iklp90", 'p': "ol;0-",
	'a': "qwsz", 's': "awedxz", 'd': "serfcx", 'f': "drtgvc", 'g': "ftyhbv",
	'h': "gyujnb", 'j': "huikmn", 'k': "jiol,m", 'l': "kop;.",
	'z': "asx", 'x': "zsdc", 'c': "xdfv", 'v': "cfgb", 'b': "vghn", 'n': "bhjm", 'm': "njk,",
}

// commonNgrams are letter sequences a practiced typist rolls through faster
// than isolated keys.
var commonNgrams = map[string]bool{
	"th": true, "he": true, "in": true, "er": true, "an": true, "re": true,
	"es": true, "on": true, "st": true, "nt": true,
	"the": true, "and": true, "ing": true, "ion": true, "tio": true,
}

// Backspace is the control key a corrected typo emits.
const Backspace = "\b"

// Config shapes one session's typing persona.
type Config struct {
	// KeyMeanMs and KeyStdDevMs define the inter-key delay distribution.
	KeyMeanMs   float64
	KeyStdDevMs float64
	KeyMinMs    float64
	// TypoRate is the per-key probability of a mistype. Every planned typo
	// is followed by a backspace and the intended key, so the final field
	// value is always exact.
	TypoRate float64
	// PauseMeanMs and PauseStdDevMs define the cognitive pause taken before
	// starting to type or clicking a control.
	PauseMeanMs   float64
	PauseStdDevMs float64
	// DriftAmplitude scales the slow speed drift across a session. Zero
	// disables drift.
	DriftAmplitude float64

	// Seed fixes the random source; zero seeds from the clock.
	Seed int64
}

// DefaultConfig is a middle-of-the-road typist: roughly 50 words per minute
// with occasional corrected mistakes.
func DefaultConfig() Config {
	return Config{
		KeyMeanMs:      70,
		KeyStdDevMs:    28,
		KeyMinMs:       35,
		TypoRate:       0.02,
		PauseMeanMs:    300,
		PauseStdDevMs:  100,
		DriftAmplitude: 0.25,
	}
}

// Stroke is one planned key dispatch: wait Delay, then send Keys.
type Stroke struct {
	Keys  string
	Delay time.Duration
}

// Typist plans keystroke schedules for one session. Speed drifts slowly
// over the session via Perlin noise, the way a real typist speeds up and
// tires, instead of every delay being independent.
type Typist struct {
	mu    sync.Mutex
	cfg   Config
	rng   *rand.Rand
	drift *perlin.Perlin
	// t advances along the noise curve with every planned key.
	t float64
}

func NewTypist(cfg Config) *Typist {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Typist{
		cfg:   cfg,
		rng:   rand.New(rand.NewSource(seed)),
		drift: perlin.NewPerlin(2, 2, 3, seed),
	}
}

// Keystrokes plans the full key sequence for typing text into a focused
// field. Planned typos are always corrected in the same plan, so replaying
// the strokes verbatim leaves exactly text in the field.
func (ty *Typist) Keystrokes(text string) []Stroke {
	ty.mu.Lock()
	defer ty.mu.Unlock()

	runes := []rune(text)
	strokes := make([]Stroke, 0, len(runes))
	for i, r := range runes {
		delay := ty.keyDelay(runes, i, 1.0)

		if ty.rng.Float64() < ty.cfg.TypoRate {
			if typo, ok := ty.neighborOf(r); ok {
				strokes = append(strokes,
					Stroke{Keys: string(typo), Delay: delay},
					// Recognition takes longer than a normal inter-key gap.
					Stroke{Keys: Backspace, Delay: ty.keyDelay(nil, 0, 1.8)},
					Stroke{Keys: string(r), Delay: ty.keyDelay(nil, 0, 1.2)},
				)
				continue
			}
		}
		strokes = append(strokes, Stroke{Keys: string(r), Delay: delay})
	}
	return strokes
}

// Pause returns a cognitive pause duration, taken before typing into a new
// field or pressing a control.
func (ty *Typist) Pause() time.Duration {
	ty.mu.Lock()
	defer ty.mu.Unlock()
	ms := ty.cfg.PauseMeanMs + ty.rng.NormFloat64()*ty.cfg.PauseStdDevMs
	if ms < 0 {
		ms = 0
	}
	return time.Duration(ms) * time.Millisecond
}

func (ty *Typist) keyDelay(runes []rune, index int, scale float64) time.Duration {
	mean := ty.cfg.KeyMeanMs * scale
	minMs := ty.cfg.KeyMinMs * scale

	factor := ngramFactor(runes, index)
	mean *= factor
	minMs *= factor

	// Slow drift across the session.
	if ty.cfg.DriftAmplitude > 0 {
		ty.t += 0.05
		mean *= 1.0 + ty.cfg.DriftAmplitude*ty.drift.Noise1D(ty.t)
	}

	ms := mean + ty.rng.NormFloat64()*ty.cfg.KeyStdDevMs*scale
	ms = math.Max(minMs, ms)
	return time.Duration(ms) * time.Millisecond
}

// ngramFactor speeds up keys that complete a common digraph or trigraph.
func ngramFactor(runes []rune, index int) float64 {
	if runes == nil || index <= 0 || index >= len(runes) {
		return 1.0
	}
	if index >= 2 && commonNgrams[strings.ToLower(string(runes[index-2:index+1]))] {
		return 0.55
	}
	if commonNgrams[strings.ToLower(string(runes[index-1:index+1]))] {
		return 0.7
	}
	return 1.0
}

func (ty *Typist) neighborOf(r rune) (rune, bool) {
	neighbors, ok := keyboardNeighbors[r]
	if !ok || len(neighbors) == 0 {
		return 0, false
	}
	return rune(neighbors[ty.rng.Intn(len(neighbors))]), true
}
