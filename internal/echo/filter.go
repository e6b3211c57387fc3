// Package echo detects recognition results that are the assistant's own
// synthesized voice picked up by the microphone.
package echo

import (
	"strings"
	"time"
	"unicode"
)

const (
	minWordLen       = 3 // words must be longer than 2 runes to count
	minStrongWordLen = 4 // longer than 3 runes for the time-window rule
	minStrongShared  = 2
)

type Config struct {
	// Threshold is the overlap ratio above which a candidate is echo.
	Threshold float64
	// Window is how long after assistant speech activity the weaker
	// shared-word rule applies.
	Window time.Duration
	// History is the number of recent assistant texts kept.
	History int
}

// Filter compares candidate transcripts against recent assistant speech.
// It is not safe for concurrent use.
type Filter struct {
	cfg Config

	ring []string
	next int
	size int

	speaking   bool
	lastSpeech time.Time
}

func New(cfg Config) *Filter {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 0.5
	}
	if cfg.Window <= 0 {
		cfg.Window = 3 * time.Second
	}
	if cfg.History <= 0 {
		cfg.History = 3
	}
	return &Filter{cfg: cfg, ring: make([]string, cfg.History)}
}

// Remember records assistant text, evicting the oldest entry when full.
func (f *Filter) Remember(text string) {
	text = strings.ToLower(strings.TrimSpace(text))
	if text == "" {
		return
	}
	f.ring[f.next] = text
	f.next = (f.next + 1) % len(f.ring)
	if f.size < len(f.ring) {
		f.size++
	}
}

// Recent returns the buffered texts, oldest first.
func (f *Filter) Recent() []string {
	out := make([]string, 0, f.size)
	start := (f.next - f.size + len(f.ring)) % len(f.ring)
	for i := 0; i < f.size; i++ {
		out = append(out, f.ring[(start+i)%len(f.ring)])
	}
	return out
}

// SpeechStarted and SpeechEnded track assistant speech activity for the
// time-window rule.
func (f *Filter) SpeechStarted(now time.Time) {
	f.speaking = true
	f.lastSpeech = now
}

func (f *Filter) SpeechEnded(now time.Time) {
	f.speaking = false
	f.lastSpeech = now
}

// Reset forgets all buffered text and speech activity.
func (f *Filter) Reset() {
	for i := range f.ring {
		f.ring[i] = ""
	}
	f.next, f.size = 0, 0
	f.speaking = false
	f.lastSpeech = time.Time{}
}

// IsEcho reports whether candidate looks like recently spoken assistant text.
func (f *Filter) IsEcho(candidate string, now time.Time) bool {
	cand := words(candidate, minWordLen)
	if len(cand) == 0 {
		return false
	}
	recent := f.speaking || (!f.lastSpeech.IsZero() && now.Sub(f.lastSpeech) <= f.cfg.Window)
	for _, ai := range f.Recent() {
		if Overlap(cand, words(ai, minWordLen)) > f.cfg.Threshold {
			return true
		}
		if recent && sharedLong(candidate, ai) >= minStrongShared {
			return true
		}
	}
	return false
}

// Overlap is |a ∩ b| / max(|a|, |b|).
func Overlap(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	n := 0
	for w := range a {
		if _, ok := b[w]; ok {
			n++
		}
	}
	return float64(n) / float64(max(len(a), len(b)))
}

func sharedLong(a, b string) int {
	wa := words(a, minStrongWordLen)
	wb := words(b, minStrongWordLen)
	n := 0
	for w := range wa {
		if _, ok := wb[w]; ok {
			n++
		}
	}
	return n
}

// words lower-cases s and returns the set of words with at least minLen runes.
// Apostrophes stay inside words so contractions survive.
func words(s string, minLen int) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
	out := make(map[string]struct{}, len(fields))
	for _, w := range fields {
		w = strings.Trim(w, "'")
		if len([]rune(w)) >= minLen {
			out[w] = struct{}{}
		}
	}
	return out
}
