// Package utterance merges recognition fragments into finalized utterances.
package utterance

import (
	"strings"
	"time"
	"unicode/utf8"

	"serenity/companion/internal/clock"
)

// Drop reasons reported through Config.OnDrop.
const (
	DropTooShort  = "too_short"
	DropDuplicate = "duplicate"
)

// Utterance is one unit of user speech as it is being assembled.
type Utterance struct {
	Fragments []string
	Finalized bool
	Text      string
	StartedAt time.Time
}

type Config struct {
	// Window is how long to wait after a final fragment for another one.
	Window time.Duration
	// MinLength is the minimum rune count of an emitted utterance.
	MinLength int
	// DuplicateWindow bounds how long the last emitted text is remembered
	// for duplicate suppression. Zero remembers it until Reset.
	DuplicateWindow time.Duration

	// OnReady receives finalized text.
	OnReady func(text string)
	// OnDrop is optional and receives text rejected before emission.
	OnDrop func(text, reason string)
}

// Debouncer accumulates final fragments and emits them as one utterance once
// Window elapses without another final fragment. It is not safe for
// concurrent use; callers serialize Feed and timer callbacks.
type Debouncer struct {
	cfg Config
	clk clock.Clock

	current *Utterance
	interim string
	timer   clock.Timer

	lastText string
	lastAt   time.Time
}

func New(cfg Config, clk clock.Clock) *Debouncer {
	if cfg.Window <= 0 {
		cfg.Window = 500 * time.Millisecond
	}
	if cfg.MinLength <= 0 {
		cfg.MinLength = 1
	}
	return &Debouncer{cfg: cfg, clk: clk}
}

// Feed adds a recognition fragment. Interim fragments only update the live
// transcript; final fragments are accumulated and re-arm the timer.
func (d *Debouncer) Feed(fragment string, isFinal bool) {
	fragment = strings.TrimSpace(fragment)
	if fragment == "" {
		if !isFinal {
			d.interim = ""
		}
		return
	}
	if d.current == nil {
		d.current = &Utterance{StartedAt: d.clk.Now()}
	}
	if !isFinal {
		d.interim = fragment
		return
	}
	d.interim = ""
	d.current.Fragments = append(d.current.Fragments, fragment)
	clock.Stop(d.timer)
	d.timer = d.clk.AfterFunc(d.cfg.Window, d.fire)
}

// Transcript is the live text: accumulated final fragments plus the latest
// interim fragment.
func (d *Debouncer) Transcript() string {
	if d.current == nil {
		return d.interim
	}
	parts := append([]string(nil), d.current.Fragments...)
	if d.interim != "" {
		parts = append(parts, d.interim)
	}
	return normalize(strings.Join(parts, " "))
}

// Pending reports whether final fragments are waiting for the timer.
func (d *Debouncer) Pending() bool {
	return d.current != nil && len(d.current.Fragments) > 0
}

// Cancel stops the timer and discards anything accumulated.
func (d *Debouncer) Cancel() {
	clock.Stop(d.timer)
	d.timer = nil
	d.current = nil
	d.interim = ""
}

// Reset cancels and also forgets the last emitted text.
func (d *Debouncer) Reset() {
	d.Cancel()
	d.lastText = ""
	d.lastAt = time.Time{}
}

func (d *Debouncer) fire() {
	d.timer = nil
	u := d.current
	d.current = nil
	d.interim = ""
	if u == nil || len(u.Fragments) == 0 {
		return
	}
	u.Finalized = true
	u.Text = normalize(strings.Join(u.Fragments, " "))

	if utf8.RuneCountInString(u.Text) < d.cfg.MinLength {
		d.drop(u.Text, DropTooShort)
		return
	}
	now := d.clk.Now()
	if d.isDuplicate(u.Text, now) {
		d.drop(u.Text, DropDuplicate)
		return
	}
	d.lastText = u.Text
	d.lastAt = now
	if d.cfg.OnReady != nil {
		d.cfg.OnReady(u.Text)
	}
}

func (d *Debouncer) isDuplicate(text string, now time.Time) bool {
	if d.lastText == "" || !strings.EqualFold(text, d.lastText) {
		return false
	}
	if d.cfg.DuplicateWindow == 0 {
		return true
	}
	return now.Sub(d.lastAt) < d.cfg.DuplicateWindow
}

func (d *Debouncer) drop(text, reason string) {
	if d.cfg.OnDrop != nil {
		d.cfg.OnDrop(text, reason)
	}
}

func normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
