// Package vad detects user voice onsets from client-side RMS level frames.
// It lets the assistant be interrupted while recognition is suppressed.
package vad

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vad_frames_total",
		Help: "Total level frames processed",
	})

	metricOnsets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vad_onsets_total",
		Help: "Total voice onsets detected",
	})

	metricGuardBlocks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vad_guard_blocks_total",
		Help: "Frames above threshold blocked by the guard window",
	})
)

type Config struct {
	MinRMS   float64
	MinStart int           // consecutive loud frames for an onset
	Hangover int           // consecutive quiet frames to end speech
	Guard    time.Duration // ignore onsets right after Arm
}

type Detector struct {
	cfg Config

	speaking     bool
	consecSpeech int
	nonSpeech    int
	guardUntil   time.Time
}

func New(cfg Config) *Detector {
	if cfg.MinStart <= 0 {
		cfg.MinStart = 3
	}
	if cfg.Hangover <= 0 {
		cfg.Hangover = 10
	}
	return &Detector{cfg: cfg}
}

// Arm resets counters and opens a guard window, called when assistant
// speech starts so its first syllables do not count as the user.
func (d *Detector) Arm(now time.Time) {
	d.Reset()
	d.guardUntil = now.Add(d.cfg.Guard)
}

func (d *Detector) Reset() {
	d.speaking = false
	d.consecSpeech = 0
	d.nonSpeech = 0
	d.guardUntil = time.Time{}
}

func (d *Detector) Speaking() bool { return d.speaking }

// Feed processes one level frame and reports whether it completed an onset.
func (d *Detector) Feed(rms float64, now time.Time) bool {
	metricFrames.Inc()
	if !d.speaking {
		if now.Before(d.guardUntil) && rms >= d.cfg.MinRMS {
			metricGuardBlocks.Inc()
			return false
		}
		if rms < d.cfg.MinRMS {
			d.consecSpeech = 0
			return false
		}
		d.consecSpeech++
		if d.consecSpeech < d.cfg.MinStart {
			return false
		}
		d.speaking = true
		d.nonSpeech = 0
		metricOnsets.Inc()
		return true
	}

	if rms < d.cfg.MinRMS {
		d.nonSpeech++
		if d.nonSpeech >= d.cfg.Hangover {
			d.speaking = false
			d.consecSpeech = 0
			d.nonSpeech = 0
		}
	} else {
		d.nonSpeech = 0
	}
	return false
}
