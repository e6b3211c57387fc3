// Package playback serializes assistant utterances so that at most one is
// audible at a time.
package playback

import (
	"time"

	"serenity/companion/internal/clock"
)

// Entry is one assistant utterance waiting to be spoken.
type Entry struct {
	MessageID string
	Text      string
}

// Player starts audible playback of e. The queue expects Finished(e.MessageID)
// once playback ends or fails.
type Player func(e Entry)

// Queue is a single-flight FIFO. It is not safe for concurrent use.
type Queue struct {
	clk   clock.Clock
	delay time.Duration
	play  Player

	entries []Entry
	playing *Entry
	seen    map[string]struct{}
	timer   clock.Timer
}

// New returns a queue that waits delay between consecutive utterances.
func New(clk clock.Clock, delay time.Duration, play Player) *Queue {
	return &Queue{clk: clk, delay: delay, play: play, seen: make(map[string]struct{})}
}

// Enqueue adds an entry unless its id is already queued, playing, or was
// played earlier in this call. It never starts playback by itself.
func (q *Queue) Enqueue(id, text string) bool {
	if id == "" {
		return false
	}
	if _, dup := q.seen[id]; dup {
		return false
	}
	q.seen[id] = struct{}{}
	q.entries = append(q.entries, Entry{MessageID: id, Text: text})
	return true
}

// ProcessNext starts the head entry when nothing is playing.
func (q *Queue) ProcessNext() bool {
	if q.playing != nil || len(q.entries) == 0 {
		return false
	}
	e := q.entries[0]
	q.entries = q.entries[1:]
	q.playing = &e
	if q.play != nil {
		q.play(e)
	}
	return true
}

// Finished marks the playing entry done and schedules the next one after the
// inter-utterance delay. Ids that are not currently playing are ignored.
func (q *Queue) Finished(id string) bool {
	if q.playing == nil || q.playing.MessageID != id {
		return false
	}
	q.playing = nil
	clock.Stop(q.timer)
	if len(q.entries) > 0 {
		q.timer = q.clk.AfterFunc(q.delay, func() {
			q.timer = nil
			q.ProcessNext()
		})
	}
	return true
}

// Clear drops queued entries and the playing mark. Ids stay remembered so a
// redelivered reply is not spoken again.
func (q *Queue) Clear() {
	clock.Stop(q.timer)
	q.timer = nil
	q.entries = nil
	q.playing = nil
}

// Forget clears the queue and the remembered ids.
func (q *Queue) Forget() {
	q.Clear()
	q.seen = make(map[string]struct{})
}

// Seen reports whether id was queued earlier in this call.
func (q *Queue) Seen(id string) bool {
	_, ok := q.seen[id]
	return ok
}

// MarkSeen remembers id without queueing it.
func (q *Queue) MarkSeen(id string) {
	if id != "" {
		q.seen[id] = struct{}{}
	}
}

func (q *Queue) IsPlaying() bool { return q.playing != nil }

// Current returns the playing entry, if any.
func (q *Queue) Current() (Entry, bool) {
	if q.playing == nil {
		return Entry{}, false
	}
	return *q.playing, true
}

// Len is the number of entries waiting, excluding the playing one.
func (q *Queue) Len() int { return len(q.entries) }

// Idle reports whether nothing is playing, queued, or about to start.
func (q *Queue) Idle() bool {
	return q.playing == nil && len(q.entries) == 0 && q.timer == nil
}
