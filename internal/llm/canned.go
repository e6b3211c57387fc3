package llm

import (
	"context"
	"sync/atomic"
)

var cannedReplies = []string{
	"I hear you. Would you like to tell me more about what's on your mind?",
	"That sounds like a lot to carry. How are you feeling right now?",
	"Thank you for sharing that with me. What do you think would help a little today?",
	"Let's take a slow breath together. What feels most important to talk about?",
}

// Canned rotates fixed supportive replies and never fails.
type Canned struct {
	next atomic.Uint64
}

func (p *Canned) Name() string { return "canned" }

func (p *Canned) Complete(context.Context, Request) (string, error) {
	i := p.next.Add(1) - 1
	return cannedReplies[i%uint64(len(cannedReplies))], nil
}
