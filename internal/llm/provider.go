// Package llm produces assistant replies from a chain of chat providers.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"serenity/companion/internal/logging"
)

var (
	ErrNotConfigured = errors.New("provider not configured")
	ErrEmptyReply    = errors.New("provider returned an empty reply")
	ErrAllFailed     = errors.New("all providers failed")
)

type Message struct {
	Role    string
	Content string
}

// Request is one completion: a system prompt plus the conversation so far,
// ending with the user's latest message.
type Request struct {
	System   string
	Messages []Message
}

type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (string, error)
}

// Chain tries providers in order and returns the first non-empty reply.
type Chain struct {
	providers []Provider
	timeout   time.Duration
	log       logging.Logger
}

// NewChain drops nil providers. timeout bounds each provider attempt.
func NewChain(timeout time.Duration, providers ...Provider) *Chain {
	c := &Chain{timeout: timeout, log: logging.With("component", "llm")}
	for _, p := range providers {
		if p != nil {
			c.providers = append(c.providers, p)
		}
	}
	return c
}

func (c *Chain) Providers() []string {
	out := make([]string, 0, len(c.providers))
	for _, p := range c.providers {
		out = append(out, p.Name())
	}
	return out
}

// Complete returns the reply and the name of the provider that produced it.
func (c *Chain) Complete(ctx context.Context, req Request) (string, string, error) {
	var errs []error
	for _, p := range c.providers {
		if ctx.Err() != nil {
			return "", "", ctx.Err()
		}
		reply, err := c.try(ctx, p, req)
		if err == nil {
			metricRequests.WithLabelValues(p.Name(), "ok").Inc()
			return reply, p.Name(), nil
		}
		if errors.Is(err, ErrNotConfigured) {
			continue
		}
		metricRequests.WithLabelValues(p.Name(), "error").Inc()
		c.log.Warnw("llm: provider failed", "provider", p.Name(), "err", err)
		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
	}
	return "", "", fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}

func (c *Chain) try(ctx context.Context, p Provider, req Request) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	started := time.Now()
	reply, err := p.Complete(ctx, req)
	metricLatencyMS.WithLabelValues(p.Name()).Observe(float64(time.Since(started).Milliseconds()))
	if err != nil {
		return "", err
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return "", ErrEmptyReply
	}
	return reply, nil
}
