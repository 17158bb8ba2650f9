// Package oracletest provides a scripted oracle.Provider for tests.
package oracletest

import (
	"context"
	"errors"
	"sync"

	"jorbline/internal/oracle"
)

// Provider replays queued responses in order. When the queue is empty it
// answers with Default, or fails if Default is empty.
type Provider struct {
	mu        sync.Mutex
	responses []Response
	prompts   []oracle.Prompt
	Default   string
	// Gate, when set, blocks every call until a value is received or ctx ends.
	Gate chan struct{}
	// Started receives one value per call before Gate is consulted.
	Started chan struct{}
}

type Response struct {
	Text string
	Err  error
}

func New(texts ...string) *Provider {
	p := &Provider{}
	for _, t := range texts {
		p.Push(t)
	}
	return p
}

func (p *Provider) Push(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responses = append(p.responses, Response{Text: text})
}

func (p *Provider) PushError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responses = append(p.responses, Response{Err: err})
}

func (p *Provider) Complete(ctx context.Context, prompt oracle.Prompt) (oracle.Completion, error) {
	p.mu.Lock()
	p.prompts = append(p.prompts, prompt)
	started, gate := p.Started, p.Gate
	p.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		case <-ctx.Done():
			return oracle.Completion{}, ctx.Err()
		}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return oracle.Completion{}, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.responses) == 0 {
		if p.Default == "" {
			return oracle.Completion{}, errors.New("oracletest: no scripted response")
		}
		return oracle.Completion{Text: p.Default, InputTokens: 100, OutputTokens: 20}, nil
	}
	r := p.responses[0]
	p.responses = p.responses[1:]
	if r.Err != nil {
		return oracle.Completion{}, r.Err
	}
	return oracle.Completion{Text: r.Text, InputTokens: 100, OutputTokens: 20}, nil
}

// Prompts returns every prompt received so far.
func (p *Provider) Prompts() []oracle.Prompt {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]oracle.Prompt(nil), p.prompts...)
}

// Calls returns the number of calls received.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.prompts)
}
