package transport

import (
	"context"
	"errors"
	"sync"
)

// ScriptStep is one scripted Generate call for the fake provider.
// If Err is set, Generate fails immediately. Otherwise Chunks are
// streamed in order; Hang keeps the stream open afterwards until the
// context is cancelled.
type ScriptStep struct {
	Err    error
	Chunks []*Chunk
	Hang   bool
}

// FakeProvider replays scripted responses. Tests enqueue one step per
// expected Generate call; an unscripted call fails loudly.
type FakeProvider struct {
	mu       sync.Mutex
	steps    []ScriptStep
	requests []*Request
}

func NewFakeProvider() *FakeProvider {
	return &FakeProvider{}
}

func (f *FakeProvider) Name() string {
	return "fake"
}

// Enqueue appends a scripted step for the next Generate call.
func (f *FakeProvider) Enqueue(step ScriptStep) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.steps = append(f.steps, step)
}

// Requests returns the requests seen so far, in call order.
func (f *FakeProvider) Requests() []*Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Request(nil), f.requests...)
}

// Calls returns how many times Generate was invoked.
func (f *FakeProvider) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *FakeProvider) Generate(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	if len(f.steps) == 0 {
		f.mu.Unlock()
		return nil, errors.New("fake: no scripted response for Generate call")
	}
	step := f.steps[0]
	f.steps = f.steps[1:]
	f.mu.Unlock()

	if step.Err != nil {
		return nil, step.Err
	}

	chunks := make(chan *Chunk)
	go func() {
		defer close(chunks)
		for _, c := range step.Chunks {
			select {
			case <-ctx.Done():
				return
			case chunks <- c:
			}
		}
		if step.Hang {
			<-ctx.Done()
		}
	}()
	return chunks, nil
}
