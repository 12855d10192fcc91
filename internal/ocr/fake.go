package ocr

import (
	"context"
	"time"
)

// Static is a deterministic provider that returns the same output for every
// image. It backs tests and the "fake" provider of local runs.
type Static struct {
	Output    Raw
	Err       error
	WarmupErr error
	// Delay holds Extract until it elapses or ctx ends.
	Delay time.Duration

	Calls int
}

// NewStatic returns a provider that always answers with content
func NewStatic(content string) *Static {
	return &Static{Output: Raw{Provider: "fake", Content: content}}
}

func (s *Static) Name() string {
	if s.Output.Provider != "" {
		return s.Output.Provider
	}
	return "fake"
}

func (s *Static) Extract(ctx context.Context, img Image) (*Raw, error) {
	s.Calls++
	if s.Delay > 0 {
		t := time.NewTimer(s.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, Classify(ctx, s.Name(), ctx.Err())
		case <-t.C:
		}
	}
	if s.Err != nil {
		return nil, Classify(ctx, s.Name(), s.Err)
	}
	out := s.Output
	out.Provider = s.Name()
	return &out, nil
}

func (s *Static) Warmup(ctx context.Context) error {
	return s.WarmupErr
}

func (s *Static) Close() error {
	return nil
}
