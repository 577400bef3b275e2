package render

import "context"

// Noop implements crawler.Capturer when rendering is turned off.
type Noop struct{}

// NewNoop creates a new Noop capturer.
func NewNoop() *Noop {
	return &Noop{}
}

// Capture always reports ErrDisabled.
func (Noop) Capture(_ context.Context, _ string) ([]byte, error) {
	return nil, ErrDisabled
}
