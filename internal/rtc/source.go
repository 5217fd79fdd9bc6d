package rtc

import (
	"context"
	"crypto/rand"
	"io"
	"sync"
	"time"
)

// NoiseSource emits random frames at a fixed cadence. It stands in for
// real capture hardware in tests and in the demo client.
type NoiseSource struct {
	frameSize int
	interval  time.Duration

	closeOnce sync.Once
	closed    chan struct{}
}

func NewNoiseSource(frameSize int, interval time.Duration) *NoiseSource {
	return &NoiseSource{
		frameSize: frameSize,
		interval:  interval,
		closed:    make(chan struct{}),
	}
}

func (s *NoiseSource) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case <-s.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(s.interval):
	}

	frame := make([]byte, s.frameSize)
	if _, err := rand.Read(frame); err != nil {
		return nil, err
	}

	return frame, nil
}

func (s *NoiseSource) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
	})
	return nil
}
