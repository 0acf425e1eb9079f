package capture

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrPermissionDenied reports that the audio input could not be acquired.
// No session is created when Open fails with it.
var ErrPermissionDenied = errors.New("audio input permission denied")

// FrameFunc receives one frame of mono 16-bit PCM samples. It is invoked
// from the source's delivery goroutine and must not block.
type FrameFunc func(samples []int16)

// Source abstracts a live audio input device or stream.
type Source interface {
	// Open acquires the input. Fails with ErrPermissionDenied when access
	// is refused, in which case no recording session is created.
	Open(ctx context.Context) error
	// Start begins delivering frames to fn until Stop is called.
	Start(fn FrameFunc) error
	// Stop halts frame delivery. No frames are delivered after it returns.
	Stop() error
}

// SilenceSource generates frames of silence on a wall-clock schedule. It
// stands in for a microphone in development and demo deployments where no
// audio transport is wired up.
type SilenceSource struct {
	sampleRate int
	frameMS    int

	mu     sync.Mutex
	ticker *time.Ticker
	done   chan struct{}
	exited chan struct{}
}

func NewSilenceSource(sampleRate, frameMS int) *SilenceSource {
	return &SilenceSource{sampleRate: sampleRate, frameMS: frameMS}
}

func (s *SilenceSource) Open(_ context.Context) error {
	return nil
}

func (s *SilenceSource) Start(fn FrameFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	frameSamples := s.sampleRate * s.frameMS / 1000
	ticker := time.NewTicker(time.Duration(s.frameMS) * time.Millisecond)
	done := make(chan struct{})
	exited := make(chan struct{})
	s.ticker, s.done, s.exited = ticker, done, exited

	go func() {
		defer close(exited)
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				fn(make([]int16, frameSamples))
			}
		}
	}()
	return nil
}

// Stop halts the generator and waits for the delivery goroutine to exit,
// so no frame callback runs after it returns.
func (s *SilenceSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ticker == nil {
		return nil
	}
	s.ticker.Stop()
	close(s.done)
	<-s.exited
	s.ticker = nil
	return nil
}
