package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/murmurlabs/scribed/internal/bus"
	"github.com/murmurlabs/scribed/internal/protocol"
	"github.com/nats-io/nats.go"
)

// NATSSource delivers frames published by edge devices on the audio frame
// subject. It is the production input when the daemon runs behind a bus.
// Frames whose format does not match the configured capture format are
// dropped; mixing sample rates inside one session would corrupt the chunk
// timeline.
type NATSSource struct {
	client     *bus.Client
	log        *slog.Logger
	sampleRate int
	channels   int

	mu  sync.Mutex
	sub *nats.Subscription
}

func NewNATSSource(client *bus.Client, sampleRate, channels int, log *slog.Logger) *NATSSource {
	return &NATSSource{client: client, sampleRate: sampleRate, channels: channels, log: log}
}

func (s *NATSSource) Open(_ context.Context) error {
	if !s.client.Healthy() {
		return ErrPermissionDenied
	}
	return nil
}

func (s *NATSSource) Start(fn FrameFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, err := s.client.Conn().Subscribe(protocol.SubjectAudioFrame, func(msg *nats.Msg) {
		var frame protocol.AudioFrame
		if err := json.Unmarshal(msg.Data, &frame); err != nil {
			s.log.Warn("failed to decode audio frame", slog.String("error", err.Error()))
			return
		}
		samples, err := decodeFrame(frame, s.sampleRate, s.channels)
		if err != nil {
			s.log.Warn("dropping audio frame",
				slog.Int("sequence", frame.Sequence),
				slog.String("error", err.Error()))
			return
		}
		fn(samples)
	})
	if err != nil {
		return err
	}
	s.sub = sub
	return nil
}

// Stop removes the subscription synchronously. Delivery ends before Stop
// returns, which the recorder relies on when it seals the flush lane.
func (s *NATSSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub == nil {
		return nil
	}
	err := s.sub.Unsubscribe()
	s.sub = nil
	return err
}

// decodeFrame validates a wire frame against the capture format and unpacks
// its little-endian PCM payload.
func decodeFrame(frame protocol.AudioFrame, sampleRate, channels int) ([]int16, error) {
	if frame.SampleRate != sampleRate {
		return nil, fmt.Errorf("sample rate %d does not match capture rate %d", frame.SampleRate, sampleRate)
	}
	if frame.Channels != channels {
		return nil, fmt.Errorf("channel count %d does not match capture channels %d", frame.Channels, channels)
	}
	if len(frame.PCM)%2 != 0 {
		return nil, fmt.Errorf("pcm payload of %d bytes is not 16-bit aligned", len(frame.PCM))
	}
	samples := make([]int16, len(frame.PCM)/2)
	for i := range samples {
		samples[i] = int16(frame.PCM[i*2]) | int16(frame.PCM[i*2+1])<<8
	}
	return samples, nil
}
