package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/murmurlabs/scribed/internal/config"
)

// ErrWriteFailed reports that a chunk file could not be written after the
// configured number of retries. The caller still holds the samples.
var ErrWriteFailed = errors.New("chunk write failed")

// Writer durably encodes chunk samples to WAV files under the audio
// directory. Files are written to a temp path, synced, then renamed, so a
// path handed back never names a partial file.
type Writer struct {
	dir        string
	sampleRate int
	channels   int
	retries    int
	log        *slog.Logger
	clock      func() time.Time
	create     func(string) (*os.File, error)
}

func NewWriter(cfg config.CaptureConfig, log *slog.Logger) *Writer {
	return &Writer{
		dir:        cfg.AudioDir,
		sampleRate: cfg.SampleRate,
		channels:   cfg.Channels,
		retries:    cfg.WriteRetries,
		log:        log,
		clock:      time.Now,
		create:     os.Create,
	}
}

// ChunkPath is the deterministic location for one chunk's audio file.
func (w *Writer) ChunkPath(sessionID string, chunkNum int) string {
	date := w.clock().UTC().Format("2006-01-02")
	name := fmt.Sprintf("session_%s_chunk_%d.wav", sessionID, chunkNum)
	return filepath.Join(w.dir, date, name)
}

// DurationMS converts a sample count at the writer's rate to milliseconds.
func (w *Writer) DurationMS(samples int) int64 {
	return int64(samples) * 1000 / int64(w.sampleRate)
}

// WriteChunk encodes samples as 16-bit mono PCM WAV and returns the durable
// file path. Transient failures are retried; after the retry budget is spent
// it returns ErrWriteFailed and the samples remain untouched in memory.
func (w *Writer) WriteChunk(sessionID string, chunkNum int, samples []int16) (string, error) {
	path := w.ChunkPath(sessionID, chunkNum)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create audio dir: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= w.retries; attempt++ {
		if attempt > 0 {
			w.log.Warn("retrying chunk write",
				slog.String("session_id", sessionID),
				slog.Int("chunk_num", chunkNum),
				slog.Int("attempt", attempt))
		}
		if err := w.writeFile(path, samples); err != nil {
			lastErr = err
			continue
		}
		return path, nil
	}
	return "", fmt.Errorf("%w: session %s chunk %d: %v", ErrWriteFailed, sessionID, chunkNum, lastErr)
}

func (w *Writer) writeFile(path string, samples []int16) error {
	tmp := path + ".tmp"
	file, err := w.create(tmp)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	if err := encodeWAV(file, samples, w.sampleRate, w.channels); err != nil {
		file.Close()
		os.Remove(tmp)
		return err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync chunk file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close chunk file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename chunk file: %w", err)
	}
	return nil
}

func encodeWAV(file *os.File, samples []int16, sampleRate, channels int) error {
	buffer := &audio.IntBuffer{Format: &audio.Format{NumChannels: channels, SampleRate: sampleRate}}
	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(s)
	}
	buffer.Data = data

	enc := wav.NewEncoder(file, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// ReadChunk decodes a chunk file back to raw little-endian PCM bytes. The
// transcription path hands these to recognizers that want PCM rather than a
// file handle.
func ReadChunk(path string) ([]byte, int, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open chunk file: %w", err)
	}
	defer file.Close()

	dec := wav.NewDecoder(file)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("decode wav: %w", err)
	}
	pcm := make([]byte, len(buf.Data)*2)
	for i, s := range buf.Data {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(s)))
	}
	return pcm, buf.Format.SampleRate, nil
}
