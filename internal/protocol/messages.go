package protocol

import "time"

// AudioFrame is PCM audio streamed from an edge device to the recorder.
type AudioFrame struct {
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
}

// SessionEvent announces a session lifecycle change to collaborators.
type SessionEvent struct {
	SessionID  string    `json:"session_id"`
	Status     string    `json:"status"`
	ChunkCount int       `json:"chunk_count"`
	Timestamp  time.Time `json:"timestamp"`
}

// TranscriptReady announces that one chunk's transcript has been written.
type TranscriptReady struct {
	SessionID string    `json:"session_id"`
	ChunkNum  int       `json:"chunk_num"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectAudioFrame      = "scribe.audio.frame"
	SubjectSessionEvent    = "scribe.session.event"
	SubjectTranscriptReady = "scribe.transcript.ready"
)
