package models

import (
	"encoding/json"
	"time"
)

// ItemKind identifies the payload shape of a queued record.
type ItemKind string

const (
	KindVoiceNote ItemKind = "voice_note"
	KindFormEntry ItemKind = "form_entry"
)

// Valid reports whether k is a known item kind.
func (k ItemKind) Valid() bool {
	return k == KindVoiceNote || k == KindFormEntry
}

// CapturePayload is the opaque record content produced by the capture layer.
// Audio attachments stay on the device filesystem; AudioRef carries the path.
type CapturePayload struct {
	Data                json.RawMessage `json:"data"`
	AudioRef            string          `json:"audio_ref,omitempty"`
	Transcript          string          `json:"transcript,omitempty"`
	TranscriptConfirmed bool            `json:"transcript_confirmed,omitempty"`
}

// QueueItem represents one captured record awaiting sync to the remote store.
type QueueItem struct {
	ID              string         `json:"id"`
	Kind            ItemKind       `json:"kind"`
	Payload         CapturePayload `json:"payload"`
	Status          Status         `json:"status"`
	MaxRetries      int            `json:"max_retries"`
	Retries         int            `json:"retries"`
	Error           string         `json:"error,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	ProcessedAt     *time.Time     `json:"processed_at,omitempty"`
	NextAttemptAt   *time.Time     `json:"next_attempt_at,omitempty"`
	DeleteRequested bool           `json:"delete_requested,omitempty"`
}

// NeedsTranscriptConfirmation reports whether the item carries a transcript
// the user has not confirmed yet. Such items are parked in
// awaiting_confirmation instead of being submitted.
func (i *QueueItem) NeedsTranscriptConfirmation() bool {
	return i.Payload.Transcript != "" && !i.Payload.TranscriptConfirmed
}

// QueueCounts holds per-status item counts for UI badge display.
type QueueCounts struct {
	Pending              int `json:"pending"`
	Processing           int `json:"processing"`
	AwaitingConfirmation int `json:"awaiting_confirmation"`
	Completed            int `json:"completed"`
	Failed               int `json:"failed"`
}

// Total returns the number of items across all statuses.
func (c QueueCounts) Total() int {
	return c.Pending + c.Processing + c.AwaitingConfirmation + c.Completed + c.Failed
}

// CreateRecordRequest represents a request to enqueue a captured record.
type CreateRecordRequest struct {
	Kind                ItemKind        `json:"kind"`
	Data                json.RawMessage `json:"data"`
	AudioRef            string          `json:"audio_ref,omitempty"`
	Transcript          string          `json:"transcript,omitempty"`
	TranscriptConfirmed bool            `json:"transcript_confirmed,omitempty"`
	MaxRetries          *int            `json:"max_retries,omitempty"`
}

// ConfirmTranscriptRequest supplies the corrected payload for an item parked
// in awaiting_confirmation.
type ConfirmTranscriptRequest struct {
	Transcript string          `json:"transcript"`
	Data       json.RawMessage `json:"data,omitempty"`
}
