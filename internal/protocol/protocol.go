// Package protocol defines the JSON messages and the binary claim frame exchanged
// between the coordinator, render workers and the control-plane bot.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/replaycast/replaycast/internal/ledger"
)

// Worker -> coordinator message types. The coordinator answers videos and error
// with the same type.
const (
	// TypeVideos asks for renderable jobs (worker) or lists them (coordinator)
	TypeVideos = "videos"

	// TypeDemo claims one job; the answer is a binary frame or an error
	TypeDemo = "demo"

	// TypeDownloaded confirms the claimed batch
	TypeDownloaded = "downloaded"

	// TypeError reports a failure in either direction
	TypeError = "error"
)

// Coordinator -> worker message types.
const (
	// TypeStart tells the worker to launch the engine for the confirmed jobs
	TypeStart = "start"
)

// Coordinator -> bot message types.
const (
	TypeConfig = "config"
	TypeUpload = "upload"
)

// Error codes carried in ErrorData.Code.
const (
	CodeNotFound     = "not_found"
	CodeTransfer     = "transfer_failed"
	CodeRender       = "render_failed"
	CodeUnsupported  = "unsupported"
	CodeBadRequest   = "bad_request"
	CodeUploadFailed = "upload_failed"
)

// Message is the envelope of every text frame.
type Message struct {
	// Type selects how Data is decoded
	Type string `json:"type"`

	// Data is the type-specific payload
	Data json.RawMessage `json:"data,omitempty"`
}

// VideosRequest advertises the worker's capabilities and asks for work.
type VideosRequest struct {
	Titles     []string       `json:"titles"`
	MaxQuality ledger.Quality `json:"maxQuality"`
}

// JobSummary is one entry of a videos response.
type JobSummary struct {
	JobID           string         `json:"jobId"`
	Title           string         `json:"title"`
	TitleMod        string         `json:"titleMod"`
	MapName         string         `json:"mapName"`
	Quality         ledger.Quality `json:"quality"`
	PlaybackSeconds float64        `json:"playbackSeconds"`
}

// VideosResponse lists jobs of a single quality tier.
type VideosResponse struct {
	Jobs []JobSummary `json:"jobs"`
}

// DemoRequest claims one job.
type DemoRequest struct {
	JobID string `json:"jobId"`
}

// DownloadedRequest confirms every job the worker fetched in this cycle.
type DownloadedRequest struct {
	JobIDs []string `json:"jobIds"`
}

// StartData lists the jobs that moved to StartedRender.
type StartData struct {
	JobIDs []string `json:"jobIds"`
}

// ErrorData reports a failure. JobID is empty for connection-level errors.
type ErrorData struct {
	JobID   string `json:"jobId,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// BotConfig is sent to the control-plane bot on connect.
type BotConfig struct {
	MaxBatch      int              `json:"maxBatch"`
	Qualities     []ledger.Quality `json:"qualities"`
	Titles        []string         `json:"titles"`
	MaxReplaySize int64            `json:"maxReplaySize"`
}

// JobContext identifies a job and its requester in bot notices.
type JobContext struct {
	JobID          string         `json:"jobId"`
	ShareID        string         `json:"shareId"`
	Title          string         `json:"title"`
	TitleMod       string         `json:"titleMod"`
	Quality        ledger.Quality `json:"quality"`
	RequestedBy    string         `json:"requestedBy,omitempty"`
	RequestChannel string         `json:"requestChannel,omitempty"`
}

// UploadNotice announces a finished video.
type UploadNotice struct {
	Job  JobContext `json:"job"`
	URL  string     `json:"url"`
	Size int64      `json:"size"`
}

// ErrorNotice announces a failed job.
type ErrorNotice struct {
	Status  string     `json:"status"`
	Message string     `json:"message"`
	Job     JobContext `json:"job"`
}

// NewJobContext copies the notice fields from a ledger row.
func NewJobContext(j *ledger.RenderJob) JobContext {
	return JobContext{
		JobID:          j.JobID,
		ShareID:        j.ShareID,
		Title:          j.Title,
		TitleMod:       j.TitleMod,
		Quality:        j.RenderQuality,
		RequestedBy:    j.RequestedBy,
		RequestChannel: j.RequestChannel,
	}
}

// NewSummary builds the videos entry for a job.
func NewSummary(j *ledger.RenderJob) JobSummary {
	return JobSummary{
		JobID:           j.JobID,
		Title:           j.Title,
		TitleMod:        j.TitleMod,
		MapName:         j.MapName,
		Quality:         j.RenderQuality,
		PlaybackSeconds: j.PlaybackSeconds,
	}
}

// New creates a message with data encoded as JSON.
func New(msgType string, data any) (*Message, error) {
	msg := &Message{Type: msgType}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", msgType, err)
		}
		msg.Data = raw
	}
	return msg, nil
}

// NewError creates an error message.
func NewError(jobID, code, message string) *Message {
	msg, _ := New(TypeError, ErrorData{JobID: jobID, Code: code, Message: message})
	return msg
}

// Marshal serializes the message to JSON
func (m *Message) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// Decode unmarshals Data into v.
func (m *Message) Decode(v any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%w: %s has no data", ErrInvalidMessage, m.Type)
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return nil
}

// UnmarshalMessage deserializes a JSON message
func UnmarshalMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return &msg, nil
}

// Validate checks that the message type is known
func (m *Message) Validate() error {
	switch m.Type {
	case TypeVideos, TypeDemo, TypeDownloaded, TypeError,
		TypeStart, TypeConfig, TypeUpload:
		return nil
	default:
		return ErrInvalidMessageType
	}
}
