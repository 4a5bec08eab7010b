package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/replaycast/replaycast/internal/ledger"
)

// MaxMetadataSize bounds the JSON header of a claim frame.
const MaxMetadataSize = 1 << 20

// JobMeta is the JSON header of a claim frame. Internal fix and repair flags are
// resolved by the coordinator and never sent.
type JobMeta struct {
	JobID           string         `json:"jobId"`
	ShareID         string         `json:"shareId"`
	Title           string         `json:"title"`
	TitleMod        string         `json:"titleMod"`
	MapName         string         `json:"mapName"`
	WorkshopRef     string         `json:"workshopRef,omitempty"`
	MapDownloadURL  string         `json:"mapDownloadUrl,omitempty"`
	Quality         ledger.Quality `json:"quality"`
	RenderOptions   string         `json:"renderOptions"`
	PlaybackSeconds float64        `json:"playbackSeconds"`
	TickRate        float64        `json:"tickRate"`
}

// NewJobMeta copies the wire fields of a ledger row.
func NewJobMeta(j *ledger.RenderJob) JobMeta {
	return JobMeta{
		JobID:           j.JobID,
		ShareID:         j.ShareID,
		Title:           j.Title,
		TitleMod:        j.TitleMod,
		MapName:         j.MapName,
		WorkshopRef:     j.WorkshopRef,
		Quality:         j.RenderQuality,
		RenderOptions:   j.RenderOptions,
		PlaybackSeconds: j.PlaybackSeconds,
		TickRate:        j.TickRate,
	}
}

// EncodeFrame builds [4-byte big-endian length][JSON metadata][replay bytes].
func EncodeFrame(meta JobMeta, replay []byte) ([]byte, error) {
	header, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode frame metadata: %w", err)
	}
	if len(header) > MaxMetadataSize {
		return nil, ErrFrameTooLarge
	}
	buf := make([]byte, 4+len(header)+len(replay))
	binary.BigEndian.PutUint32(buf, uint32(len(header)))
	copy(buf[4:], header)
	copy(buf[4+len(header):], replay)
	return buf, nil
}

// DecodeFrame splits a claim frame. The returned replay aliases b.
func DecodeFrame(b []byte) (JobMeta, []byte, error) {
	var meta JobMeta
	if len(b) < 4 {
		return meta, nil, ErrShortFrame
	}
	n := binary.BigEndian.Uint32(b)
	if n > MaxMetadataSize {
		return meta, nil, ErrFrameTooLarge
	}
	if uint64(len(b)-4) < uint64(n) {
		return meta, nil, ErrShortFrame
	}
	if err := json.Unmarshal(b[4:4+n], &meta); err != nil {
		return meta, nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if meta.JobID == "" {
		return meta, nil, ErrMissingJobID
	}
	return meta, b[4+n:], nil
}
