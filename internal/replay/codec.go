// Package replay parses uploaded demo files and keeps them on disk until a worker
// fetches them.
package replay

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

var (
	// ErrNotDemo indicates the bytes do not start with a demo header
	ErrNotDemo = errors.New("not a demo file")

	// ErrTruncated indicates the file ends inside the header
	ErrTruncated = errors.New("demo header truncated")

	// ErrRepairUnavailable indicates no repair tool is configured
	ErrRepairUnavailable = errors.New("demo repair is not configured")
)

// Metadata is what the codec learns from a replay.
type Metadata struct {
	TitleMod        string
	MapName         string
	WorkshopRef     string
	ServerName      string
	ClientName      string
	DurationSeconds float64
	Ticks           int
	TickRate        float64

	// RequiresFixedReplay means the stored fixed variant must be streamed.
	RequiresFixedReplay bool
	// RequiresRepair means the bytes go through Repair before streaming.
	RequiresRepair bool
}

// Codec is the replay parser and repair collaborator.
type Codec interface {
	// Parse validates data. When the header needed correcting, fixed holds the
	// corrected bytes and RequiresFixedReplay is set.
	Parse(data []byte) (meta *Metadata, fixed []byte, err error)
	// Repair returns a corrected byte stream for replays flagged RequiresRepair.
	Repair(ctx context.Context, data []byte) ([]byte, error)
}

const (
	demoMagic      = "HL2DEMO\x00"
	headerSize     = 1072
	pathFieldSize  = 260
	offServer      = 16
	offClient      = offServer + pathFieldSize
	offMap         = offClient + pathFieldSize
	offGameDir     = offMap + pathFieldSize
	offPlaybackSec = offGameDir + pathFieldSize
	offTicks       = offPlaybackSec + 4
)

// workshop maps are recorded as "workshop/<name>.ugc<id>"
var workshopMap = regexp.MustCompile(`^workshop/([^/]+)\.ugc(\d+)$`)

// SourceDemoCodec reads Source engine demo headers. Repair shells out to
// RepairCommand, which reads the demo on stdin and writes the repaired demo to stdout.
type SourceDemoCodec struct {
	RepairCommand []string
	RepairTimeout time.Duration
}

// Parse implements Codec.
func (c *SourceDemoCodec) Parse(data []byte) (*Metadata, []byte, error) {
	if len(data) < len(demoMagic) || string(data[:len(demoMagic)]) != demoMagic {
		return nil, nil, ErrNotDemo
	}
	if len(data) < headerSize {
		return nil, nil, ErrTruncated
	}

	meta := &Metadata{
		ServerName: cString(data[offServer : offServer+pathFieldSize]),
		ClientName: cString(data[offClient : offClient+pathFieldSize]),
		MapName:    cString(data[offMap : offMap+pathFieldSize]),
		TitleMod:   strings.ToLower(cString(data[offGameDir : offGameDir+pathFieldSize])),
	}
	seconds := math.Float32frombits(binary.LittleEndian.Uint32(data[offPlaybackSec:]))
	meta.DurationSeconds = float64(seconds)
	meta.Ticks = int(int32(binary.LittleEndian.Uint32(data[offTicks:])))

	if meta.MapName == "" || meta.TitleMod == "" {
		return nil, nil, fmt.Errorf("%w: missing map or game directory", ErrNotDemo)
	}

	// A recorder that crashed leaves zero playback fields behind.
	if meta.DurationSeconds <= 0 || meta.Ticks <= 0 || math.IsNaN(meta.DurationSeconds) {
		meta.DurationSeconds = 0
		meta.Ticks = 0
		meta.RequiresRepair = true
	} else {
		meta.TickRate = math.Round(float64(meta.Ticks)/meta.DurationSeconds*100) / 100
	}

	var fixed []byte
	if m := workshopMap.FindStringSubmatch(meta.MapName); m != nil {
		meta.MapName = m[1]
		meta.WorkshopRef = m[2]
		meta.RequiresFixedReplay = true
		fixed = bytes.Clone(data)
		putCString(fixed[offMap:offMap+pathFieldSize], meta.MapName)
	}
	return meta, fixed, nil
}

// Repair implements Codec.
func (c *SourceDemoCodec) Repair(ctx context.Context, data []byte) ([]byte, error) {
	if len(c.RepairCommand) == 0 {
		return nil, ErrRepairUnavailable
	}
	timeout := c.RepairTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.RepairCommand[0], c.RepairCommand[1:]...)
	cmd.Stdin = bytes.NewReader(data)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("repair command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	if stdout.Len() < headerSize || !bytes.HasPrefix(stdout.Bytes(), []byte(demoMagic)) {
		return nil, fmt.Errorf("repair command returned an invalid demo")
	}
	return stdout.Bytes(), nil
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return strings.TrimSpace(string(b))
}

func putCString(dst []byte, s string) {
	clear(dst)
	copy(dst[:len(dst)-1], s)
}
