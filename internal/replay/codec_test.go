package replay

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildDemo(gameDir, mapName string, seconds float32, ticks int32, body string) []byte {
	b := make([]byte, headerSize, headerSize+len(body))
	copy(b, demoMagic)
	binary.LittleEndian.PutUint32(b[8:], 3)
	binary.LittleEndian.PutUint32(b[12:], 24)
	putCString(b[offServer:offServer+pathFieldSize], "srv")
	putCString(b[offClient:offClient+pathFieldSize], "player")
	putCString(b[offMap:offMap+pathFieldSize], mapName)
	putCString(b[offGameDir:offGameDir+pathFieldSize], gameDir)
	binary.LittleEndian.PutUint32(b[offPlaybackSec:], math.Float32bits(seconds))
	binary.LittleEndian.PutUint32(b[offTicks:], uint32(ticks))
	return append(b, body...)
}

func TestParse(t *testing.T) {
	c := &SourceDemoCodec{}
	meta, fixed, err := c.Parse(buildDemo("tf", "pl_upward", 120, 7920, "frames"))
	require.NoError(t, err)
	assert.Nil(t, fixed)
	assert.Equal(t, "tf", meta.TitleMod)
	assert.Equal(t, "pl_upward", meta.MapName)
	assert.InDelta(t, 120.0, meta.DurationSeconds, 0.001)
	assert.InDelta(t, 66.0, meta.TickRate, 0.01)
	assert.False(t, meta.RequiresRepair)
	assert.False(t, meta.RequiresFixedReplay)
}

func TestParse_WorkshopMapProducesFixedVariant(t *testing.T) {
	c := &SourceDemoCodec{}
	data := buildDemo("tf", "workshop/koth_product_final.ugc123456", 60, 3960, "")
	meta, fixed, err := c.Parse(data)
	require.NoError(t, err)
	assert.True(t, meta.RequiresFixedReplay)
	assert.Equal(t, "koth_product_final", meta.MapName)
	assert.Equal(t, "123456", meta.WorkshopRef)
	require.NotNil(t, fixed)
	assert.Equal(t, "koth_product_final", cString(fixed[offMap:offMap+pathFieldSize]))
	assert.Equal(t, "workshop/koth_product_final.ugc123456", cString(data[offMap:offMap+pathFieldSize]), "original bytes untouched")
}

func TestParse_ZeroPlaybackRequiresRepair(t *testing.T) {
	c := &SourceDemoCodec{}
	meta, _, err := c.Parse(buildDemo("tf", "cp_badlands", 0, 0, ""))
	require.NoError(t, err)
	assert.True(t, meta.RequiresRepair)
	assert.Zero(t, meta.TickRate)
}

func TestParse_Errors(t *testing.T) {
	c := &SourceDemoCodec{}
	_, _, err := c.Parse([]byte("PK\x03\x04"))
	assert.True(t, errors.Is(err, ErrNotDemo))

	_, _, err = c.Parse([]byte(demoMagic + "short"))
	assert.True(t, errors.Is(err, ErrTruncated))

	_, _, err = c.Parse(buildDemo("", "pl_upward", 1, 1, ""))
	assert.True(t, errors.Is(err, ErrNotDemo))
}

func TestRepair_Unconfigured(t *testing.T) {
	c := &SourceDemoCodec{}
	_, err := c.Repair(context.Background(), buildDemo("tf", "x", 0, 0, ""))
	assert.ErrorIs(t, err, ErrRepairUnavailable)
}

func TestRepair_Command(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses cat")
	}
	c := &SourceDemoCodec{RepairCommand: []string{"cat"}}
	in := buildDemo("tf", "x", 0, 0, "body")
	out, err := c.Repair(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}
