// Package replaytest builds demo files for tests.
package replaytest

import (
	"encoding/binary"
	"math"
)

const (
	headerSize = 1072
	fieldSize  = 260
	offServer  = 16
	offClient  = offServer + fieldSize
	offMap     = offClient + fieldSize
	offGameDir = offMap + fieldSize
	offSeconds = offGameDir + fieldSize
	offTicks   = offSeconds + 4
)

// Demo returns a demo header for gameDir and mapName followed by body.
func Demo(gameDir, mapName string, seconds float32, ticks int32, body string) []byte {
	b := make([]byte, headerSize, headerSize+len(body))
	copy(b, "HL2DEMO\x00")
	binary.LittleEndian.PutUint32(b[8:], 3)
	binary.LittleEndian.PutUint32(b[12:], 24)
	copy(b[offServer:offServer+fieldSize-1], "test-server")
	copy(b[offClient:offClient+fieldSize-1], "player")
	copy(b[offMap:offMap+fieldSize-1], mapName)
	copy(b[offGameDir:offGameDir+fieldSize-1], gameDir)
	binary.LittleEndian.PutUint32(b[offSeconds:], math.Float32bits(seconds))
	binary.LittleEndian.PutUint32(b[offTicks:], uint32(ticks))
	return append(b, body...)
}
