package export

import (
	"encoding/binary"
	"math"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessumod/extension/internal/model"
)

// memorySegment implements Memory for testing
type memorySegment struct {
	writes [][]byte
	closed bool
}

func (m *memorySegment) Write(data []byte) error {
	copied := make([]byte, len(data))
	copy(copied, data)
	m.writes = append(m.writes, copied)
	return nil
}

func (m *memorySegment) Close() error {
	m.closed = true
	return nil
}

func testFrame() model.PositionalFrame {
	return model.PositionalFrame{
		Timestamp:       1234,
		CameraPosition:  model.Vec3{X: 1, Y: 2, Z: 3},
		CameraDirection: model.Vec3{X: 0, Y: 0, Z: 1},
		ClientPositions: map[int]model.Vec3{
			7: {X: 10, Y: 20, Z: 30},
			3: {X: -1, Y: -2, Z: -3},
		},
	}
}

func TestSerialize_Layout(t *testing.T) {
	data, err := Serialize(testFrame())
	require.NoError(t, err)
	require.Len(t, data, DataSegmentSize)

	// Header
	assert.Equal(t, uint32(1234), binary.LittleEndian.Uint32(data[0:4]))
	assert.Equal(t, float32(1), readFloat32(data, 4))
	assert.Equal(t, float32(2), readFloat32(data, 8))
	assert.Equal(t, float32(3), readFloat32(data, 12))
	assert.Equal(t, float32(1), readFloat32(data, 24)) // direction z
	assert.Equal(t, uint8(2), data[28])

	// Clients are sorted ascending by id: 3 first, then 7.
	assert.Equal(t, int16(3), int16(binary.LittleEndian.Uint16(data[29:31])))
	assert.Equal(t, float32(-1), readFloat32(data, 31))
	assert.Equal(t, int16(7), int16(binary.LittleEndian.Uint16(data[43:45])))
	assert.Equal(t, float32(10), readFloat32(data, 45))

	// Remainder is zero padding.
	for i := 57; i < DataSegmentSize; i++ {
		if data[i] != 0 {
			t.Fatalf("expected zero padding at byte %d", i)
		}
	}
}

func TestSerialize_Deterministic(t *testing.T) {
	a, err := Serialize(testFrame())
	require.NoError(t, err)
	b, err := Serialize(testFrame())
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestSerialize_SkipsOversizedClientIDs(t *testing.T) {
	frame := testFrame()
	frame.ClientPositions[math.MaxInt16+1] = model.Vec3{X: 1}

	data, err := Serialize(frame)
	require.NoError(t, err)
	assert.Equal(t, uint8(2), data[28])
}

func TestSerialize_CapsClientCount(t *testing.T) {
	frame := model.PositionalFrame{ClientPositions: map[int]model.Vec3{}}
	for i := 0; i < MaxClients+10; i++ {
		frame.ClientPositions[i] = model.Vec3{X: float32(i)}
	}

	data, err := Serialize(frame)
	require.NoError(t, err)
	assert.Equal(t, uint8(MaxClients), data[28])
}

func TestExporter_SkipsUnchangedFrames(t *testing.T) {
	seg := &memorySegment{}
	e := NewExporterWith(seg)

	require.NoError(t, e.Export(testFrame()))
	require.NoError(t, e.Export(testFrame()))
	assert.Len(t, seg.writes, 1, "identical frame must not be rewritten")

	changed := testFrame()
	changed.Timestamp = 5678
	require.NoError(t, e.Export(changed))
	assert.Len(t, seg.writes, 2)
}

func TestExporter_CloseClearsSegment(t *testing.T) {
	seg := &memorySegment{}
	e := NewExporterWith(seg)

	require.NoError(t, e.Export(testFrame()))
	require.NoError(t, e.Close())

	require.True(t, seg.closed)
	last := seg.writes[len(seg.writes)-1]
	assert.Equal(t, make([]byte, DataSegmentSize), last)
}

func TestOpenSegment_RoundTrip(t *testing.T) {
	name := "audio-test-segment"
	seg, err := OpenSegment(name, 16)
	require.NoError(t, err)
	defer func() {
		seg.Close()
		os.Remove(segmentPath(name))
	}()

	require.NoError(t, seg.Write(make([]byte, 16)))
	assert.Error(t, seg.Write(make([]byte, 8)), "short write must be rejected")
}

func readFloat32(data []byte, offset int) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(data[offset : offset+4]))
}
