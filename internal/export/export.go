// Package export publishes the positional audio scene to the voice client's
// positional audio plugin through named shared memory. The data segment
// carries one fixed little-endian frame; a separate one-byte segment
// advertises the contract version.
package export

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"slices"

	"github.com/rs/zerolog/log"

	"github.com/tessumod/extension/internal/model"
)

const (
	// DataSegmentName is the shared memory segment holding audio frames.
	DataSegmentName = "TessuModTSPlugin3dAudio"
	// InfoSegmentName is the one-byte segment holding the contract version.
	InfoSegmentName = "TessuModTSPluginInfo"

	// DataSegmentSize is the fixed size of the data segment.
	DataSegmentSize = 1024
	// ContractVersion is written to the info segment on startup.
	ContractVersion = 1

	frameHeaderSize = 4 + 12 + 12 + 1 // timestamp + camera pos + camera dir + count
	clientEntrySize = 2 + 12          // int16 id + position

	// MaxClients is how many client positions fit in one frame.
	MaxClients = (DataSegmentSize - frameHeaderSize) / clientEntrySize
)

// Memory is a writable fixed-size shared memory segment.
type Memory interface {
	Write(data []byte) error
	Close() error
}

// Serialize encodes a frame into the fixed wire layout, zero-padded to the
// full segment size. Clients are written in ascending id order so equal
// frames always serialize to equal bytes. Ids outside the int16 range are
// skipped; surplus clients beyond the frame capacity are dropped.
func Serialize(frame model.PositionalFrame) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, DataSegmentSize))

	if err := binary.Write(buf, binary.LittleEndian, frame.Timestamp); err != nil {
		return nil, fmt.Errorf("encoding timestamp: %w", err)
	}
	if err := writeVec3(buf, frame.CameraPosition); err != nil {
		return nil, err
	}
	if err := writeVec3(buf, frame.CameraDirection); err != nil {
		return nil, err
	}

	ids := make([]int, 0, len(frame.ClientPositions))
	for id := range frame.ClientPositions {
		if id < math.MinInt16 || id > math.MaxInt16 {
			log.Warn().Int("clientID", id).Msg("client id does not fit the audio frame, skipping")
			continue
		}
		ids = append(ids, id)
	}
	slices.Sort(ids)
	if len(ids) > MaxClients {
		log.Warn().Int("clients", len(ids)).Int("max", MaxClients).
			Msg("too many clients for one audio frame, dropping surplus")
		ids = ids[:MaxClients]
	}

	if err := binary.Write(buf, binary.LittleEndian, uint8(len(ids))); err != nil {
		return nil, fmt.Errorf("encoding client count: %w", err)
	}
	for _, id := range ids {
		if err := binary.Write(buf, binary.LittleEndian, int16(id)); err != nil {
			return nil, fmt.Errorf("encoding client id: %w", err)
		}
		if err := writeVec3(buf, frame.ClientPositions[id]); err != nil {
			return nil, err
		}
	}

	out := make([]byte, DataSegmentSize)
	copy(out, buf.Bytes())
	return out, nil
}

func writeVec3(buf *bytes.Buffer, v model.Vec3) error {
	for _, f := range [3]float32{v.X, v.Y, v.Z} {
		if err := binary.Write(buf, binary.LittleEndian, f); err != nil {
			return fmt.Errorf("encoding vector: %w", err)
		}
	}
	return nil
}

// Exporter writes frames to the data segment, skipping writes when the
// scene has not changed since the previous frame.
type Exporter struct {
	data Memory
	last []byte
}

// NewExporter opens both segments and publishes the contract version. The
// info segment is closed right after the version byte is written.
func NewExporter() (*Exporter, error) {
	info, err := OpenSegment(InfoSegmentName, 1)
	if err != nil {
		return nil, fmt.Errorf("opening info segment: %w", err)
	}
	if err := info.Write([]byte{ContractVersion}); err != nil {
		info.Close()
		return nil, fmt.Errorf("writing contract version: %w", err)
	}
	if err := info.Close(); err != nil {
		return nil, fmt.Errorf("closing info segment: %w", err)
	}

	data, err := OpenSegment(DataSegmentName, DataSegmentSize)
	if err != nil {
		return nil, fmt.Errorf("opening data segment: %w", err)
	}
	return &Exporter{data: data}, nil
}

// NewExporterWith builds an exporter over an existing segment. Used by
// tests and alternative transports.
func NewExporterWith(data Memory) *Exporter {
	return &Exporter{data: data}
}

// Export serializes the frame and writes it to shared memory. A frame that
// serializes to the same bytes as the previous one is not rewritten.
func (e *Exporter) Export(frame model.PositionalFrame) error {
	encoded, err := Serialize(frame)
	if err != nil {
		return err
	}
	if bytes.Equal(encoded, e.last) {
		return nil
	}
	if err := e.data.Write(encoded); err != nil {
		return fmt.Errorf("writing audio frame: %w", err)
	}
	e.last = encoded
	return nil
}

// Close writes an empty frame so the plugin stops positioning audio, then
// releases the segment.
func (e *Exporter) Close() error {
	empty := make([]byte, DataSegmentSize)
	if err := e.data.Write(empty); err != nil {
		e.data.Close()
		return fmt.Errorf("clearing audio frame: %w", err)
	}
	return e.data.Close()
}
