// Package snapshot encodes the persisted state of the engines: the
// statistics records learned so far and the detector memory, tagged with
// the cumulative training time.
//
// Layout, little-endian:
//
//	elapsed minutes   uint64
//	stat count        uint32
//	detector count    uint32
//	stat size         uint16
//	detector size     uint16
//	stat records      count*size bytes
//	detector records  count*size bytes
package snapshot

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tutu-network/immunet/internal/domain"
)

// headerSize is the fixed prefix before the records.
const headerSize = 8 + 4 + 4 + 2 + 2

// Blob is one snapshot.
type Blob struct {
	Elapsed       time.Duration
	StatCount     int
	StatSize      int
	Stats         []byte
	DetectorCount int
	DetectorSize  int
	Detectors     []byte
}

// MarshalBinary encodes b.
func (b Blob) MarshalBinary() ([]byte, error) {
	if len(b.Stats) != b.StatCount*b.StatSize {
		return nil, fmt.Errorf("stat section is %d bytes, want %d", len(b.Stats), b.StatCount*b.StatSize)
	}
	if len(b.Detectors) != b.DetectorCount*b.DetectorSize {
		return nil, fmt.Errorf("detector section is %d bytes, want %d", len(b.Detectors), b.DetectorCount*b.DetectorSize)
	}
	if b.StatSize > 0xffff || b.DetectorSize > 0xffff {
		return nil, fmt.Errorf("record size exceeds 65535 bytes")
	}

	out := make([]byte, headerSize, headerSize+len(b.Stats)+len(b.Detectors))
	binary.LittleEndian.PutUint64(out[0:8], uint64(b.Elapsed/time.Minute))
	binary.LittleEndian.PutUint32(out[8:12], uint32(b.StatCount))
	binary.LittleEndian.PutUint32(out[12:16], uint32(b.DetectorCount))
	binary.LittleEndian.PutUint16(out[16:18], uint16(b.StatSize))
	binary.LittleEndian.PutUint16(out[18:20], uint16(b.DetectorSize))
	out = append(out, b.Stats...)
	out = append(out, b.Detectors...)
	return out, nil
}

// Decode parses data. Any inconsistency between the header and the
// payload is ErrSnapshotCorrupted.
func Decode(data []byte) (Blob, error) {
	if len(data) < headerSize {
		return Blob{}, fmt.Errorf("%w: %d byte header", domain.ErrSnapshotCorrupted, len(data))
	}
	b := Blob{
		Elapsed:       time.Duration(binary.LittleEndian.Uint64(data[0:8])) * time.Minute,
		StatCount:     int(binary.LittleEndian.Uint32(data[8:12])),
		DetectorCount: int(binary.LittleEndian.Uint32(data[12:16])),
		StatSize:      int(binary.LittleEndian.Uint16(data[16:18])),
		DetectorSize:  int(binary.LittleEndian.Uint16(data[18:20])),
	}
	statLen := uint64(b.StatCount) * uint64(b.StatSize)
	detLen := uint64(b.DetectorCount) * uint64(b.DetectorSize)
	if uint64(len(data)-headerSize) != statLen+detLen {
		return Blob{}, fmt.Errorf("%w: %d payload bytes, header promises %d",
			domain.ErrSnapshotCorrupted, len(data)-headerSize, statLen+detLen)
	}
	body := data[headerSize:]
	b.Stats = append([]byte(nil), body[:statLen]...)
	b.Detectors = append([]byte(nil), body[statLen:]...)
	return b, nil
}

// Check verifies the record sizes match the running configuration.
func (b Blob) Check(statSize, detectorSize int) error {
	if b.StatCount > 0 && b.StatSize != statSize {
		return fmt.Errorf("%w: stat records are %d bytes, want %d", domain.ErrRecordSizeMismatch, b.StatSize, statSize)
	}
	if b.DetectorCount > 0 && b.DetectorSize != detectorSize {
		return fmt.Errorf("%w: detector records are %d bytes, want %d", domain.ErrRecordSizeMismatch, b.DetectorSize, detectorSize)
	}
	return nil
}

// FileName returns the file name for a snapshot taken after elapsed
// training time, e.g. "detectors [1 d. 2 h. 30 m.].db".
func FileName(elapsed time.Duration) string {
	m := int64(elapsed / time.Minute)
	return fmt.Sprintf("detectors [%d d. %d h. %d m.].db", m/(24*60), m/60%24, m%60)
}

// WriteFile stores b in dir under FileName, replacing any previous file.
func WriteFile(dir string, b Blob) (string, error) {
	data, err := b.MarshalBinary()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create snapshot dir: %w", err)
	}
	path := filepath.Join(dir, FileName(b.Elapsed))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("rename snapshot: %w", err)
	}
	return path, nil
}

// ReadFile loads and decodes a snapshot file.
func ReadFile(path string) (Blob, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Blob{}, fmt.Errorf("%w: %s", domain.ErrSnapshotNotFound, path)
		}
		return Blob{}, fmt.Errorf("read snapshot: %w", err)
	}
	return Decode(data)
}
