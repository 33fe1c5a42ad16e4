package export

import (
	"fmt"
	"os"
	"path/filepath"
)

// fileSegment is a file-backed shared memory segment. On Linux the file
// lives in /dev/shm, which is how the voice client plugin maps the same
// bytes; elsewhere it falls back to the temp directory.
type fileSegment struct {
	f    *os.File
	size int
}

// OpenSegment opens or creates the named segment and sizes it. New
// segments start zero-filled.
func OpenSegment(name string, size int) (Memory, error) {
	f, err := os.OpenFile(segmentPath(name), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening segment %s: %w", name, err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, fmt.Errorf("sizing segment %s: %w", name, err)
	}
	return &fileSegment{f: f, size: size}, nil
}

func (s *fileSegment) Write(data []byte) error {
	if len(data) != s.size {
		return fmt.Errorf("segment write of %d bytes, segment holds %d", len(data), s.size)
	}
	if _, err := s.f.WriteAt(data, 0); err != nil {
		return err
	}
	return nil
}

func (s *fileSegment) Close() error {
	return s.f.Close()
}

func segmentPath(name string) string {
	if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
		return filepath.Join("/dev/shm", name)
	}
	return filepath.Join(os.TempDir(), name)
}
