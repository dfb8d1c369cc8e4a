package store

import (
	"errors"
	"io"

	"github.com/xitongsys/parquet-go/source"
)

// memFile is an in-memory source.ParquetFile. Writers append to data;
// Open hands readers an independent cursor over the same bytes.
type memFile struct {
	data []byte
	off  int64
}

func newMemFile(data []byte) *memFile {
	return &memFile{data: data}
}

func (m *memFile) Create(name string) (source.ParquetFile, error) {
	return newMemFile(nil), nil
}

func (m *memFile) Open(name string) (source.ParquetFile, error) {
	return newMemFile(m.data), nil
}

func (m *memFile) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = m.off + offset
	case io.SeekEnd:
		abs = int64(len(m.data)) + offset
	default:
		return 0, errors.New("memfile: invalid whence")
	}
	if abs < 0 {
		return 0, errors.New("memfile: negative position")
	}
	m.off = abs
	return abs, nil
}

func (m *memFile) Read(b []byte) (int, error) {
	if m.off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(b, m.data[m.off:])
	m.off += int64(n)
	return n, nil
}

func (m *memFile) Write(b []byte) (int, error) {
	m.data = append(m.data, b...)
	m.off = int64(len(m.data))
	return len(b), nil
}

func (m *memFile) Close() error { return nil }

func (m *memFile) Bytes() []byte { return m.data }
