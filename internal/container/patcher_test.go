package container

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memWriter struct{ buf []byte }

func (m *memWriter) WriteAt(p []byte, off int64) (int, error) {
	if end := int(off) + len(p); end > len(m.buf) {
		m.buf = append(m.buf, make([]byte, end-len(m.buf))...)
	}
	return copy(m.buf[off:], p), nil
}

func TestWriteStripsRespectsLimit(t *testing.T) {
	order := binary.LittleEndian
	d := &IFD{Index: 0, Entries: []Entry{
		{Tag: TagStripOffsets, Type: TypeLong, Count: 1, Field: 8, ValueOffset: 16},
		{Tag: TagStripByteCounts, Type: TypeLong, Count: 1, Field: 20, ValueOffset: 28},
	}}
	p := &Plane{IFD: 0, Offsets: []int64{32}, ByteCounts: []int64{4}, Compression: CompressionNone}

	w := &patcher{f: &memWriter{buf: make([]byte, 64)}, order: order, end: 64, limit: 80}
	err := w.writeStrips(d, p, [][]byte{make([]byte, 32)}, CompressionNone)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "classic TIFF limit")
	assert.Equal(t, int64(64), w.end, "nothing appended past the limit")

	w = &patcher{f: &memWriter{buf: make([]byte, 64)}, order: order, end: 64, limit: 128}
	require.NoError(t, w.writeStrips(d, p, [][]byte{make([]byte, 32)}, CompressionNone))
	assert.Equal(t, int64(96), w.end)
	assert.Equal(t, 1, w.relocated)
}
