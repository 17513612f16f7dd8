package container

import (
	"encoding/binary"
	"io"
	"os"

	"github.com/yiimnta/Pseudonymization-for-Whole-Slide-Image/internal/errs"
)

// MaxIFDs bounds the directory chain length.
const MaxIFDs = 4096

// maxValueLen bounds a single materialised tag value.
const maxValueLen = 64 << 20

func malformed(format string, args ...any) error {
	return errs.New("container.Parse", errs.ErrMalformedContainer, format, args...)
}

// readAt reads n bytes at off after checking the range against size.
func readAt(r io.ReaderAt, size, off, n int64) ([]byte, error) {
	if off < 0 || n < 0 || off > size || n > size-off {
		return nil, malformed("range [%d, +%d) outside %d-byte stream", off, n, size)
	}
	buf := make([]byte, n)
	if n == 0 {
		return buf, nil
	}
	if _, err := r.ReadAt(buf, off); err != nil {
		return nil, errs.Wrap("container.Parse", errs.ErrMalformedContainer, err)
	}
	return buf, nil
}

// ParseFile parses the container stored at path.
func ParseFile(path string) (*Container, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	return Parse(f, st.Size())
}

// Parse reads the header and IFD chain of a container of the given size.
func Parse(r io.ReaderAt, size int64) (*Container, error) {
	hdr, err := readAt(r, size, 0, 8)
	if err != nil {
		return nil, err
	}

	var order binary.ByteOrder
	switch string(hdr[:2]) {
	case "II":
		order = binary.LittleEndian
	case "MM":
		order = binary.BigEndian
	default:
		return nil, malformed("bad byte order mark %q", hdr[:2])
	}
	switch magic := order.Uint16(hdr[2:]); magic {
	case 42:
	case 43:
		return nil, malformed("BigTIFF is not supported")
	default:
		return nil, malformed("bad magic %d", magic)
	}

	c := &Container{Order: order, Size: size}
	seen := make(map[int64]bool)
	next := int64(order.Uint32(hdr[4:]))
	if next == 0 {
		return nil, malformed("no image directories")
	}

	for next != 0 {
		if seen[next] {
			return nil, malformed("IFD chain cycles back to offset %d", next)
		}
		if len(c.IFDs) == MaxIFDs {
			return nil, malformed("more than %d IFDs", MaxIFDs)
		}
		seen[next] = true

		d, err := c.readIFD(r, len(c.IFDs), next)
		if err != nil {
			return nil, err
		}
		c.IFDs = append(c.IFDs, d)
		next = d.Next
	}

	if err := c.buildPlanes(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Container) readIFD(r io.ReaderAt, index int, off int64) (*IFD, error) {
	raw, err := readAt(r, c.Size, off, 2)
	if err != nil {
		return nil, err
	}
	n := int64(c.Order.Uint16(raw))
	if n == 0 {
		return nil, malformed("IFD %d at %d has no entries", index, off)
	}

	table, err := readAt(r, c.Size, off+2, 12*n+4)
	if err != nil {
		return nil, err
	}

	d := &IFD{Index: index, Offset: off, Entries: make([]Entry, 0, n)}
	for i := int64(0); i < n; i++ {
		b := table[12*i : 12*i+12]
		e := Entry{
			Tag:   c.Order.Uint16(b[0:]),
			Type:  c.Order.Uint16(b[2:]),
			Count: c.Order.Uint32(b[4:]),
			Field: off + 2 + 12*i,
		}
		e.ValueOffset = e.Field + 8
		if !e.Inline() {
			e.ValueOffset = int64(c.Order.Uint32(b[8:]))
			if e.ValueOffset > c.Size || e.Len() > c.Size-e.ValueOffset {
				return nil, malformed("IFD %d tag %d value [%d, +%d) outside %d-byte stream",
					index, e.Tag, e.ValueOffset, e.Len(), c.Size)
			}
		}
		if loadable(e.Type) {
			if e.Len() > maxValueLen {
				return nil, malformed("IFD %d tag %d value of %d bytes", index, e.Tag, e.Len())
			}
			if e.Inline() {
				e.Value = append([]byte(nil), b[8:8+e.Len()]...)
			} else if e.Value, err = readAt(r, c.Size, e.ValueOffset, e.Len()); err != nil {
				return nil, err
			}
		}
		d.Entries = append(d.Entries, e)
	}
	d.Next = int64(c.Order.Uint32(table[12*n:]))
	return d, nil
}

func loadable(t uint16) bool {
	switch t {
	case TypeByte, TypeASCII, TypeShort, TypeLong, TypeRational:
		return true
	}
	return false
}
