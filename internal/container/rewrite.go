package container

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"github.com/yiimnta/Pseudonymization-for-Whole-Slide-Image/internal/errs"
)

// TagEdit replaces the value of an existing ASCII tag.
type TagEdit struct {
	IFD   int
	Tag   uint16
	Value string
}

// PlaneEdit replaces the pixel data of a strip plane.
type PlaneEdit struct {
	IFD int
	// Pixels receives the decoded plane and returns replacement pixels of the
	// same size. Returning an error aborts the rewrite before any output exists.
	Pixels func(p *Plane, current image.Image) (image.Image, error)
	// Strips replaces the encoded strips verbatim when Pixels is nil.
	Strips      [][]byte
	Compression uint16
}

// Plan is the set of edits applied by one rewrite.
type Plan struct {
	Tags   []TagEdit
	Planes []PlaneEdit
}

// Result describes a completed rewrite.
type Result struct {
	// SourceDigest and OutputDigest are hex BLAKE3 digests of the whole files.
	SourceDigest string
	OutputDigest string
	Size         int64
	// InPlace and Relocated count value and strip writes by placement.
	InPlace   int
	Relocated int
	// Output is the parsed model of the written file.
	Output *Container
}

// Rewriter applies plans to container files.
type Rewriter struct {
	// Log receives one line per rewrite.
	Log *zap.Logger
}

// NewRewriter returns a Rewriter that logs to log.
func NewRewriter(log *zap.Logger) *Rewriter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Rewriter{Log: log}
}

type stripUpdate struct {
	strips      [][]byte
	compression uint16
	pixels      bool
}

// Rewrite applies plan to src and atomically writes the result to dst. src
// and dst may be the same path. On any failure dst is left untouched.
func (rw *Rewriter) Rewrite(ctx context.Context, src, dst string, plan Plan) (*Result, error) {
	const op = "container.Rewrite"

	in, err := os.Open(src)
	if err != nil {
		return nil, fmt.Errorf("open source: %w", err)
	}
	defer in.Close()
	st, err := in.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat source: %w", err)
	}
	size := st.Size()

	c, err := Parse(in, size)
	if err != nil {
		return nil, err
	}
	if err := c.check(plan); err != nil {
		return nil, err
	}

	updates := make(map[int]stripUpdate, len(plan.Planes))
	for _, pe := range plan.Planes {
		p, _ := c.Plane(pe.IFD)
		if pe.Pixels == nil {
			updates[pe.IFD] = stripUpdate{strips: pe.Strips, compression: pe.Compression}
			continue
		}
		current, err := ReadPixels(in, size, p)
		if err != nil {
			return nil, err
		}
		next, err := pe.Pixels(p, current)
		if err != nil {
			return nil, err
		}
		strips, compression, err := EncodePixels(p, next)
		if err != nil {
			return nil, err
		}
		updates[pe.IFD] = stripUpdate{strips: strips, compression: compression, pixels: true}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dir := filepath.Dir(dst)
	tmp, err := os.CreateTemp(dir, ".wsipseudo-*.tmp")
	if err != nil {
		return nil, errs.Wrap(op, errs.ErrAtomicReplaceFailed, err)
	}
	tmpName := tmp.Name()
	closed, renamed := false, false
	defer func() {
		if !closed {
			_ = tmp.Close()
		}
		if !renamed {
			_ = os.Remove(tmpName)
		}
	}()

	srcHash := blake3.New()
	if _, err := io.Copy(io.MultiWriter(tmp, srcHash), io.NewSectionReader(in, 0, size)); err != nil {
		return nil, errs.Wrap(op, errs.ErrAtomicReplaceFailed, err)
	}

	w := &patcher{f: tmp, order: c.Order, end: size, owned: c.regions()}
	for _, te := range plan.Tags {
		d := c.IFDs[te.IFD]
		e, _ := d.Entry(te.Tag)
		if err := w.writeASCII(d, e, te.Value); err != nil {
			return nil, errs.Wrap(op, errs.ErrAtomicReplaceFailed, err)
		}
	}
	for _, pe := range plan.Planes {
		p, _ := c.Plane(pe.IFD)
		u := updates[pe.IFD]
		if err := w.writeStrips(c.IFDs[pe.IFD], p, u.strips, u.compression); err != nil {
			return nil, errs.Wrap(op, errs.ErrAtomicReplaceFailed, err)
		}
	}
	if err := tmp.Chmod(st.Mode().Perm()); err != nil {
		return nil, errs.Wrap(op, errs.ErrAtomicReplaceFailed, err)
	}
	if err := tmp.Sync(); err != nil {
		return nil, errs.Wrap(op, errs.ErrAtomicReplaceFailed, err)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out, err := rw.validate(c, in, tmp, w.end, plan, updates)
	if err != nil {
		return nil, err
	}

	outHash := blake3.New()
	if _, err := io.Copy(outHash, io.NewSectionReader(tmp, 0, w.end)); err != nil {
		return nil, errs.Wrap(op, errs.ErrAtomicReplaceFailed, err)
	}
	closed = true
	if err := tmp.Close(); err != nil {
		return nil, errs.Wrap(op, errs.ErrAtomicReplaceFailed, err)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return nil, errs.Wrap(op, errs.ErrAtomicReplaceFailed, err)
	}
	renamed = true
	syncDir(dir)

	res := &Result{
		SourceDigest: hex.EncodeToString(srcHash.Sum(nil)),
		OutputDigest: hex.EncodeToString(outHash.Sum(nil)),
		Size:         w.end,
		InPlace:      w.inPlace,
		Relocated:    w.relocated,
		Output:       out,
	}
	rw.Log.Info("container rewritten",
		zap.String("dst", dst),
		zap.Int("tags", len(plan.Tags)),
		zap.Int("planes", len(plan.Planes)),
		zap.Int("in_place", res.InPlace),
		zap.Int("relocated", res.Relocated),
		zap.Int64("size", res.Size),
	)
	return res, nil
}

func (c *Container) check(plan Plan) error {
	seen := make(map[[2]int]bool)
	for _, te := range plan.Tags {
		if te.IFD < 0 || te.IFD >= len(c.IFDs) {
			return fmt.Errorf("tag edit targets IFD %d of %d", te.IFD, len(c.IFDs))
		}
		e, ok := c.IFDs[te.IFD].Entry(te.Tag)
		if !ok || e.Type != TypeASCII {
			return fmt.Errorf("IFD %d has no ASCII tag %d", te.IFD, te.Tag)
		}
		k := [2]int{te.IFD, int(te.Tag)}
		if seen[k] {
			return fmt.Errorf("IFD %d tag %d edited twice", te.IFD, te.Tag)
		}
		seen[k] = true
	}

	planes := make(map[int]bool)
	for _, pe := range plan.Planes {
		p, ok := c.Plane(pe.IFD)
		if !ok {
			return fmt.Errorf("plane edit targets IFD %d of %d", pe.IFD, len(c.IFDs))
		}
		if planes[pe.IFD] {
			return fmt.Errorf("IFD %d edited twice", pe.IFD)
		}
		planes[pe.IFD] = true
		if pe.Pixels != nil {
			if err := p.Rewritable(); err != nil {
				return err
			}
			continue
		}
		if p.Tiled || len(pe.Strips) != len(p.Offsets) {
			return errs.New("container.Rewrite", errs.ErrUnsupportedPlaneLayout,
				"IFD %d: %d replacement strips for %d chunks", pe.IFD, len(pe.Strips), len(p.Offsets))
		}
	}
	return nil
}

// validate re-parses the candidate output and compares it with the source.
func (rw *Rewriter) validate(src *Container, srcFile io.ReaderAt, out io.ReaderAt, size int64, plan Plan, updates map[int]stripUpdate) (*Container, error) {
	fail := func(format string, args ...any) error {
		return errs.New("container.Rewrite", errs.ErrMalformedContainer, "self-validation: "+format, args...)
	}

	oc, err := Parse(out, size)
	if err != nil {
		return nil, fmt.Errorf("self-validation: %w", err)
	}
	if len(oc.IFDs) != len(src.IFDs) || len(oc.Planes) != len(src.Planes) {
		return nil, fail("%d IFDs became %d", len(src.IFDs), len(oc.IFDs))
	}

	for _, te := range plan.Tags {
		e, ok := oc.IFDs[te.IFD].Entry(te.Tag)
		if !ok || e.String() != te.Value {
			return nil, fail("IFD %d tag %d not written", te.IFD, te.Tag)
		}
	}

	for i, p := range src.Planes {
		q := oc.Planes[i]
		if q.Kind != p.Kind || q.Width != p.Width || q.Height != p.Height || len(q.Offsets) != len(p.Offsets) {
			return nil, fail("plane %d changed shape", p.IFD)
		}
		if u, ok := updates[p.IFD]; ok {
			if u.pixels {
				if _, err := ReadPixels(out, size, q); err != nil {
					return nil, fmt.Errorf("self-validation: %w", err)
				}
			}
			continue
		}
		if !equal64(p.Offsets, q.Offsets) || !equal64(p.ByteCounts, q.ByteCounts) {
			return nil, fail("untouched plane %d moved", p.IFD)
		}
		a, err := PlaneDigest(srcFile, p)
		if err != nil {
			return nil, err
		}
		b, err := PlaneDigest(out, q)
		if err != nil {
			return nil, err
		}
		if a != b {
			return nil, fail("untouched plane %d differs", p.IFD)
		}
	}
	return oc, nil
}

// PlaneDigest returns the hex BLAKE3 digest of a plane's pixel data.
func PlaneDigest(r io.ReaderAt, p *Plane) (string, error) {
	h := blake3.New()
	for _, reg := range p.Chunks() {
		if _, err := io.Copy(h, io.NewSectionReader(r, reg.Offset, reg.Length)); err != nil {
			return "", err
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// FileDigest returns the hex BLAKE3 digest of the file at path.
func FileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func equal64(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

// patcher writes edits into the copied output.
// maxClassicOffset is the last byte a classic TIFF can address.
const maxClassicOffset = 0xFFFFFFFF

type patcher struct {
	f     io.WriterAt
	order binary.ByteOrder
	end   int64
	owned map[regionKey]Region
	// limit caps the output size; zero means maxClassicOffset.
	limit int64

	inPlace   int
	relocated int
}

func (w *patcher) appendData(b []byte) (int64, error) {
	limit := w.limit
	if limit == 0 {
		limit = maxClassicOffset
	}
	if w.end+1+int64(len(b)) > limit {
		return 0, fmt.Errorf("output exceeds the %d-byte classic TIFF limit", limit)
	}
	if w.end%2 == 1 {
		if _, err := w.f.WriteAt([]byte{0}, w.end); err != nil {
			return 0, err
		}
		w.end++
	}
	off := w.end
	if _, err := w.f.WriteAt(b, off); err != nil {
		return 0, err
	}
	w.end += int64(len(b))
	return off, nil
}

func (w *patcher) zero(r Region) error {
	if r.Length <= 0 {
		return nil
	}
	_, err := w.f.WriteAt(make([]byte, r.Length), r.Offset)
	return err
}

func (w *patcher) put16(off int64, v uint16) error {
	var b [2]byte
	w.order.PutUint16(b[:], v)
	_, err := w.f.WriteAt(b[:], off)
	return err
}

func (w *patcher) put32(off int64, v uint32) error {
	var b [4]byte
	w.order.PutUint32(b[:], v)
	_, err := w.f.WriteAt(b[:], off)
	return err
}

// store writes val as the value of e, in place when the old storage is
// exclusively owned and large enough, otherwise at the end of the file.
// Vacated storage is zero-filled.
func (w *patcher) store(key regionKey, e *Entry, val []byte) error {
	n := int64(len(val))
	old := Region{Offset: e.ValueOffset, Length: e.Len()}
	owned := !e.Inline() && exclusive(w.owned, key, old)

	switch {
	case n <= 4:
		var field [4]byte
		copy(field[:], val)
		if _, err := w.f.WriteAt(field[:], e.Field+8); err != nil {
			return err
		}
		w.inPlace++
		if owned {
			return w.zero(old)
		}
		return nil
	case owned && n <= old.Length:
		if _, err := w.f.WriteAt(val, old.Offset); err != nil {
			return err
		}
		w.inPlace++
		return w.zero(Region{Offset: old.Offset + n, Length: old.Length - n})
	}

	off, err := w.appendData(val)
	if err != nil {
		return err
	}
	if err := w.put32(e.Field+8, uint32(off)); err != nil {
		return err
	}
	w.relocated++
	if owned {
		return w.zero(old)
	}
	return nil
}

func (w *patcher) writeASCII(d *IFD, e *Entry, value string) error {
	val := append([]byte(value), 0)
	if err := w.store(regionKey{ifd: d.Index, tag: e.Tag, chunk: -1}, e, val); err != nil {
		return err
	}
	return w.put32(e.Field+4, uint32(len(val)))
}

func (w *patcher) writeUints(d *IFD, tag uint16, values []int64) error {
	e, ok := d.Entry(tag)
	if !ok {
		return fmt.Errorf("IFD %d has no tag %d", d.Index, tag)
	}
	typ := e.Type
	for _, v := range values {
		if typ == TypeShort && v > 0xFFFF {
			typ = TypeLong
		}
	}

	var buf bytes.Buffer
	for _, v := range values {
		switch typ {
		case TypeShort:
			_ = binary.Write(&buf, w.order, uint16(v))
		case TypeLong:
			_ = binary.Write(&buf, w.order, uint32(v))
		default:
			return fmt.Errorf("IFD %d tag %d has type %d", d.Index, tag, typ)
		}
	}

	if typ != e.Type {
		// The wider value no longer fits the old storage.
		wide := *e
		wide.Type = typ
		old := Region{Offset: e.ValueOffset, Length: e.Len()}
		if !e.Inline() && exclusive(w.owned, regionKey{ifd: d.Index, tag: tag, chunk: -1}, old) {
			if err := w.zero(old); err != nil {
				return err
			}
		}
		wide.ValueOffset = wide.Field + 8
		if err := w.store(regionKey{ifd: -1}, &wide, buf.Bytes()); err != nil {
			return err
		}
		if err := w.put16(e.Field+2, typ); err != nil {
			return err
		}
	} else if err := w.store(regionKey{ifd: d.Index, tag: tag, chunk: -1}, e, buf.Bytes()); err != nil {
		return err
	}
	return w.put32(e.Field+4, uint32(len(values)))
}

func (w *patcher) writeStrips(d *IFD, p *Plane, strips [][]byte, compression uint16) error {
	offsets := make([]int64, len(strips))
	counts := make([]int64, len(strips))
	for i, s := range strips {
		n := int64(len(s))
		old := Region{Offset: p.Offsets[i], Length: p.ByteCounts[i]}
		owned := exclusive(w.owned, regionKey{ifd: p.IFD, chunk: i}, old)
		counts[i] = n

		if owned && n <= old.Length {
			if _, err := w.f.WriteAt(s, old.Offset); err != nil {
				return err
			}
			if err := w.zero(Region{Offset: old.Offset + n, Length: old.Length - n}); err != nil {
				return err
			}
			offsets[i] = old.Offset
			w.inPlace++
			continue
		}

		off, err := w.appendData(s)
		if err != nil {
			return err
		}
		if owned {
			if err := w.zero(old); err != nil {
				return err
			}
		}
		offsets[i] = off
		w.relocated++
	}

	if err := w.writeUints(d, TagStripOffsets, offsets); err != nil {
		return err
	}
	if err := w.writeUints(d, TagStripByteCounts, counts); err != nil {
		return err
	}
	if compression != p.Compression {
		if _, ok := d.Entry(TagCompression); !ok {
			return fmt.Errorf("IFD %d has no compression tag to update", d.Index)
		}
		return w.writeUints(d, TagCompression, []int64{int64(compression)})
	}
	return nil
}
