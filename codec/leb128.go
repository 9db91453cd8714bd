package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"slices"

	"github.com/hupe1980/findex/model"
)

// ErrMalformed is matched by every decoding failure of the LEB128 format.
var ErrMalformed = errors.New("malformed wire data")

// ErrEmptyElement is returned when a zero-length element is written to a
// terminated collection: it would read back as the end marker.
var ErrEmptyElement = errors.New("cannot encode an empty element in a collection")

// MalformedError describes where decoding failed.
type MalformedError struct {
	Offset int
	Reason string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed wire data at offset %d: %s", e.Offset, e.Reason)
}

// Is makes errors.Is(err, ErrMalformed) succeed.
func (e *MalformedError) Is(target error) bool { return target == ErrMalformed }

// Writer appends LEB128-prefixed records to a growing buffer.
type Writer struct {
	buf []byte
}

// NewWriter returns a Writer with the given initial capacity.
func NewWriter(capacity int) *Writer {
	return &Writer{buf: make([]byte, 0, capacity)}
}

// WriteUvarint appends v as an unsigned LEB128 integer.
func (w *Writer) WriteUvarint(v uint64) {
	w.buf = binary.AppendUvarint(w.buf, v)
}

// WriteBytes appends the length of b followed by b.
func (w *Writer) WriteBytes(b []byte) {
	w.WriteUvarint(uint64(len(b)))
	w.buf = append(w.buf, b...)
}

// WriteElement appends b as a collection element.
func (w *Writer) WriteElement(b []byte) error {
	if len(b) == 0 {
		return ErrEmptyElement
	}
	w.WriteBytes(b)
	return nil
}

// End appends the collection end marker.
func (w *Writer) End() {
	w.buf = append(w.buf, 0)
}

// Bytes returns the encoded buffer.
func (w *Writer) Bytes() []byte { return w.buf }

// Len returns the number of encoded bytes.
func (w *Writer) Len() int { return len(w.buf) }

// Reader consumes a buffer produced by Writer.
type Reader struct {
	buf []byte
	off int
}

// NewReader returns a Reader over b.
func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

func (r *Reader) malformed(format string, args ...any) error {
	return &MalformedError{Offset: r.off, Reason: fmt.Sprintf(format, args...)}
}

// ReadUvarint reads an unsigned LEB128 integer.
func (r *Reader) ReadUvarint() (uint64, error) {
	v, n := binary.Uvarint(r.buf[r.off:])
	if n == 0 {
		return 0, r.malformed("truncated length")
	}
	if n < 0 {
		return 0, r.malformed("length overflows 64 bits")
	}
	r.off += n
	return v, nil
}

// ReadBytes reads a length-prefixed byte string. The result aliases the
// underlying buffer.
func (r *Reader) ReadBytes() ([]byte, error) {
	l, err := r.ReadUvarint()
	if err != nil {
		return nil, err
	}
	if l > uint64(len(r.buf)-r.off) {
		return nil, r.malformed("record of %d bytes exceeds remaining %d", l, len(r.buf)-r.off)
	}
	b := r.buf[r.off : r.off+int(l)]
	r.off += int(l)
	return b, nil
}

// AtEnd reports whether the next byte is the collection end marker and
// consumes it if so.
func (r *Reader) AtEnd() (bool, error) {
	if r.off >= len(r.buf) {
		return false, r.malformed("missing end marker")
	}
	if r.buf[r.off] == 0 {
		r.off++
		return true, nil
	}
	return false, nil
}

// Done fails if unread bytes remain.
func (r *Reader) Done() error {
	if r.off != len(r.buf) {
		return r.malformed("%d trailing bytes", len(r.buf)-r.off)
	}
	return nil
}

// EncodeCollection serializes items as a terminated sequence.
func EncodeCollection(items [][]byte) ([]byte, error) {
	w := NewWriter(CollectionSize(items))
	for _, it := range items {
		if err := w.WriteElement(it); err != nil {
			return nil, err
		}
	}
	w.End()
	return w.Bytes(), nil
}

// DecodeCollection parses a terminated sequence. Elements alias b.
func DecodeCollection(b []byte) ([][]byte, error) {
	r := NewReader(b)
	var items [][]byte
	for {
		end, err := r.AtEnd()
		if err != nil {
			return nil, err
		}
		if end {
			break
		}
		it, err := r.ReadBytes()
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, r.Done()
}

// CollectionSize returns the exact encoded size of items.
func CollectionSize(items [][]byte) int {
	n := 1
	for _, it := range items {
		n += uvarintLen(uint64(len(it))) + len(it)
	}
	return n
}

func uvarintLen(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

// EncodeUids serializes a list of uids.
func EncodeUids(uids []model.Uid32) []byte {
	w := NewWriter(len(uids)*(model.UidSize+1) + 1)
	for _, u := range uids {
		w.WriteBytes(u[:])
	}
	w.End()
	return w.Bytes()
}

// DecodeUids parses a list of uids.
func DecodeUids(b []byte) ([]model.Uid32, error) {
	items, err := DecodeCollection(b)
	if err != nil {
		return nil, err
	}
	uids := make([]model.Uid32, 0, len(items))
	for i, it := range items {
		u, err := model.UidFromBytes(it)
		if err != nil {
			return nil, &MalformedError{Offset: -1, Reason: fmt.Sprintf("element %d: %v", i, err)}
		}
		uids = append(uids, u)
	}
	return uids, nil
}

// EncodeRows serializes rows as a terminated map (uid, value)*. The end
// marker is only looked for in key position and uids are never empty, so a
// row with an empty value, such as an absent Entry Table row reported by an
// upsert, is encoded as a zero-length value.
func EncodeRows(rows []model.Row) []byte {
	size := 1
	for _, r := range rows {
		size += 1 + model.UidSize + uvarintLen(uint64(len(r.Value))) + len(r.Value)
	}
	w := NewWriter(size)
	for _, r := range rows {
		w.WriteBytes(r.Uid[:])
		w.WriteBytes(r.Value)
	}
	w.End()
	return w.Bytes()
}

// EncodeRowMap is EncodeRows over a map, in uid order.
func EncodeRowMap(m map[model.Uid32]model.Value) []byte {
	rows := make([]model.Row, 0, len(m))
	for u, v := range m {
		rows = append(rows, model.Row{Uid: u, Value: v})
	}
	slices.SortFunc(rows, func(a, b model.Row) int { return a.Uid.Compare(b.Uid) })
	return EncodeRows(rows)
}

// DecodeRows parses a terminated map (uid, value)*. Values are copied; an
// empty value decodes as nil.
func DecodeRows(b []byte) ([]model.Row, error) {
	r := NewReader(b)
	var rows []model.Row
	for {
		end, err := r.AtEnd()
		if err != nil {
			return nil, err
		}
		if end {
			break
		}
		k, err := r.ReadBytes()
		if err != nil {
			return nil, err
		}
		u, err := model.UidFromBytes(k)
		if err != nil {
			return nil, r.malformed("%v", err)
		}
		v, err := r.ReadBytes()
		if err != nil {
			return nil, err
		}
		var val model.Value
		if len(v) > 0 {
			val = model.Value(v).Clone()
		}
		rows = append(rows, model.Row{Uid: u, Value: val})
	}
	return rows, r.Done()
}

// DecodeRowMap is DecodeRows into a map.
func DecodeRowMap(b []byte) (map[model.Uid32]model.Value, error) {
	rows, err := DecodeRows(b)
	if err != nil {
		return nil, err
	}
	return model.RowsToMap(rows), nil
}
