package base

import "encoding/binary"

// ChangeSet is the per-page delta journal. Every bucket mutation made inside
// an atomic operation is recorded here as (offset, before, after) and applied
// to the pinned page immediately. On commit the deltas are serialized into the
// WAL; on rollback they are undone in reverse order.
//
// A nil *ChangeSet is valid: writes go straight to the page with no journal.
type ChangeSet struct {
	deltas []delta
}

type delta struct {
	offset int
	before []byte
	after  []byte
}

// Write records and applies a mutation of page bytes [offset, offset+len(data)).
func (c *ChangeSet) Write(p *Page, offset int, data []byte) {
	if c == nil {
		copy(p.Data[offset:], data)
		return
	}
	d := delta{
		offset: offset,
		before: append([]byte(nil), p.Data[offset:offset+len(data)]...),
		after:  append([]byte(nil), data...),
	}
	copy(p.Data[offset:], data)
	c.deltas = append(c.deltas, d)
}

// Rollback undoes all recorded deltas in reverse order.
func (c *ChangeSet) Rollback(p *Page) {
	if c == nil {
		return
	}
	for i := len(c.deltas) - 1; i >= 0; i-- {
		copy(p.Data[c.deltas[i].offset:], c.deltas[i].before)
	}
}

// Redo reapplies the recorded deltas in order. Used by WAL replay.
func (c *ChangeSet) Redo(p *Page) {
	if c == nil {
		return
	}
	for _, d := range c.deltas {
		copy(p.Data[d.offset:], d.after)
	}
}

// Empty reports whether no deltas have been recorded.
func (c *ChangeSet) Empty() bool {
	return c == nil || len(c.deltas) == 0
}

// Encode serializes the change set for the WAL:
// count(u32) then per delta offset(u32), len(u32), before, after.
func (c *ChangeSet) Encode() []byte {
	size := 4
	for _, d := range c.deltas {
		size += 8 + len(d.before) + len(d.after)
	}
	buf := make([]byte, 0, size)
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(len(c.deltas)))
	buf = append(buf, tmp[:]...)
	for _, d := range c.deltas {
		binary.BigEndian.PutUint32(tmp[:], uint32(d.offset))
		buf = append(buf, tmp[:]...)
		binary.BigEndian.PutUint32(tmp[:], uint32(len(d.before)))
		buf = append(buf, tmp[:]...)
		buf = append(buf, d.before...)
		buf = append(buf, d.after...)
	}
	return buf
}

// DecodeChangeSet parses the wire form produced by Encode.
func DecodeChangeSet(buf []byte) (*ChangeSet, error) {
	if len(buf) < 4 {
		return nil, ErrInvalidOffset
	}
	count := int(binary.BigEndian.Uint32(buf))
	buf = buf[4:]
	c := &ChangeSet{deltas: make([]delta, 0, count)}
	for i := 0; i < count; i++ {
		if len(buf) < 8 {
			return nil, ErrInvalidOffset
		}
		offset := int(binary.BigEndian.Uint32(buf))
		n := int(binary.BigEndian.Uint32(buf[4:]))
		buf = buf[8:]
		if offset < 0 || n < 0 || offset+n > PageSize || len(buf) < 2*n {
			return nil, ErrInvalidOffset
		}
		c.deltas = append(c.deltas, delta{
			offset: offset,
			before: append([]byte(nil), buf[:n]...),
			after:  append([]byte(nil), buf[n:2*n]...),
		})
		buf = buf[2*n:]
	}
	return c, nil
}
