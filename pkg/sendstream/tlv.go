package sendstream

import (
	"encoding/binary"
	"time"

	"github.com/google/uuid"
)

// Attribute tags, copied from btrfs_send_attribute in the kernel's
// fs/btrfs/send.h. Order and numbering are load-bearing: they're what a
// real `btrfs send` stream actually puts on the wire.
const (
	attrUnspec        = 0
	attrUUID          = 1
	attrCtransid      = 2
	attrIno           = 3
	attrSize          = 4
	attrMode          = 5
	attrUID           = 6
	attrGID           = 7
	attrRdev          = 8
	attrCtime         = 9
	attrMtime         = 10
	attrAtime         = 11
	attrOtime         = 12
	attrXattrName     = 13
	attrXattrData     = 14
	attrPath          = 15
	attrPathTo        = 16
	attrPathLink      = 17
	attrFileOffset    = 18
	attrData          = 19
	attrCloneUUID     = 20
	attrCloneCtransid = 21
	attrClonePath     = 22
	attrCloneOffset   = 23
	attrCloneLen      = 24
)

// cursor walks a single command's payload, attribute by attribute, in the
// exact order the command type demands. Any mismatch between what's
// expected and what's on the wire becomes an UnparsableError rather than a
// panic: a malformed or truncated stream is routine input here, not a
// programming error.
type cursor struct {
	buf []byte
	off int
	typ CommandType
}

func newCursor(typ CommandType, buf []byte) *cursor {
	return &cursor{buf: buf, off: 0, typ: typ}
}

// remaining reports bytes not yet consumed; Decoder.Next uses this after a
// command's fields are all read to detect trailing, unconsumed bytes.
func (c *cursor) remaining() int { return len(c.buf) - c.off }

// skipRemaining discards whatever is left of the body without attempting
// to interpret it as TLV attributes, for command types this package
// doesn't recognize.
func (c *cursor) skipRemaining() { c.off = len(c.buf) }

// attr reads the next TLV {tag:u16, size:u16, value[size]} and asserts its
// tag matches want.
func (c *cursor) attr(want uint16) ([]byte, error) {
	if c.off+4 > len(c.buf) {
		return nil, unparsable("%s: truncated attribute header", c.typ)
	}
	tag := binary.LittleEndian.Uint16(c.buf[c.off:])
	size := binary.LittleEndian.Uint16(c.buf[c.off+2:])
	c.off += 4
	if tag != want {
		return nil, unparsable("%s: expected attribute %d, got %d", c.typ, want, tag)
	}
	if c.off+int(size) > len(c.buf) {
		return nil, unparsable("%s: attribute %d size %d exceeds command body", c.typ, tag, size)
	}
	val := c.buf[c.off : c.off+int(size)]
	c.off += int(size)
	return val, nil
}

func (c *cursor) u64(tag uint16) (uint64, error) {
	v, err := c.attr(tag)
	if err != nil {
		return 0, err
	}
	if len(v) != 8 {
		return 0, unparsable("%s: attribute %d wrong size %d for u64", c.typ, tag, len(v))
	}
	return binary.LittleEndian.Uint64(v), nil
}

func (c *cursor) u32(tag uint16) (uint32, error) {
	v, err := c.attr(tag)
	if err != nil {
		return 0, err
	}
	if len(v) != 4 {
		return 0, unparsable("%s: attribute %d wrong size %d for u32", c.typ, tag, len(v))
	}
	return binary.LittleEndian.Uint32(v), nil
}

func (c *cursor) str(tag uint16) (string, error) {
	v, err := c.attr(tag)
	if err != nil {
		return "", err
	}
	return string(v), nil
}

func (c *cursor) bytes(tag uint16) ([]byte, error) {
	v, err := c.attr(tag)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (c *cursor) uuid(tag uint16) (uuid.UUID, error) {
	v, err := c.attr(tag)
	if err != nil {
		return uuid.Nil, err
	}
	if len(v) != 16 {
		return uuid.Nil, unparsable("%s: attribute %d wrong size %d for uuid", c.typ, tag, len(v))
	}
	var u uuid.UUID
	copy(u[:], v)
	return u, nil
}

// time64 reads a btrfs send timestamp: a u64 seconds field followed by a
// u32 nanoseconds field packed into the same attribute value.
func (c *cursor) time64(tag uint16) (time.Time, error) {
	v, err := c.attr(tag)
	if err != nil {
		return time.Time{}, err
	}
	if len(v) != 12 {
		return time.Time{}, unparsable("%s: attribute %d wrong size %d for timespec", c.typ, tag, len(v))
	}
	sec := binary.LittleEndian.Uint64(v[:8])
	nsec := binary.LittleEndian.Uint32(v[8:])
	return time.Unix(int64(sec), int64(nsec)).UTC(), nil
}
