package sendstream

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

// Decoder reads commands off a btrfs send-stream one at a time. It is
// intentionally synchronous and blocking (unlike the original async
// framed codec): reading from a pipe connected to a live `btrfs send`
// simply blocks until more bytes are available, which is the Go-idiomatic
// equivalent of the "need more bytes" Incomplete signal.
type Decoder struct {
	r       io.Reader
	version uint32

	// VerifyCRC enables checking each command's crc32 field against the
	// command bytes with the checksum field zeroed. Off by default: real
	// send-streams are already covered by transport/filesystem integrity,
	// and verifying doubles the cost of decoding every command.
	VerifyCRC bool

	headerRead bool
}

// NewDecoder wraps r, which must start with the 13-byte stream magic.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// Version returns the stream's format version, valid only after the first
// successful call to Next.
func (d *Decoder) Version() uint32 { return d.version }

func (d *Decoder) readHeader() error {
	magic := make([]byte, len(Magic))
	if _, err := io.ReadFull(d.r, magic); err != nil {
		return incompleteOrIO(err)
	}
	if string(magic) != Magic {
		return unparsable("bad stream magic %q", magic)
	}
	var verBuf [4]byte
	if _, err := io.ReadFull(d.r, verBuf[:]); err != nil {
		return incompleteOrIO(err)
	}
	d.version = binary.LittleEndian.Uint32(verBuf[:])
	d.headerRead = true
	return nil
}

func incompleteOrIO(err error) error {
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrIncomplete
	}
	if errors.Is(err, io.EOF) {
		return io.EOF
	}
	return fmt.Errorf("sendstream: io: %w", err)
}

// Next decodes and returns the following command. It returns io.EOF only
// when the reader is exhausted exactly on a frame boundary; any other
// short read surfaces as ErrIncomplete.
func (d *Decoder) Next() (Command, error) {
	if !d.headerRead {
		if err := d.readHeader(); err != nil {
			return nil, err
		}
	}

	var hdr [10]byte
	n, err := io.ReadFull(d.r, hdr[:])
	if n == 0 && errors.Is(err, io.EOF) {
		return nil, io.EOF
	}
	if err != nil {
		return nil, incompleteOrIO(err)
	}

	length := binary.LittleEndian.Uint32(hdr[0:4])
	typ := CommandType(binary.LittleEndian.Uint16(hdr[4:6]))
	crc := binary.LittleEndian.Uint32(hdr[6:10])

	body := make([]byte, length)
	if _, err := io.ReadFull(d.r, body); err != nil {
		if errors.Is(err, io.EOF) {
			// the header was read, so this is not a frame boundary
			return nil, ErrIncomplete
		}
		return nil, incompleteOrIO(err)
	}

	if d.VerifyCRC {
		if err := verifyCRC(hdr, body, crc); err != nil {
			return nil, err
		}
	}

	if typ == CommandEnd {
		if length != 0 {
			return nil, unparsable("end: non-empty command body (%d bytes)", length)
		}
		return End{}, nil
	}

	c := newCursor(typ, body)
	cmd, err := parseCommand(typ, c)
	if err != nil {
		return nil, err
	}
	if rem := c.remaining(); rem != 0 {
		return nil, &TrailingDataError{Type: typ, N: rem}
	}
	return cmd, nil
}

// verifyCRC recomputes the crc32c of the header-plus-body with the
// checksum field zeroed, matching how `btrfs send` computes it.
func verifyCRC(hdr [10]byte, body []byte, want uint32) error {
	zeroed := hdr
	zeroed[6], zeroed[7], zeroed[8], zeroed[9] = 0, 0, 0, 0
	table := crc32.MakeTable(crc32.Castagnoli)
	h := crc32.New(table)
	h.Write(zeroed[:])
	h.Write(body)
	got := h.Sum32()
	if got != want {
		typ := CommandType(binary.LittleEndian.Uint16(hdr[4:6]))
		return &CRCMismatchError{Type: typ, Want: want, Computed: got}
	}
	return nil
}

func parseCommand(typ CommandType, c *cursor) (Command, error) {
	switch typ {
	case CommandSubvol:
		return parseSubvol(c)
	case CommandSnapshot:
		return parseSnapshot(c)
	case CommandMkfile:
		return parseMkfile(c)
	case CommandMkdir:
		return parseMkdir(c)
	case CommandMknod:
		sp, err := parseMkspecial(c)
		if err != nil {
			return nil, err
		}
		return Mknod{sp}, nil
	case CommandMkfifo:
		sp, err := parseMkspecial(c)
		if err != nil {
			return nil, err
		}
		return Mkfifo{sp}, nil
	case CommandMksock:
		sp, err := parseMkspecial(c)
		if err != nil {
			return nil, err
		}
		return Mksock{sp}, nil
	case CommandSymlink:
		return parseSymlink(c)
	case CommandRename:
		return parseRename(c)
	case CommandLink:
		return parseLink(c)
	case CommandUnlink:
		return parseUnlink(c)
	case CommandRmdir:
		return parseRmdir(c)
	case CommandSetXattr:
		return parseSetXattr(c)
	case CommandRemoveXattr:
		return parseRemoveXattr(c)
	case CommandWrite:
		return parseWrite(c)
	case CommandClone:
		return parseClone(c)
	case CommandTruncate:
		return parseTruncate(c)
	case CommandChmod:
		return parseChmod(c)
	case CommandChown:
		return parseChown(c)
	case CommandUtimes:
		return parseUtimes(c)
	case CommandUpdateExtent:
		return parseUpdateExtent(c)
	default:
		// An unrecognized command type is preserved as an opaque variant
		// rather than aborting the whole decode; its body isn't in a
		// shape this package understands, so it's discarded wholesale.
		c.skipRemaining()
		return Unknown{RawType: uint16(typ)}, nil
	}
}

func parseSubvol(c *cursor) (Command, error) {
	path, err := c.str(attrPath)
	if err != nil {
		return nil, err
	}
	id, err := c.uuid(attrUUID)
	if err != nil {
		return nil, err
	}
	ctransid, err := c.u64(attrCtransid)
	if err != nil {
		return nil, err
	}
	return Subvol{Path: path, UUID: id, Ctransid: ctransid}, nil
}

func parseSnapshot(c *cursor) (Command, error) {
	path, err := c.str(attrPath)
	if err != nil {
		return nil, err
	}
	id, err := c.uuid(attrUUID)
	if err != nil {
		return nil, err
	}
	ctransid, err := c.u64(attrCtransid)
	if err != nil {
		return nil, err
	}
	cloneID, err := c.uuid(attrCloneUUID)
	if err != nil {
		return nil, err
	}
	cloneCtransid, err := c.u64(attrCloneCtransid)
	if err != nil {
		return nil, err
	}
	return Snapshot{
		Path: path, UUID: id, Ctransid: ctransid,
		CloneUUID: cloneID, CloneCtransid: cloneCtransid,
	}, nil
}

func parseMkfile(c *cursor) (Command, error) {
	path, err := c.str(attrPath)
	if err != nil {
		return nil, err
	}
	ino, err := c.u64(attrIno)
	if err != nil {
		return nil, err
	}
	return Mkfile{Path: path, Ino: ino}, nil
}

func parseMkdir(c *cursor) (Command, error) {
	path, err := c.str(attrPath)
	if err != nil {
		return nil, err
	}
	ino, err := c.u64(attrIno)
	if err != nil {
		return nil, err
	}
	return Mkdir{Path: path, Ino: ino}, nil
}

func parseMkspecial(c *cursor) (Mkspecial, error) {
	path, err := c.str(attrPath)
	if err != nil {
		return Mkspecial{}, err
	}
	ino, err := c.u64(attrIno)
	if err != nil {
		return Mkspecial{}, err
	}
	rdev, err := c.u64(attrRdev)
	if err != nil {
		return Mkspecial{}, err
	}
	mode, err := c.u32(attrMode)
	if err != nil {
		return Mkspecial{}, err
	}
	return Mkspecial{Path: path, Ino: ino, Rdev: rdev, Mode: mode}, nil
}

func parseSymlink(c *cursor) (Command, error) {
	linkName, err := c.str(attrPath)
	if err != nil {
		return nil, err
	}
	ino, err := c.u64(attrIno)
	if err != nil {
		return nil, err
	}
	target, err := c.str(attrPathLink)
	if err != nil {
		return nil, err
	}
	return Symlink{LinkName: linkName, Ino: ino, Target: target}, nil
}

func parseRename(c *cursor) (Command, error) {
	from, err := c.str(attrPath)
	if err != nil {
		return nil, err
	}
	to, err := c.str(attrPathTo)
	if err != nil {
		return nil, err
	}
	return Rename{From: from, To: to}, nil
}

func parseLink(c *cursor) (Command, error) {
	linkName, err := c.str(attrPath)
	if err != nil {
		return nil, err
	}
	target, err := c.str(attrPathLink)
	if err != nil {
		return nil, err
	}
	return Link{LinkName: linkName, Target: target}, nil
}

func parseUnlink(c *cursor) (Command, error) {
	path, err := c.str(attrPath)
	if err != nil {
		return nil, err
	}
	return Unlink{Path: path}, nil
}

func parseRmdir(c *cursor) (Command, error) {
	path, err := c.str(attrPath)
	if err != nil {
		return nil, err
	}
	return Rmdir{Path: path}, nil
}

func parseSetXattr(c *cursor) (Command, error) {
	path, err := c.str(attrPath)
	if err != nil {
		return nil, err
	}
	name, err := c.str(attrXattrName)
	if err != nil {
		return nil, err
	}
	data, err := c.bytes(attrXattrData)
	if err != nil {
		return nil, err
	}
	return SetXattr{Path: path, Name: name, Data: data}, nil
}

func parseRemoveXattr(c *cursor) (Command, error) {
	path, err := c.str(attrPath)
	if err != nil {
		return nil, err
	}
	name, err := c.str(attrXattrName)
	if err != nil {
		return nil, err
	}
	return RemoveXattr{Path: path, Name: name}, nil
}

// parseWrite enforces the v2 rule that Data is the command's terminal
// attribute: any bytes left in the cursor after reading it are rejected by
// the caller's trailing-data check, so a well-formed stream can never tack
// another attribute on after Write's payload.
func parseWrite(c *cursor) (Command, error) {
	path, err := c.str(attrPath)
	if err != nil {
		return nil, err
	}
	offset, err := c.u64(attrFileOffset)
	if err != nil {
		return nil, err
	}
	data, err := c.bytes(attrData)
	if err != nil {
		return nil, err
	}
	return Write{Path: path, Offset: offset, Data: data}, nil
}

func parseClone(c *cursor) (Command, error) {
	dstOffset, err := c.u64(attrFileOffset)
	if err != nil {
		return nil, err
	}
	length, err := c.u64(attrCloneLen)
	if err != nil {
		return nil, err
	}
	dstPath, err := c.str(attrPath)
	if err != nil {
		return nil, err
	}
	id, err := c.uuid(attrCloneUUID)
	if err != nil {
		return nil, err
	}
	ctransid, err := c.u64(attrCloneCtransid)
	if err != nil {
		return nil, err
	}
	srcPath, err := c.str(attrClonePath)
	if err != nil {
		return nil, err
	}
	srcOffset, err := c.u64(attrCloneOffset)
	if err != nil {
		return nil, err
	}
	return Clone{
		SrcOffset: srcOffset, Len: length, SrcPath: srcPath,
		UUID: id, Ctransid: ctransid, DstPath: dstPath, DstOffset: dstOffset,
	}, nil
}

func parseTruncate(c *cursor) (Command, error) {
	path, err := c.str(attrPath)
	if err != nil {
		return nil, err
	}
	size, err := c.u64(attrSize)
	if err != nil {
		return nil, err
	}
	return Truncate{Path: path, Size: size}, nil
}

func parseChmod(c *cursor) (Command, error) {
	path, err := c.str(attrPath)
	if err != nil {
		return nil, err
	}
	mode, err := c.u32(attrMode)
	if err != nil {
		return nil, err
	}
	return Chmod{Path: path, Mode: mode}, nil
}

func parseChown(c *cursor) (Command, error) {
	path, err := c.str(attrPath)
	if err != nil {
		return nil, err
	}
	uid, err := c.u64(attrUID)
	if err != nil {
		return nil, err
	}
	gid, err := c.u64(attrGID)
	if err != nil {
		return nil, err
	}
	return Chown{Path: path, UID: uint32(uid), GID: uint32(gid)}, nil
}

func parseUtimes(c *cursor) (Command, error) {
	path, err := c.str(attrPath)
	if err != nil {
		return nil, err
	}
	atime, err := c.time64(attrAtime)
	if err != nil {
		return nil, err
	}
	mtime, err := c.time64(attrMtime)
	if err != nil {
		return nil, err
	}
	ctime, err := c.time64(attrCtime)
	if err != nil {
		return nil, err
	}
	return Utimes{Path: path, Atime: atime, Mtime: mtime, Ctime: ctime}, nil
}

func parseUpdateExtent(c *cursor) (Command, error) {
	path, err := c.str(attrPath)
	if err != nil {
		return nil, err
	}
	offset, err := c.u64(attrFileOffset)
	if err != nil {
		return nil, err
	}
	length, err := c.u64(attrSize)
	if err != nil {
		return nil, err
	}
	return UpdateExtent{Path: path, Offset: offset, Len: length}, nil
}
