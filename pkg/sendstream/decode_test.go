package sendstream_test

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/imagekit/imagekit/pkg/sendstream"
)

type attrBuilder struct {
	buf bytes.Buffer
}

func (b *attrBuilder) put(tag uint16, value []byte) *attrBuilder {
	var hdr [4]byte
	binary.LittleEndian.PutUint16(hdr[0:2], tag)
	binary.LittleEndian.PutUint16(hdr[2:4], uint16(len(value)))
	b.buf.Write(hdr[:])
	b.buf.Write(value)
	return b
}

func (b *attrBuilder) u64(tag uint16, v uint64) *attrBuilder {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return b.put(tag, buf[:])
}

func (b *attrBuilder) str(tag uint16, v string) *attrBuilder {
	return b.put(tag, []byte(v))
}

func (b *attrBuilder) uuid(tag uint16, v uuid.UUID) *attrBuilder {
	return b.put(tag, v[:])
}

// attribute tags, duplicated from the unexported consts in tlv.go so tests
// can build frames without reaching into package internals.
const (
	testAttrUUID       = 1
	testAttrCtransid   = 2
	testAttrIno        = 3
	testAttrPath       = 15
	testAttrPathTo     = 16
	testAttrFileOffset = 18
	testAttrData       = 19
)

func frame(typ sendstream.CommandType, body []byte) []byte {
	var hdr [10]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(body)))
	binary.LittleEndian.PutUint16(hdr[4:6], uint16(typ))
	// crc32 left as zero; VerifyCRC is off by default in these tests.
	out := append([]byte{}, hdr[:]...)
	out = append(out, body...)
	return out
}

func streamHeader() []byte {
	out := []byte(sendstream.Magic)
	var ver [4]byte
	binary.LittleEndian.PutUint32(ver[:], 1)
	return append(out, ver[:]...)
}

func TestDecodeSubvolAndEnd(t *testing.T) {
	id := uuid.New()
	body := (&attrBuilder{}).str(testAttrPath, "myvol").uuid(testAttrUUID, id).u64(testAttrCtransid, 42).buf.Bytes()

	var stream bytes.Buffer
	stream.Write(streamHeader())
	stream.Write(frame(sendstream.CommandSubvol, body))
	stream.Write(frame(sendstream.CommandEnd, nil))

	d := sendstream.NewDecoder(&stream)
	cmd, err := d.Next()
	require.NoError(t, err)
	sv, ok := cmd.(sendstream.Subvol)
	require.True(t, ok)
	require.Equal(t, "myvol", sv.Path)
	require.Equal(t, id, sv.UUID)
	require.Equal(t, uint64(42), sv.Ctransid)
	require.Equal(t, uint32(1), d.Version())

	cmd, err = d.Next()
	require.NoError(t, err)
	require.Equal(t, sendstream.End{}, cmd)

	_, err = d.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestDecodeUnknownCommandTypePreservedNotFatal(t *testing.T) {
	const futureCommandType sendstream.CommandType = 9999
	garbage := []byte{0xff, 0x00, 0xab, 0xcd, 0xef}

	var stream bytes.Buffer
	stream.Write(streamHeader())
	stream.Write(frame(futureCommandType, garbage))
	stream.Write(frame(sendstream.CommandEnd, nil))

	d := sendstream.NewDecoder(&stream)
	cmd, err := d.Next()
	require.NoError(t, err)
	unk, ok := cmd.(sendstream.Unknown)
	require.True(t, ok)
	require.Equal(t, uint16(futureCommandType), unk.RawType)

	// decoding must resume cleanly at the next frame rather than getting
	// stuck on the discarded body.
	cmd, err = d.Next()
	require.NoError(t, err)
	require.Equal(t, sendstream.End{}, cmd)
}

func TestDecodeRenameAndWrite(t *testing.T) {
	renameBody := (&attrBuilder{}).str(testAttrPath, "old").str(testAttrPathTo, "new").buf.Bytes()
	writeBody := (&attrBuilder{}).str(testAttrPath, "file").u64(testAttrFileOffset, 4096).
		put(testAttrData, []byte("hello")).buf.Bytes()

	var stream bytes.Buffer
	stream.Write(streamHeader())
	stream.Write(frame(sendstream.CommandRename, renameBody))
	stream.Write(frame(sendstream.CommandWrite, writeBody))

	d := sendstream.NewDecoder(&stream)
	cmd, err := d.Next()
	require.NoError(t, err)
	require.Equal(t, sendstream.Rename{From: "old", To: "new"}, cmd)

	cmd, err = d.Next()
	require.NoError(t, err)
	w, ok := cmd.(sendstream.Write)
	require.True(t, ok)
	require.Equal(t, "file", w.Path)
	require.Equal(t, uint64(4096), w.Offset)
	require.Equal(t, []byte("hello"), w.Data)
}

func TestDecodeTrailingDataRejected(t *testing.T) {
	// an Unlink body with one attribute too many must be rejected, since
	// Unlink's parser only consumes a single path attribute.
	body := (&attrBuilder{}).str(testAttrPath, "gone").u64(testAttrCtransid, 1).buf.Bytes()

	var stream bytes.Buffer
	stream.Write(streamHeader())
	stream.Write(frame(sendstream.CommandUnlink, body))

	d := sendstream.NewDecoder(&stream)
	_, err := d.Next()
	var trailing *sendstream.TrailingDataError
	require.ErrorAs(t, err, &trailing)
}

func TestDecodeIncompleteFrame(t *testing.T) {
	var stream bytes.Buffer
	stream.Write(streamHeader())
	full := frame(sendstream.CommandUnlink, (&attrBuilder{}).str(testAttrPath, "x").buf.Bytes())
	stream.Write(full[:len(full)-1])

	d := sendstream.NewDecoder(&stream)
	_, err := d.Next()
	require.ErrorIs(t, err, sendstream.ErrIncomplete)
}

func TestDecodeBadMagic(t *testing.T) {
	d := sendstream.NewDecoder(bytes.NewReader([]byte("not-a-sendstream-at-all....")))
	_, err := d.Next()
	var unparsable *sendstream.UnparsableError
	require.ErrorAs(t, err, &unparsable)
}

func TestDecodeCRCVerification(t *testing.T) {
	body := (&attrBuilder{}).str(testAttrPath, "gone").buf.Bytes()

	var stream bytes.Buffer
	stream.Write(streamHeader())
	stream.Write(frame(sendstream.CommandUnlink, body))

	d := sendstream.NewDecoder(&stream)
	d.VerifyCRC = true
	_, err := d.Next()
	var mismatch *sendstream.CRCMismatchError
	require.ErrorAs(t, err, &mismatch)
}
