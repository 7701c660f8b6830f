package changestream_test

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/imagekit/imagekit/pkg/changestream"
	"github.com/imagekit/imagekit/pkg/sendstream"
)

func collectAll(t *testing.T, s *changestream.Stream) []changestream.Change {
	t.Helper()
	var out []changestream.Change
	for {
		c, err := s.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		out = append(out, *c)
	}
	return out
}

// Rather than faking sendstream.Decoder (unexported internals), this test
// builds a real wire-format buffer using the same attribute encoding the
// decode tests use, then runs it through a real Decoder + Stream.
func encodeAttr(buf *bytes.Buffer, tag uint16, value []byte) {
	var hdr [4]byte
	binary.LittleEndian.PutUint16(hdr[0:2], tag)
	binary.LittleEndian.PutUint16(hdr[2:4], uint16(len(value)))
	buf.Write(hdr[:])
	buf.Write(value)
}

func encodeU64Attr(buf *bytes.Buffer, tag uint16, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	encodeAttr(buf, tag, b[:])
}

func encodeFrame(out *bytes.Buffer, typ sendstream.CommandType, body []byte) {
	var hdr [10]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(body)))
	binary.LittleEndian.PutUint16(hdr[4:6], uint16(typ))
	out.Write(hdr[:])
	out.Write(body)
}

const (
	attrIno        = 3
	attrMode       = 5
	attrPath       = 15
	attrPathTo     = 16
	attrFileOffset = 18
	attrData       = 19
)

func encodeU32Attr(buf *bytes.Buffer, tag uint16, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	encodeAttr(buf, tag, b[:])
}

func TestStreamCreateThenCloseOnPathChange(t *testing.T) {
	var body1, body2 bytes.Buffer
	encodeAttr(&body1, attrPath, []byte("a"))
	encodeU64Attr(&body1, attrIno, 100)

	encodeAttr(&body2, attrPath, []byte("b"))
	encodeU64Attr(&body2, attrIno, 101)

	var stream bytes.Buffer
	stream.WriteString(sendstream.Magic)
	var ver [4]byte
	binary.LittleEndian.PutUint32(ver[:], 1)
	stream.Write(ver[:])
	encodeFrame(&stream, sendstream.CommandMkfile, body1.Bytes())
	encodeFrame(&stream, sendstream.CommandMkfile, body2.Bytes())
	encodeFrame(&stream, sendstream.CommandEnd, nil)

	dec := sendstream.NewDecoder(&stream)
	s := changestream.NewStream(dec, "/childroot")
	changes := collectAll(t, s)

	require.Len(t, changes, 4)
	require.Equal(t, "a", changes[0].Path)
	require.IsType(t, changestream.Create{}, changes[0].Op)
	require.Equal(t, "a", changes[1].Path)
	require.IsType(t, changestream.Close{}, changes[1].Op)
	require.Equal(t, "b", changes[2].Path)
	require.IsType(t, changestream.Create{}, changes[2].Op)
	require.Equal(t, "b", changes[3].Path)
	require.IsType(t, changestream.Close{}, changes[3].Op)
}

// TestStreamRenameCarriesOpenIdentityForward covers the ordinary btrfs send
// shape for a freshly written file: mkfile under a throwaway name, rename
// into place, then chmod and write addressed by the final name. The old
// name must never get its own Close, and every op after the rename must
// land on the new path.
func TestStreamRenameCarriesOpenIdentityForward(t *testing.T) {
	var mkfileBody, renameBody, chmodBody, writeBody bytes.Buffer
	encodeAttr(&mkfileBody, attrPath, []byte("tmp"))
	encodeU64Attr(&mkfileBody, attrIno, 200)

	encodeAttr(&renameBody, attrPath, []byte("tmp"))
	encodeAttr(&renameBody, attrPathTo, []byte("final"))

	encodeAttr(&chmodBody, attrPath, []byte("final"))
	encodeU32Attr(&chmodBody, attrMode, 0600)

	encodeAttr(&writeBody, attrPath, []byte("final"))
	encodeU64Attr(&writeBody, attrFileOffset, 0)
	encodeAttr(&writeBody, attrData, []byte("hi"))

	var stream bytes.Buffer
	stream.WriteString(sendstream.Magic)
	var ver [4]byte
	binary.LittleEndian.PutUint32(ver[:], 1)
	stream.Write(ver[:])
	encodeFrame(&stream, sendstream.CommandMkfile, mkfileBody.Bytes())
	encodeFrame(&stream, sendstream.CommandRename, renameBody.Bytes())
	encodeFrame(&stream, sendstream.CommandChmod, chmodBody.Bytes())
	encodeFrame(&stream, sendstream.CommandWrite, writeBody.Bytes())
	encodeFrame(&stream, sendstream.CommandEnd, nil)

	dec := sendstream.NewDecoder(&stream)
	s := changestream.NewStream(dec, "/childroot")
	changes := collectAll(t, s)

	require.Len(t, changes, 5)
	require.Equal(t, "tmp", changes[0].Path)
	require.IsType(t, changestream.Create{}, changes[0].Op)

	require.Equal(t, "tmp", changes[1].Path)
	rename, ok := changes[1].Op.(changestream.Rename)
	require.True(t, ok)
	require.Equal(t, "final", rename.To)

	require.Equal(t, "final", changes[2].Path)
	require.IsType(t, changestream.Chmod{}, changes[2].Op)

	require.Equal(t, "final", changes[3].Path)
	require.IsType(t, changestream.Contents{}, changes[3].Op)

	require.Equal(t, "final", changes[4].Path)
	require.IsType(t, changestream.Close{}, changes[4].Op)
}

func TestStreamContentsUsesChildPath(t *testing.T) {
	var body bytes.Buffer
	encodeAttr(&body, attrPath, []byte("file"))
	encodeU64Attr(&body, attrFileOffset, 0)
	encodeAttr(&body, attrData, []byte("hi"))

	var stream bytes.Buffer
	stream.WriteString(sendstream.Magic)
	var ver [4]byte
	binary.LittleEndian.PutUint32(ver[:], 1)
	stream.Write(ver[:])
	encodeFrame(&stream, sendstream.CommandWrite, body.Bytes())
	encodeFrame(&stream, sendstream.CommandEnd, nil)

	dec := sendstream.NewDecoder(&stream)
	s := changestream.NewStream(dec, "/childroot")
	changes := collectAll(t, s)

	require.Len(t, changes, 2)
	contents, ok := changes[0].Op.(changestream.Contents)
	require.True(t, ok)
	require.Equal(t, "/childroot/file", contents.ChildPath)
}
