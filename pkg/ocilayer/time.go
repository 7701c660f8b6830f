package ocilayer

import (
	"os"
	"syscall"
	"time"
)

// timeFromUnix is a thin wrapper so FixedMtime only needs converting to a
// time.Time once, at the one place it's actually used by archive/tar.
type timeFromUnix int64

func (t timeFromUnix) toTime() time.Time {
	return time.Unix(int64(t), 0).UTC()
}

type ownership struct{ uid, gid int }

// statOwner extracts uid/gid from a FileInfo on platforms that expose
// them via syscall.Stat_t (every platform this package targets; it's
// Linux-only via its btrfs/namespace callers anyway).
func statOwner(info os.FileInfo) (ownership, bool) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return ownership{}, false
	}
	return ownership{uid: int(st.Uid), gid: int(st.Gid)}, true
}
