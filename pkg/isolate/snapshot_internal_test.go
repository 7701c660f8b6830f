//go:build linux

package isolate

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEphemeralSnapshotPathNamingConvention(t *testing.T) {
	p, err := ephemeralSnapshotPath("/var/lib/layers/base", 4242)
	require.NoError(t, err)
	require.Equal(t, "/var/lib/layers/.base.ephemeral.4242", p)
}

func TestEphemeralSnapshotPathRelative(t *testing.T) {
	p, err := ephemeralSnapshotPath("base", 1)
	require.NoError(t, err)
	require.Contains(t, p, ".base.ephemeral.1")
}
