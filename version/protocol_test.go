package version

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseProtocol(t *testing.T) {
	p, err := ParseProtocol(" 12.1")
	require.NoError(t, err)
	require.Equal(t, Protocol121, p)
	require.Equal(t, "12.1", p.String())

	_, err = ParseProtocol("twelve")
	require.ErrorIs(t, err, ErrInvalidProtocol)

	require.Equal(t, Protocol25, MustParseProtocol(""))
}

func TestProtocolCompare(t *testing.T) {
	require.True(t, Protocol140.AtLeast(Protocol121))
	require.True(t, Protocol121.AtLeast(Protocol121))
	require.False(t, Protocol120.AtLeast(Protocol121))
	require.True(t, Protocol120.AtLeast(Protocol25))
}

func TestNegotiate(t *testing.T) {
	p, err := Negotiate("2.0,2.1,2.5,12.0,12.1,14.0,14.1,16.0")
	require.NoError(t, err)
	require.Equal(t, Protocol140, p)

	p, err = Negotiate("12.0,2.5")
	require.NoError(t, err)
	require.Equal(t, Protocol120, p)

	_, err = Negotiate("1.0,2.0")
	require.ErrorIs(t, err, ErrNoCommonVersion)

	_, err = Negotiate("")
	require.ErrorIs(t, err, ErrNoCommonVersion)
}

func TestUserAgent(t *testing.T) {
	info := Info{Name: "airsync", Version: Version{Major: 1, Minor: 2, Patch: 3}}

	require.Equal(t, "airsync/01.02.03", info.UserAgent())
}
