package bluetooth

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeAddress(t *testing.T) {
	got, err := NormalizeAddress(" aa:bb:cc:dd:ee:0f ")
	require.NoError(t, err)
	require.Equal(t, "AA:BB:CC:DD:EE:0F", got)

	got, err = NormalizeAddress("aa-bb-cc-dd-ee-0f")
	require.NoError(t, err)
	require.Equal(t, "AA:BB:CC:DD:EE:0F", got)

	for _, bad := range []string{"", "bob", "aa:bb:cc:dd:ee", "00:00:5e:00:53:01:02:03"} {
		_, err := NormalizeAddress(bad)
		require.ErrorIs(t, err, ErrBadAddress, bad)
	}
}

func TestSocketAddressIsLittleEndian(t *testing.T) {
	b, err := addressBytes("01:02:03:04:05:06")
	require.NoError(t, err)
	require.Equal(t, [6]uint8{6, 5, 4, 3, 2, 1}, b)
	require.Equal(t, "01:02:03:04:05:06", formatAddressBytes(b))
}
