package pagination

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	ts := time.Date(2026, 4, 18, 20, 0, 0, 123, time.UTC)

	c, err := Decode(Encode(ts, "pi_3Nabc"))
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, ts, c.CreatedAt)
	assert.Equal(t, "pi_3Nabc", c.ID)
}

func TestDecode_FirstPage(t *testing.T) {
	c, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, c)
}

func TestDecode_Invalid(t *testing.T) {
	for _, s := range []string{
		"@@@",
		base64.RawURLEncoding.EncodeToString([]byte("nopipe")),
		base64.RawURLEncoding.EncodeToString([]byte("notanumber|pi_1")),
		base64.RawURLEncoding.EncodeToString([]byte("1700000000|")),
	} {
		_, err := Decode(s)
		assert.ErrorIs(t, err, ErrInvalidCursor, s)
	}
}

func TestCursorPrecedes(t *testing.T) {
	ts := time.Date(2026, 4, 18, 20, 0, 0, 0, time.UTC)
	c := &Cursor{CreatedAt: ts, ID: "pi_b"}

	assert.True(t, c.Precedes(ts.Add(time.Nanosecond), "pi_a"))
	assert.True(t, c.Precedes(ts, "pi_c"), "same instant, larger id")
	assert.False(t, c.Precedes(ts, "pi_b"), "the cursor row itself")
	assert.False(t, c.Precedes(ts, "pi_a"))
	assert.False(t, c.Precedes(ts.Add(-time.Second), "pi_z"))
}

func TestComputePage(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	key := func(s string) (time.Time, string) { return ts, s }

	items, next, more := ComputePage([]string{"a", "b", "c"}, 3, key)
	assert.Len(t, items, 3)
	assert.Empty(t, next)
	assert.False(t, more)

	items, next, more = ComputePage([]string{"a", "b", "c", "d"}, 3, key)
	assert.Equal(t, []string{"a", "b", "c"}, items)
	assert.True(t, more)

	c, err := Decode(next)
	require.NoError(t, err)
	assert.Equal(t, "c", c.ID)
}
