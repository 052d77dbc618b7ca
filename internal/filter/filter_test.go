package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdmitDefaults(t *testing.T) {
	s, err := New(nil, nil, 0, 0)
	require.NoError(t, err)
	assert.True(t, s.Admit("scan.svs", 0))
	assert.True(t, s.Admit("anything", 1<<40))
}

func TestAdmitIncludeList(t *testing.T) {
	s, err := New([]string{"*.svs", "*.dcm"}, nil, 0, 0)
	require.NoError(t, err)
	assert.True(t, s.Admit("case-104.svs", 10))
	assert.True(t, s.Admit("frame.dcm", 10))
	assert.False(t, s.Admit("notes.txt", 10))
	assert.False(t, s.Admit("case-104.svs.partial", 10))
}

func TestAdmitExcludeWins(t *testing.T) {
	s, err := New([]string{"*"}, []string{".*", "*.tmp", "~*"}, 0, 0)
	require.NoError(t, err)
	assert.False(t, s.Admit(".hidden", 10))
	assert.False(t, s.Admit("upload.tmp", 10))
	assert.False(t, s.Admit("~lockfile", 10))
	assert.True(t, s.Admit("scan.svs", 10))
}

func TestAdmitSizeBounds(t *testing.T) {
	s, err := New(nil, nil, 1024, 1<<20)
	require.NoError(t, err)
	assert.False(t, s.Admit("small.svs", 1023))
	assert.True(t, s.Admit("ok.svs", 1024))
	assert.True(t, s.Admit("ok.svs", 1<<20))
	assert.False(t, s.Admit("big.svs", 1<<20+1))
}

func TestNewRejectsBadPattern(t *testing.T) {
	_, err := New([]string{"[unclosed"}, nil, 0, 0)
	require.Error(t, err)
	_, err = New(nil, []string{"ok", "[also-unclosed"}, 0, 0)
	require.Error(t, err)
}

func TestParseSize(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"0", 0},
		{"512", 512},
		{"512B", 512},
		{"1K", 1024},
		{"1k", 1024},
		{" 64K ", 64 * 1024},
		{"100M", 100 << 20},
		{"2G", 2 << 30},
		{"1T", 1 << 40},
		{"1.5G", 1<<30 + 1<<29},
	}
	for _, tc := range cases {
		got, err := ParseSize(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}

	for _, in := range []string{"", "K", "12X", "-5", "-1K", "abc"} {
		_, err := ParseSize(in)
		assert.Error(t, err, in)
	}
}
