package mcp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "-"},
		{250 * time.Millisecond, "250ms"},
		{1500 * time.Millisecond, "1.5s"},
		{90 * time.Second, "1m30s"},
		{2*time.Hour + 5*time.Minute, "2h05m"},
		{50 * time.Hour, "2d02h"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatDuration(tt.in), tt.in.String())
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
	// flags are two runes each but one character
	assert.Equal(t, "\U0001F1EC\U0001F1E7...", truncate("\U0001F1EC\U0001F1E7\U0001F1EB\U0001F1F7\U0001F1E9\U0001F1EA\U0001F1EE\U0001F1F9\U0001F1EA\U0001F1F8", 4))
}

func TestWrapText(t *testing.T) {
	assert.Equal(t, "read a file\nfrom disk", wrapText("read a file from disk", 12))
	assert.Empty(t, wrapText("   ", 10))
}

func TestParseKeyValues(t *testing.T) {
	got, err := parseKeyValues([]string{"name=world", "greeting=a=b"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"name": "world", "greeting": "a=b"}, got)

	_, err = parseKeyValues([]string{"novalue"})
	assert.ErrorContains(t, err, "expected key=value")
}
