package bytesize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		input    string
		expected int64
	}{
		{"1024", 1024},
		{"1KB", 1024},
		{"1 KB", 1024},
		{"1000MB", 1000 * MB},
		{"1.5GB", int64(1.5 * float64(GB))},
		{"2TB", 2 * TB},
		{"500mb", 500 * MB},
		{"0", 0},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := Parse(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestParseInvalid(t *testing.T) {
	for _, input := range []string{"", "abc", "12XB", "-5MB", "MB"} {
		t.Run(input, func(t *testing.T) {
			_, err := Parse(input)
			assert.Error(t, err)
		})
	}
}

func TestMustParsePanics(t *testing.T) {
	assert.Panics(t, func() { MustParse("bogus") })
}

func TestToMB(t *testing.T) {
	assert.Equal(t, 1.0, ToMB(MB))
	assert.Equal(t, 0.5, ToMB(512*KB))
	assert.Equal(t, 1024.0, ToMB(GB))
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "0 B", Format(0))
	assert.Equal(t, "512 B", Format(512))
	assert.Equal(t, "1.00 KB", Format(KB))
	assert.Equal(t, "1.50 MB", Format(int64(1.5*float64(MB))))
	assert.Equal(t, "2.00 GB", Format(2*GB))
}

func TestFormatMB(t *testing.T) {
	assert.Equal(t, "600.00 MB", FormatMB(600))
	assert.Equal(t, "0.25 MB", FormatMB(0.25))
}
