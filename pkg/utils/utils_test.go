package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func TestEncodeDecode(t *testing.T) {
	encoded, err := Encode(sample{Type: "offer", SDP: "v=0"})
	require.NoError(t, err)

	decoded, err := Decode[sample](encoded)
	require.NoError(t, err)
	assert.Equal(t, sample{Type: "offer", SDP: "v=0"}, decoded)

	_, err = Decode[sample]("")
	assert.Error(t, err)
	_, err = Decode[sample]("!!not base64!!")
	assert.Error(t, err)
}

func TestGenerateCode(t *testing.T) {
	code, err := GenerateCode(8)
	require.NoError(t, err)
	assert.Len(t, code, 8)
	assert.Regexp(t, `^[A-Za-z0-9]{8}$`, code)
}

func TestSanitizeFilename(t *testing.T) {
	name, err := SanitizeFilename("images/debian.iso")
	require.NoError(t, err)
	assert.Equal(t, "debian.iso", name)

	for _, bad := range []string{"../etc/passwd", "/etc/passwd", ".", "a/../../b"} {
		_, err := SanitizeFilename(bad)
		assert.ErrorIs(t, err, ErrInvalidFilename, bad)
	}
}

func TestFormatting(t *testing.T) {
	assert.Equal(t, "4.1 kB", FormatFileSize(4096))
	assert.Equal(t, "0 B/s", FormatRate(0))
	assert.Equal(t, "1.0 MB/s", FormatRate(1e6))
}
