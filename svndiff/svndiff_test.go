package svndiff

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTripSelfDelta(t *testing.T) {
	target := []byte("the quick brown fox jumps over the lazy dog")
	encoded := Encode(Version1, nil, target)
	got, err := Decode(nil, encoded)
	require.NoError(t, err)
	assert.Equal(t, target, got)
}

func TestEncodeDecodeRoundTripAgainstBase(t *testing.T) {
	source := []byte(strings.Repeat("the quick brown fox jumps over the lazy dog\n", 4))
	target := append(append([]byte{}, source...), []byte("one more line appended\n")...)

	encoded := Encode(Version1, source, target)
	got, err := Decode(source, encoded)
	require.NoError(t, err)
	assert.Equal(t, target, got)

	// An append-heavy delta should be meaningfully smaller than the
	// full target it reconstructs.
	assert.Less(t, len(encoded), len(target))
}

func TestEncodeDecodeEmptyTarget(t *testing.T) {
	encoded := Encode(Version0, nil, nil)
	got, err := Decode(nil, encoded)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	_, err := Decode(nil, []byte("not a valid window"))
	assert.Error(t, err)
}

func TestDecodeRejectsTruncatedSource(t *testing.T) {
	source := []byte("0123456789abcdef0123456789abcdef")
	target := append(append([]byte{}, source...), []byte("tail")...)
	encoded := Encode(Version1, source, target)

	_, err := Decode(source[:4], encoded)
	assert.Error(t, err)
}

func TestDecodeDetectsLengthMismatch(t *testing.T) {
	encoded := Encode(Version1, nil, []byte("hello world"))
	// Truncate the trailing new-data bytes, so the window holds fewer
	// bytes than its header's new-data length says and Decode fails.
	truncated := encoded[:len(encoded)-3]
	_, err := Decode(nil, truncated)
	assert.Error(t, err)
}

func TestEncodeVersionByteRoundTrips(t *testing.T) {
	encoded := Encode(Version0, nil, []byte("x"))
	assert.True(t, bytes.HasPrefix(encoded, []byte("SVN")))
	assert.Equal(t, byte(Version0), encoded[3])
}
