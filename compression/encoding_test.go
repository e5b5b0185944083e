package compression

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "", want: Identity},
		{in: "identity", want: Identity},
		{in: " ZSTD", want: Zstd},
		{in: "gzip", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Normalize(tt.in)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrUnsupportedEncoding)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestZstdRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("chunked upload payload "), 4096)

	encoded, err := Encode(Zstd, payload, 3)
	require.NoError(t, err)
	assert.Less(t, len(encoded), len(payload))

	dec, err := NewDecoder(Zstd, bytes.NewReader(encoded))
	require.NoError(t, err)
	defer dec.Close()

	decoded, err := io.ReadAll(dec)
	require.NoError(t, err)
	assert.Equal(t, payload, decoded)
}

func TestIdentityPassesThrough(t *testing.T) {
	encoded, err := EncodeReader(Identity, strings.NewReader("plain"), 0)
	require.NoError(t, err)
	assert.Equal(t, "plain", string(encoded))

	dec, err := NewDecoder("", strings.NewReader("plain"))
	require.NoError(t, err)
	decoded, err := io.ReadAll(dec)
	require.NoError(t, err)
	assert.Equal(t, "plain", string(decoded))
}

func TestNewDecoder_MalformedPayload(t *testing.T) {
	dec, err := NewDecoder(Zstd, strings.NewReader("definitely not zstd"))
	require.NoError(t, err)
	defer dec.Close()

	_, err = io.ReadAll(dec)
	require.ErrorIs(t, err, ErrMalformedPayload)
}
