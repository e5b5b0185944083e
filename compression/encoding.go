// Package compression implements the optional transfer encodings of chunk payloads.
package compression

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// Supported chunk encodings.
const (
	Identity = "identity"
	Zstd     = "zstd"
)

var (
	// ErrUnsupportedEncoding is returned for encodings other than Identity and Zstd.
	ErrUnsupportedEncoding = errors.New("unsupported chunk encoding")
	// ErrMalformedPayload is returned when a compressed payload cannot be decoded.
	ErrMalformedPayload = errors.New("malformed compressed payload")
)

// Normalize maps an encoding name to one of the supported constants. An empty
// name means Identity.
func Normalize(encoding string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", Identity:
		return Identity, nil
	case Zstd:
		return Zstd, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedEncoding, encoding)
	}
}

// NewDecoder wraps r so that reading yields the decoded payload.
func NewDecoder(encoding string, r io.Reader) (io.ReadCloser, error) {
	enc, err := Normalize(encoding)
	if err != nil {
		return nil, err
	}

	if enc == Identity {
		return io.NopCloser(r), nil
	}

	dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("create zstd reader: %w", err)
	}
	return &decodeReader{rc: dec.IOReadCloser()}, nil
}

// Encode compresses data with the given encoding. level follows the zstd
// command line scale (1-22); zero selects the library default.
func Encode(encoding string, data []byte, level int) ([]byte, error) {
	enc, err := Normalize(encoding)
	if err != nil {
		return nil, err
	}

	if enc == Identity {
		return data, nil
	}

	opts := []zstd.EOption{zstd.WithEncoderConcurrency(1)}
	if level > 0 {
		opts = append(opts, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	}
	w, err := zstd.NewWriter(nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("create zstd writer: %w", err)
	}
	defer w.Close() //nolint:errcheck

	return w.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
}

// EncodeReader compresses everything read from r.
func EncodeReader(encoding string, r io.Reader, level int) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	return Encode(encoding, buf.Bytes(), level)
}

type decodeReader struct {
	rc io.ReadCloser
}

func (d *decodeReader) Read(p []byte) (int, error) {
	n, err := d.rc.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return n, err
}

func (d *decodeReader) Close() error {
	return d.rc.Close()
}
