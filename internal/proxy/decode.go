package proxy

import (
	"compress/flate"
	"errors"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// errUnsupportedEncoding marks a Content-Encoding the decode layer does not
// understand. It is returned before any body bytes are consumed, so callers
// can still relay the raw body untouched.
var errUnsupportedEncoding = errors.New("proxy: unsupported content encoding")

// decodeReader wraps body according to the upstream Content-Encoding so the
// rewrite layer always sees plain HTML. The cleanup func releases decoder
// state and must be called once the reader is drained.
func decodeReader(encoding string, body io.Reader) (io.Reader, func(), error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return body, func() {}, nil
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(body)
		if err != nil {
			return nil, nil, err
		}
		return zr, func() { zr.Close() }, nil
	case "deflate":
		fr := flate.NewReader(body)
		return fr, func() { fr.Close() }, nil
	case "br":
		return brotli.NewReader(body), func() {}, nil
	case "zstd":
		zr, err := zstd.NewReader(body)
		if err != nil {
			return nil, nil, err
		}
		return zr, zr.Close, nil
	default:
		return nil, nil, errUnsupportedEncoding
	}
}
