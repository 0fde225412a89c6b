package proxy

import (
	"bytes"
	"io"
	"net/http"

	"github.com/mcpmate/marketproxy/internal/rewrite"
)

// lookbackWindow is how many trailing bytes the streaming injector retains
// after the head tag has been handled. SSR frameworks flush markup in chunks
// that can split a tag across reads, and the window lets late sweeps see
// across those chunk seams.
const lookbackWindow = 256

// injectMode records where the style and shim tags landed in a response.
type injectMode string

const (
	injectAtHead   injectMode = "head"     // streamed, tags right after <head>
	injectLate     injectMode = "late"     // head never seen, fallback placement at EOF
	injectBuffered injectMode = "buffered" // whole-document rewrite path
)

var headTagBytes = []byte(rewrite.HeadTag)

// streamInject relays body to w unmodified except for one insertion: the
// style and script tags immediately after the first <head>. Bytes are
// buffered only until the head tag appears, then flushed eagerly with the
// trailing window held back. If the document has no head tag the whole body
// accumulates and the tags are placed by the buffered injection rules at EOF.
func streamInject(w http.ResponseWriter, body io.Reader, style, script string) (injectMode, error) {
	flusher, _ := w.(http.Flusher)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}

	var (
		buf      []byte
		injected bool
	)
	chunk := make([]byte, 32*1024)
	for {
		n, readErr := body.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if !injected {
				if idx := bytes.Index(buf, headTagBytes); idx >= 0 {
					at := idx + len(headTagBytes)
					if err := writeAll(w, buf[:at]); err != nil {
						return injectAtHead, err
					}
					if err := writeAll(w, []byte(style+script)); err != nil {
						return injectAtHead, err
					}
					buf = append(buf[:0], buf[at:]...)
					injected = true
					flush()
				}
			}
			if injected && len(buf) > lookbackWindow {
				cut := len(buf) - lookbackWindow
				if err := writeAll(w, buf[:cut]); err != nil {
					return injectAtHead, err
				}
				buf = append(buf[:0], buf[cut:]...)
				flush()
			}
		}
		if readErr == io.EOF {
			if !injected {
				out := rewrite.Inject(string(buf), style, script)
				if err := writeAll(w, []byte(out)); err != nil {
					return injectLate, err
				}
				flush()
				return injectLate, nil
			}
			if len(buf) > 0 {
				if err := writeAll(w, buf); err != nil {
					return injectAtHead, err
				}
			}
			flush()
			return injectAtHead, nil
		}
		if readErr != nil {
			return injectAtHead, readErr
		}
	}
}

func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}
