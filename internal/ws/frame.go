package ws

import (
	"bytes"
	"errors"
	"io"

	"github.com/gobwas/ws"
)

var errFrameTooLarge = errors.New("ws: frame too large")

// frameReader reads client frames across readiness events. A read deadline
// may fire in the middle of a frame; the bytes read so far are kept and the
// frame resumes on the next call, so the stream never loses its framing.
type frameReader struct {
	src io.Reader

	head    []byte // header bytes read so far
	header  ws.Header
	payload []byte
	n       int  // payload bytes read so far
	inFrame bool // header complete, payload pending
}

// next returns the next complete frame, still masked. Frames longer than
// limit fail with errFrameTooLarge before their payload is read.
func (r *frameReader) next(limit int64) (ws.Header, []byte, error) {
	if !r.inFrame {
		seen := r.head
		rec := &recordingReader{src: r.src, buf: &r.head}
		h, err := ws.ReadHeader(io.MultiReader(bytes.NewReader(seen), rec))
		if err != nil {
			return ws.Header{}, nil, err
		}
		r.head = r.head[:0]
		if h.Length > limit {
			return h, nil, errFrameTooLarge
		}
		r.header, r.payload, r.n, r.inFrame = h, make([]byte, h.Length), 0, true
	}

	n, err := io.ReadFull(r.src, r.payload[r.n:])
	r.n += n
	if err != nil {
		return ws.Header{}, nil, err
	}

	h, p := r.header, r.payload
	r.header, r.payload, r.n, r.inFrame = ws.Header{}, nil, 0, false
	return h, p, nil
}

// recordingReader appends everything read from src to buf.
type recordingReader struct {
	src io.Reader
	buf *[]byte
}

func (r *recordingReader) Read(p []byte) (int, error) {
	n, err := r.src.Read(p)
	*r.buf = append(*r.buf, p[:n]...)
	return n, err
}
