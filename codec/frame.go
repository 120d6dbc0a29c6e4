package codec

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/BaSui01/mcpflow/types"
)

// MaxFrameSize caps a single frame body. Larger payloads belong in
// TaskInput file references, not inline envelopes.
const MaxFrameSize = 16 << 20

// FrameWriter writes length-prefixed (u32 big-endian) frames.
type FrameWriter struct {
	w *bufio.Writer
}

// NewFrameWriter wraps w with frame encoding.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: bufio.NewWriter(w)}
}

// WriteFrame writes one frame and flushes.
func (fw *FrameWriter) WriteFrame(body []byte) error {
	if len(body) > MaxFrameSize {
		return types.NewError(types.ErrMalformedMessage, "frame exceeds max size")
	}
	var lenbuf [4]byte
	binary.BigEndian.PutUint32(lenbuf[:], uint32(len(body)))
	if _, err := fw.w.Write(lenbuf[:]); err != nil {
		return err
	}
	if _, err := fw.w.Write(body); err != nil {
		return err
	}
	return fw.w.Flush()
}

// FrameReader reads length-prefixed (u32 big-endian) frames.
type FrameReader struct {
	r *bufio.Reader
}

// NewFrameReader wraps r with frame decoding.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReader(r)}
}

// ReadFrame reads one frame body. io.EOF indicates a clean close;
// io.ErrUnexpectedEOF indicates a truncated frame.
func (fr *FrameReader) ReadFrame() ([]byte, error) {
	var lenbuf [4]byte
	if _, err := io.ReadFull(fr.r, lenbuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenbuf[:])
	if n > MaxFrameSize {
		return nil, types.NewError(types.ErrMalformedMessage, "frame exceeds max size")
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(fr.r, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return body, nil
}
