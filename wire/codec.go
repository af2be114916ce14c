package wire

import (
	"bytes"
	"fmt"
	"io"
	"unicode/utf8"
)

// MaxFrameSize is the longest frame a Decoder accepts, terminator included.
const MaxFrameSize = 64 * 1024

const readBufferSize = 4096

var terminator = []byte("\r\n")

// Encode serializes the message into a self-delimited frame.
func Encode(msg Message) []byte {
	s := Marshal(msg)

	frame := make([]byte, 0, len(s)+len(terminator))
	frame = append(frame, s...)
	frame = append(frame, terminator...)

	return frame
}

// Decoder splits an accumulating byte stream into frames. The zero value is
// ready to use. It is not safe for concurrent use.
type Decoder struct {
	buf []byte
}

// Feed appends data received from the stream.
func (d *Decoder) Feed(data []byte) {
	d.buf = append(d.buf, data...)
}

// Buffered returns the number of bytes waiting for a terminator.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Next extracts at most one complete frame from the buffer. It returns a nil
// message and a nil error if the terminator has not arrived yet. Trailing
// bytes stay buffered until the next call.
func (d *Decoder) Next() (Message, error) {
	i := bytes.IndexByte(d.buf, '\n')
	if i < 0 {
		if len(d.buf) >= MaxFrameSize {
			return nil, fmt.Errorf("%w: no terminator within %d bytes", ErrFraming, MaxFrameSize)
		}

		return nil, nil
	}

	if i+1 > MaxFrameSize {
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds the limit", ErrFraming, i+1)
	}

	line := bytes.TrimSuffix(d.buf[:i], []byte{'\r'})

	d.buf = d.buf[i+1:]
	if len(d.buf) == 0 {
		d.buf = nil
	}

	if !utf8.Valid(line) {
		return nil, fmt.Errorf("%w: payload is not valid utf-8", ErrFraming)
	}

	return Unmarshal(string(line))
}

// Reader reads messages from a byte stream one by one.
type Reader struct {
	src io.Reader
	dec Decoder
	buf []byte
	err error
}

func NewReader(src io.Reader) *Reader {
	return &Reader{
		src: src,
		buf: make([]byte, readBufferSize),
	}
}

// Read blocks until a complete message is decoded or the stream fails. Frames
// that arrived together with a stream error are still returned before the error.
func (r *Reader) Read() (Message, error) {
	for {
		msg, err := r.dec.Next()
		if err != nil {
			return nil, err
		}

		if msg != nil {
			return msg, nil
		}

		if r.err != nil {
			return nil, r.err
		}

		n, err := r.src.Read(r.buf)
		if n > 0 {
			r.dec.Feed(r.buf[:n])
		}

		if err != nil {
			r.err = err
		}
	}
}

// Write encodes the message and writes the frame to w.
func Write(w io.Writer, msg Message) error {
	if _, err := w.Write(Encode(msg)); err != nil {
		return err
	}

	return nil
}
