package protocol

import (
	"errors"
	"fmt"
	"io"

	"github.com/libp2p/go-msgio"
)

// DefaultMaxFrameSize bounds the payload of a single frame.
const DefaultMaxFrameSize = 4 << 20

var ErrFrameTooLarge = errors.New("Frame exceeds the maximum frame size")

// FrameWriter writes length prefixed frames. Each frame is handed to the
// underlying writer in a single Write call.
type FrameWriter struct {
	w       msgio.Writer
	maxSize int
}

func NewFrameWriter(w io.Writer, maxSize int) *FrameWriter {
	if maxSize < 1 {
		maxSize = DefaultMaxFrameSize
	}

	return &FrameWriter{w: msgio.NewWriter(w), maxSize: maxSize}
}

// WriteFrame writes payload as one frame. Payloads the other side would
// refuse are rejected with ErrFrameTooLarge and nothing is written.
func (f *FrameWriter) WriteFrame(payload []byte) error {
	if err := CheckFrameSize(payload, f.maxSize); err != nil {
		return err
	}

	return f.w.WriteMsg(payload)
}

// CheckFrameSize returns ErrFrameTooLarge when payload does not fit in a
// frame of maxSize bytes.
func CheckFrameSize(payload []byte, maxSize int) error {
	if maxSize < 1 {
		maxSize = DefaultMaxFrameSize
	}

	if len(payload) > maxSize {
		return fmt.Errorf("Failed to write a %d byte frame, the maximum is %d: %w", len(payload), maxSize, ErrFrameTooLarge)
	}

	return nil
}

// FrameReader reads length prefixed frames.
//
// It must only be used from a single goroutine, like the connection read
// loop that owns it.
type FrameReader struct {
	r       msgio.Reader
	maxSize int
}

func NewFrameReader(r io.Reader, maxSize int) *FrameReader {
	if maxSize < 1 {
		maxSize = DefaultMaxFrameSize
	}

	return &FrameReader{
		r:       msgio.NewReaderSize(r, maxSize),
		maxSize: maxSize,
	}
}

// ReadFrame blocks until a full frame is available and returns its payload.
func (f *FrameReader) ReadFrame() ([]byte, error) {
	msg, err := f.r.ReadMsg()
	if err != nil {
		if errors.Is(err, msgio.ErrMsgTooLarge) {
			return nil, fmt.Errorf("Failed to read frame larger than %d bytes: %w", f.maxSize, ErrFrameTooLarge)
		}

		return nil, err
	}

	// The buffer belongs to msgio's pool
	payload := make([]byte, len(msg))
	copy(payload, msg)
	f.r.ReleaseMsg(msg)

	return payload, nil
}
