package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// LengthSize is the size of the frame length prefix.
const LengthSize = 4

var (
	// ErrFrameTooLarge is returned when a frame exceeds the maximum size
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")

	// ErrInvalidFrame is returned when a frame is malformed
	ErrInvalidFrame = errors.New("invalid frame")
)

// Transfer bodies are a sequence of frames:
//
//	Length  [4 bytes] - payload length (big-endian)
//	Payload [Length bytes]
//
// A clean EOF between frames ends the stream.

// FrameReader reads length-prefixed frames from an io.Reader.
type FrameReader struct {
	r      io.Reader
	max    int
	header [LengthSize]byte
}

// NewFrameReader creates a FrameReader that rejects frames larger than max.
func NewFrameReader(r io.Reader, max int) *FrameReader {
	return &FrameReader{r: r, max: max}
}

// ReadFrame reads the next frame. It returns io.EOF at a clean end of
// stream and io.ErrUnexpectedEOF when the stream stops inside a frame.
func (fr *FrameReader) ReadFrame() ([]byte, error) {
	if _, err := io.ReadFull(fr.r, fr.header[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(fr.header[:])
	if length == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrInvalidFrame)
	}
	if int64(length) > int64(fr.max) {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, length, fr.max)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}

// Next implements the chunk reader contract used by transfer pipelines.
func (fr *FrameReader) Next() ([]byte, error) {
	return fr.ReadFrame()
}

// FrameWriter writes length-prefixed frames to an io.Writer.
type FrameWriter struct {
	w   io.Writer
	max int
}

// NewFrameWriter creates a FrameWriter that refuses frames larger than max.
func NewFrameWriter(w io.Writer, max int) *FrameWriter {
	return &FrameWriter{w: w, max: max}
}

// WriteFrame writes one frame.
func (fw *FrameWriter) WriteFrame(payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: empty frame", ErrInvalidFrame)
	}
	if len(payload) > fw.max {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(payload), fw.max)
	}

	buf := make([]byte, LengthSize+len(payload))
	binary.BigEndian.PutUint32(buf[:LengthSize], uint32(len(payload)))
	copy(buf[LengthSize:], payload)

	_, err := fw.w.Write(buf)
	return err
}

// Write implements io.Writer; each call produces one frame.
func (fw *FrameWriter) Write(p []byte) (int, error) {
	if err := fw.WriteFrame(p); err != nil {
		return 0, err
	}
	return len(p), nil
}
