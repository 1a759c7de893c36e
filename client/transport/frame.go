package transport

import (
	"errors"
	"fmt"
)

const (
	frameHeaderLen = 3

	// MaxFrameSize is the largest payload that fits in a frame.
	MaxFrameSize = 1<<24 - 1
)

var errFrameTooLarge = errors.New("frame too large")

// appendFrame appends the frame of payload to b: a 3 byte big endian length
// followed by the payload.
func appendFrame(b, payload []byte) ([]byte, error) {
	if len(payload) > MaxFrameSize {
		return b, fmt.Errorf("%w: %d bytes", errFrameTooLarge, len(payload))
	}
	l := len(payload)
	b = append(b, byte(l>>16), byte(l>>8), byte(l))
	return append(b, payload...), nil
}

// frameReader splits the received bytes into frames. Frames may span
// multiple websocket messages and a message may carry multiple frames.
type frameReader struct {
	buf []byte
}

// push adds received data.
func (fr *frameReader) push(data []byte) {
	fr.buf = append(fr.buf, data...)
}

// next returns the next complete frame, if there is one.
func (fr *frameReader) next() ([]byte, bool) {
	if len(fr.buf) < frameHeaderLen {
		return nil, false
	}
	l := int(fr.buf[0])<<16 | int(fr.buf[1])<<8 | int(fr.buf[2])
	if len(fr.buf) < frameHeaderLen+l {
		return nil, false
	}
	frame := make([]byte, l)
	copy(frame, fr.buf[frameHeaderLen:frameHeaderLen+l])
	fr.buf = fr.buf[frameHeaderLen+l:]
	if len(fr.buf) == 0 {
		fr.buf = nil
	}
	return frame, true
}
