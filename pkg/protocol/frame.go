package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

// MaxFrameSize is the default maximum payload size (64 KB)
const MaxFrameSize = 64 * 1024

var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// Stream transports carry one JSON payload per line. JSON encoding never
// emits a raw newline, so '\n' is an unambiguous terminator.

// EncodeFrame writes payload followed by a newline in a single Write.
func EncodeFrame(w io.Writer, payload []byte) error {
	buf := make([]byte, 0, len(payload)+1)
	buf = append(buf, payload...)
	buf = append(buf, '\n')
	_, err := w.Write(buf)
	return err
}

// DecodeFrame reads the next newline-terminated payload, without the line
// terminator. A final unterminated line before EOF is returned as a frame.
// Payloads larger than maxSize yield ErrFrameTooLarge; the stream is then
// out of sync and the caller should close it.
func DecodeFrame(r *bufio.Reader, maxSize int) ([]byte, error) {
	if maxSize <= 0 {
		maxSize = MaxFrameSize
	}

	var buf []byte
	for {
		chunk, err := r.ReadSlice('\n')
		buf = append(buf, chunk...)
		if len(buf) > maxSize+2 {
			return nil, ErrFrameTooLarge
		}
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) && len(bytes.TrimSpace(buf)) > 0 {
			break
		}
		return nil, err
	}

	payload := bytes.TrimRight(buf, "\r\n")
	if len(payload) > maxSize {
		return nil, ErrFrameTooLarge
	}
	return payload, nil
}
