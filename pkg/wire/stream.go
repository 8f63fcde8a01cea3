package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrFrameTooLarge is returned when a length prefix exceeds the read limit
var ErrFrameTooLarge = errors.New("frame too large")

// WriteFrame writes f as a 4 byte big-endian length followed by its CBOR
// encoding
func WriteFrame(w io.Writer, f *BaseFrame) error {
	data, err := f.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal %s frame: %w", KindName(f.Kind), err)
	}

	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(data)))
	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("failed to write frame length: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame of at most maxSize bytes
func ReadFrame(r io.Reader, maxSize int) (*BaseFrame, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, fmt.Errorf("failed to read frame length: %w", err)
	}

	size := binary.BigEndian.Uint32(prefix[:])
	if int64(size) > int64(maxSize) {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, size, maxSize)
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("failed to read frame: %w", err)
	}

	var f BaseFrame
	if err := f.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	return &f, nil
}
