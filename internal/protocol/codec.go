package protocol

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

var (
	ErrEmptyFrame    = errors.New("empty frame")
	ErrMissingTopic  = errors.New("frame without topic")
	ErrFrameTooLarge = errors.New("frame too large")
)

// Encode serializes a Frame into a byte slice for DataChannel transmission.
func Encode(f *Frame) ([]byte, error) {
	if f.Topic == "" {
		return nil, ErrMissingTopic
	}
	data, err := msgpack.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode frame %q: %w", f.Topic, err)
	}
	if len(data) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes on %q (max %d)", ErrFrameTooLarge, len(data), f.Topic, MaxFrameSize)
	}
	return data, nil
}

// Decode deserializes a byte slice into a Frame.
func Decode(data []byte) (*Frame, error) {
	if len(data) == 0 {
		return nil, ErrEmptyFrame
	}
	var f Frame
	if err := msgpack.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode frame (%d bytes): %w", len(data), err)
	}
	if f.Topic == "" {
		return nil, ErrMissingTopic
	}
	return &f, nil
}
