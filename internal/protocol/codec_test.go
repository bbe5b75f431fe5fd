package protocol

import (
	"bytes"
	"errors"
	"testing"
)

// TestEncodeDecode verifies that frames survive the codec for every topic,
// including binary and empty payloads.
func TestEncodeDecode(t *testing.T) {
	testCases := []struct {
		name  string
		frame *Frame
	}{
		{"binary doc update", &Frame{Topic: TopicDocUpdate, Payload: []byte{0x00, 0x85, 0x6f, 0x4a, 0xff}}},
		{"json whiteboard", &Frame{Topic: TopicWhiteboard, Payload: []byte(`{"type":"clear"}`)}},
		{"empty payload", &Frame{Topic: TopicDocSyncRequest, Payload: []byte{}}},
		{"nil payload", &Frame{Topic: TopicReactions}},
		{"large payload", &Frame{Topic: TopicDocSyncResponse, Payload: make([]byte, 64*1024)}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			encoded, err := Encode(tc.frame)
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}

			decoded, err := Decode(encoded)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}

			if decoded.Topic != tc.frame.Topic {
				t.Errorf("Topic mismatch: got %q, want %q", decoded.Topic, tc.frame.Topic)
			}
			if !bytes.Equal(decoded.Payload, tc.frame.Payload) {
				t.Errorf("Payload mismatch: got %d bytes, want %d bytes", len(decoded.Payload), len(tc.frame.Payload))
			}
		})
	}
}

// TestEncodeRejects verifies the encoder's pre-checks.
func TestEncodeRejects(t *testing.T) {
	if _, err := Encode(&Frame{Payload: []byte("x")}); !errors.Is(err, ErrMissingTopic) {
		t.Errorf("expected ErrMissingTopic, got %v", err)
	}

	big := &Frame{Topic: TopicDocSyncResponse, Payload: make([]byte, MaxFrameSize+1)}
	if _, err := Encode(big); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("expected ErrFrameTooLarge, got %v", err)
	}
}

// TestDecodeMalformed verifies that garbage input is reported as an error
// rather than producing a frame.
func TestDecodeMalformed(t *testing.T) {
	testCases := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", []byte{}, ErrEmptyFrame},
		{"nil", nil, ErrEmptyFrame},
		{"truncated map", []byte{0x82, 0xa1, 't'}, nil},
		{"not a map", []byte{0xc3}, nil},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f, err := Decode(tc.data)
			if err == nil {
				t.Fatalf("expected error, got frame %+v", f)
			}
			if tc.want != nil && !errors.Is(err, tc.want) {
				t.Errorf("expected %v, got %v", tc.want, err)
			}
		})
	}
}
