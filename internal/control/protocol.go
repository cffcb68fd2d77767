// Package control implements the local control channel of a running guard.
package control

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Wire protocol message types for the control client <-> guard channel.
// Frame format: [1 byte type][4 bytes length big-endian][payload]
const (
	MsgSetPolicy   = byte(0x01) // client -> guard: JSON policyRequest
	MsgStatus      = byte(0x02) // client -> guard: empty
	MsgStats       = byte(0x03) // client -> guard: empty
	MsgOK          = byte(0x10) // guard -> client: JSON policyReply
	MsgStatusReply = byte(0x11) // guard -> client: JSON guard.Status
	MsgStatsReply  = byte(0x12) // guard -> client: Prometheus text
	MsgError       = byte(0x1f) // guard -> client: error message
)

// ErrUnknownMessage is returned for frames with an unexpected type.
var ErrUnknownMessage = errors.New("unknown message type")

// headerSize is the size of the frame header: 1 byte type + 4 bytes length.
const headerSize = 5

// maxPayload bounds a single frame. Policies are small; 16 MiB is plenty.
const maxPayload = 16 << 20

type policyRequest struct {
	Names []string `json:"names"`
}

type policyReply struct {
	Count int `json:"count"`
}

// MakeFrame constructs a wire protocol frame from a message type and payload.
func MakeFrame(msgType byte, payload []byte) []byte {
	frame := make([]byte, headerSize+len(payload))
	frame[0] = msgType
	binary.BigEndian.PutUint32(frame[1:5], uint32(len(payload)))
	copy(frame[headerSize:], payload)
	return frame
}

// WriteFrame writes one frame to w.
func WriteFrame(w io.Writer, msgType byte, payload []byte) error {
	if len(payload) > maxPayload {
		return fmt.Errorf("frame payload too large: %d bytes", len(payload))
	}
	_, err := w.Write(MakeFrame(msgType, payload))
	return err
}

// ReadFrame reads a single wire protocol frame from the reader, returning
// the message type and payload. Returns io.EOF if the connection is closed.
func ReadFrame(r io.Reader) (msgType byte, payload []byte, err error) {
	header := make([]byte, headerSize)
	if _, err = io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}
	msgType = header[0]
	length := binary.BigEndian.Uint32(header[1:5])
	if length > maxPayload {
		return 0, nil, fmt.Errorf("frame payload too large: %d bytes", length)
	}

	payload = make([]byte, length)
	if length > 0 {
		if _, err = io.ReadFull(r, payload); err != nil {
			return 0, nil, err
		}
	}
	return msgType, payload, nil
}
