package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

const MaxFrameSize = 1 << 16

// Packet type values reserved inside the transport frame. The transport's
// own header is out of scope; these tags tell a receiver which decoder to
// hand the payload to.
const (
	PacketTopicMessage       = 0x10
	PacketAttestation        = 0x20
	PacketAttestationRequest = 0x21
)

// EncodeFrame wraps a typed payload in a 4-byte big-endian length frame for
// stream transports.
func EncodeFrame(packetType byte, payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty payload")
	}
	if 1+len(payload) > MaxFrameSize {
		return nil, fmt.Errorf("payload too large")
	}
	out := make([]byte, 4+1+len(payload))
	binary.BigEndian.PutUint32(out[:4], uint32(1+len(payload)))
	out[4] = packetType
	copy(out[5:], payload)
	return out, nil
}

// ReadFrame reads one frame and returns its packet type and payload.
func ReadFrame(r io.Reader) (byte, []byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n < 2 || n > MaxFrameSize {
		return 0, nil, fmt.Errorf("invalid frame size")
	}
	body := make([]byte, int(n))
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}
	return body[0], body[1:], nil
}

// WriteFrame frames and writes a typed payload, handling short writes.
func WriteFrame(w io.Writer, packetType byte, payload []byte) error {
	frame, err := EncodeFrame(packetType, payload)
	if err != nil {
		return err
	}
	total := 0
	for total < len(frame) {
		n, err := w.Write(frame[total:])
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("short write")
		}
		total += n
	}
	return nil
}
