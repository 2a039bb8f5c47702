package slimeproto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	// ErrShortPacket is returned when a datagram is smaller than its frame type requires.
	ErrShortPacket = errors.New("slimeproto: short packet")
	// ErrUnknownPacket is returned for packet types this package does not encode.
	ErrUnknownPacket = errors.New("slimeproto: unknown packet type")
)

// Frame is a decoded outbound frame. Only the fields relevant to Type are set.
type Frame struct {
	Type    PacketType
	Counter uint64

	TrackerID uint8

	// Rotation, in w, x, y, z order regardless of wire order.
	QW, QX, QY, QZ float32
	DataType       byte
	Calibration    byte

	// Acceleration
	AX, AY, AZ float32

	// Add tracker
	SensorStatus byte
	SensorType   byte

	// Handshake
	Firmware string
	MAC      string
}

// Decode parses a frame produced by one of the Encode functions. It is used
// by the simulated server and by tests; the bridge itself never decodes its
// own output.
func Decode(b []byte) (Frame, error) {
	if len(b) < headerLen {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrShortPacket, len(b))
	}
	f := Frame{
		Type:    PacketType(binary.BigEndian.Uint32(b[0:4])),
		Counter: binary.BigEndian.Uint64(b[4:12]),
	}
	body := b[headerLen:]

	need := func(n int) error {
		if len(b) < n {
			return fmt.Errorf("%w: %s needs %d bytes, got %d", ErrShortPacket, f.Type, n, len(b))
		}
		return nil
	}
	float := func(off int) float32 {
		return math.Float32frombits(binary.BigEndian.Uint32(body[off : off+4]))
	}

	switch f.Type {
	case PacketHandshake:
		fixed := handshakeZeroFields * 4
		if err := need(headerLen + fixed + 1); err != nil {
			return f, err
		}
		n := int(body[fixed])
		if err := need(headerLen + fixed + 1 + n + len(macPlaceholder)); err != nil {
			return f, err
		}
		f.Firmware = string(body[fixed+1 : fixed+1+n])
		f.MAC = string(body[fixed+1+n : fixed+1+n+len(macPlaceholder)])
	case PacketAddTracker:
		if err := need(AddTrackerLen); err != nil {
			return f, err
		}
		f.TrackerID, f.SensorStatus, f.SensorType = body[0], body[1], body[2]
	case PacketRotation:
		if err := need(RotationLen); err != nil {
			return f, err
		}
		f.TrackerID, f.DataType = body[0], body[1]
		f.QX = float(2)
		f.QZ = float(6)
		f.QY = float(10)
		f.QW = float(14)
		f.Calibration = body[18]
	case PacketAcceleration:
		if err := need(AccelerationLen); err != nil {
			return f, err
		}
		f.AX, f.AY, f.AZ = float(0), float(4), float(8)
		f.TrackerID = body[12]
	default:
		return f, fmt.Errorf("%w: %d", ErrUnknownPacket, uint32(f.Type))
	}
	return f, nil
}
