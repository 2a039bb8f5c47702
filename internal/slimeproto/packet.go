// Package slimeproto encodes the binary UDP frames understood by the
// SlimeVR tracking server and recognises its handshake reply.
//
// Every frame starts with a 4-byte big-endian packet type followed by an
// 8-byte big-endian packet counter. The counter is supplied by the caller so
// that encoding stays free of side effects; see network.Link for the
// send-then-increment discipline.
package slimeproto

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"
)

// PacketType is the 4-byte header that identifies a frame.
type PacketType uint32

const (
	PacketHandshake    PacketType = 3
	PacketAcceleration PacketType = 4
	PacketAddTracker   PacketType = 15
	PacketRotation     PacketType = 17
)

func (t PacketType) String() string {
	switch t {
	case PacketHandshake:
		return "handshake"
	case PacketAcceleration:
		return "acceleration"
	case PacketAddTracker:
		return "add_tracker"
	case PacketRotation:
		return "rotation"
	default:
		return fmt.Sprintf("packet_%d", uint32(t))
	}
}

const (
	// FirmwareName is announced in the handshake.
	FirmwareName = "HaritoSlime"

	// AckMarker is the substring the server includes in its handshake reply.
	AckMarker = "Hey OVR =D"

	// RotationDataNormal is the data-type tag carried by rotation frames.
	RotationDataNormal byte = 1

	// SensorStatusOK and SensorTypeUnknown are sent in add-tracker frames.
	SensorStatusOK    byte = 0
	SensorTypeUnknown byte = 0

	handshakeTrailer byte = 0xFF
)

// macPlaceholder stands in for the device MAC address. The server only uses
// it to tell devices apart, and this bridge is always a single device.
var macPlaceholder = [6]byte{'1', '1', '1', '1', '1', '1'}

// handshakeZeroFields covers board type, IMU type, MCU type, the three IMU
// info words and the firmware build number.
const handshakeZeroFields = 7

const headerLen = 4 + 8

// Frame sizes in bytes.
var (
	HandshakeLen    = headerLen + handshakeZeroFields*4 + 1 + len(FirmwareName) + len(macPlaceholder) + 1
	AddTrackerLen   = headerLen + 3
	RotationLen     = headerLen + 1 + 1 + 4*4 + 1
	AccelerationLen = headerLen + 3*4 + 1
)

func appendHeader(b []byte, t PacketType, counter uint64) []byte {
	b = binary.BigEndian.AppendUint32(b, uint32(t))
	return binary.BigEndian.AppendUint64(b, counter)
}

func appendFloat(b []byte, f float32) []byte {
	return binary.BigEndian.AppendUint32(b, math.Float32bits(f))
}

// EncodeHandshake builds the device announcement frame.
func EncodeHandshake(counter uint64) []byte {
	b := make([]byte, 0, HandshakeLen)
	b = appendHeader(b, PacketHandshake, counter)
	for i := 0; i < handshakeZeroFields; i++ {
		b = binary.BigEndian.AppendUint32(b, 0)
	}
	b = append(b, byte(len(FirmwareName)))
	b = append(b, FirmwareName...)
	b = append(b, macPlaceholder[:]...)
	return append(b, handshakeTrailer)
}

// EncodeAddTracker builds the frame that registers an extra IMU under the
// device announced by the handshake.
func EncodeAddTracker(counter uint64, trackerID uint8) []byte {
	b := make([]byte, 0, AddTrackerLen)
	b = appendHeader(b, PacketAddTracker, counter)
	return append(b, trackerID, SensorStatusOK, SensorTypeUnknown)
}

// EncodeRotation builds a rotation frame. The quaternion is written in the
// server's axis order x, z, y, w.
func EncodeRotation(counter uint64, trackerID uint8, qw, qx, qy, qz float32) []byte {
	b := make([]byte, 0, RotationLen)
	b = appendHeader(b, PacketRotation, counter)
	b = append(b, trackerID, RotationDataNormal)
	b = appendFloat(b, qx)
	b = appendFloat(b, qz)
	b = appendFloat(b, qy)
	b = appendFloat(b, qw)
	// calibration accuracy, ignored by the server
	return append(b, 0)
}

// EncodeAcceleration builds an acceleration frame. The tracker id trails the
// vector in this frame type.
func EncodeAcceleration(counter uint64, trackerID uint8, ax, ay, az float32) []byte {
	b := make([]byte, 0, AccelerationLen)
	b = appendHeader(b, PacketAcceleration, counter)
	b = appendFloat(b, ax)
	b = appendFloat(b, ay)
	b = appendFloat(b, az)
	return append(b, trackerID)
}

// IsHandshakeAck reports whether a datagram received during discovery is the
// server's acknowledgement. Payloads that are not valid UTF-8 never match.
func IsHandshakeAck(b []byte) bool {
	if !utf8.Valid(b) {
		return false
	}
	return strings.Contains(string(b), AckMarker)
}
