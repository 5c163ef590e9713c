package sdl

import (
	"github.com/pkg/errors"
)

// Frame defines the common frame structure used in requests and responses
// on the SDL bus. The format is:
//
//	Magic byte (0x5A)
//	Length (count of payload bytes + 1 checksum byte)
//	Address
//	Service ID
//	Payload
//	Checksum
type Frame []byte

// Constant values used to describe pieces of a frame.
const (
	FrameIndexMagicByte    int = 0
	FrameIndexLength       int = 1
	FrameIndexAddress      int = 2
	FrameIndexServiceID    int = 3
	FrameIndexPayloadStart int = 4

	FrameMagicByte byte = 0x5a

	FrameHeaderSize int = 4

	// MaxPayloadLength is the largest payload the one-byte length field
	// can declare, since the field also counts the checksum byte.
	MaxPayloadLength int = 254
)

// Device addresses on the SDL bus.
const (
	AddressECU      byte = 0x10
	AddressScanTool byte = 0xf0
)

// Service IDs observed in SDL traffic.
const (
	ServiceECUID    byte = 0x10
	ServiceReadData byte = 0x13
	ServiceActuate  byte = 0x15
)

var (
	// ErrPayloadTooLarge is returned when a payload doesn't fit the
	// frame's one-byte length field.
	ErrPayloadTooLarge = errors.New("payload too large for the frame length field")

	// ErrFrameTruncated is returned when a byte window ends before the
	// declared frame length. The caller should wait for more bytes
	// rather than treat the window as corrupt.
	ErrFrameTruncated = errors.New("frame truncated")

	// ErrInvalidChecksum is returned when a frame's checksum byte doesn't
	// match the calculated checksum byte.
	ErrInvalidChecksum = errors.New("invalid checksum byte")

	// ErrMalformedHeader is returned when the header bytes don't match
	// the expected sentinel values.
	ErrMalformedHeader = errors.New("malformed frame header")
)

// Address returns the device address the frame is directed at.
func (f Frame) Address() byte {
	return f[FrameIndexAddress]
}

// ServiceID returns the frame's service ID.
func (f Frame) ServiceID() byte {
	return f[FrameIndexServiceID]
}

// Payload returns the section of the frame corresponding to the payload data.
func (f Frame) Payload() []byte {
	return f[FrameIndexPayloadStart : len(f)-1]
}

// EncodeFrame builds a wire frame for the given address, service ID, and
// payload, including the length field and checksum byte.
func EncodeFrame(address, serviceID byte, payload []byte) (Frame, error) {
	if len(payload) > MaxPayloadLength {
		return nil, errors.Wrapf(ErrPayloadTooLarge, "%d bytes", len(payload))
	}

	frame := make(Frame, FrameHeaderSize+len(payload)+1)
	frame[FrameIndexMagicByte] = FrameMagicByte
	frame[FrameIndexLength] = byte(len(payload) + 1)
	frame[FrameIndexAddress] = address
	frame[FrameIndexServiceID] = serviceID

	if len(payload) > 0 {
		copy(frame[FrameIndexPayloadStart:len(frame)-1], payload)
	}

	frame[len(frame)-1] = CalculateChecksum(frame)

	return frame, nil
}

// DecodeFrame parses a byte window into a Frame. The returned frame is a
// copy; the window may be reused by the caller.
func DecodeFrame(b []byte) (Frame, error) {
	if len(b) == 0 {
		return nil, ErrFrameTruncated
	}
	if b[FrameIndexMagicByte] != FrameMagicByte {
		return nil, ErrMalformedHeader
	}
	if len(b) < FrameHeaderSize {
		return nil, ErrFrameTruncated
	}
	if b[FrameIndexLength] < 1 {
		return nil, errors.Wrap(ErrMalformedHeader, "zero length field")
	}

	total := FrameHeaderSize + int(b[FrameIndexLength])
	if len(b) < total {
		return nil, ErrFrameTruncated
	}

	frame := make(Frame, total)
	copy(frame, b[:total])
	if CalculateChecksum(frame) != frame[total-1] {
		return nil, ErrInvalidChecksum
	}
	return frame, nil
}

// CalculateChecksum calculates the checksum for a fully-allocated
// (including the checksum byte itself) frame. The checksum is the 8-bit
// two's complement of the sum of every preceding byte, so the sum of a
// whole valid frame is congruent to zero mod 256.
func CalculateChecksum(f Frame) byte {
	sum := 0
	for _, b := range f[:len(f)-1] {
		sum += int(b)
	}
	return byte(-sum)
}
