package sdl_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/suzukisdl/sdlogger/protocols/sdl"
)

func TestEncodeFrame(t *testing.T) {
	t.Run("ValidFrame", func(t *testing.T) {
		f, err := sdl.EncodeFrame(sdl.AddressECU, 0x01, []byte{0x64})
		if err != nil {
			t.Fatal(err)
		}

		want := []byte{sdl.FrameMagicByte, 0x02, 0x10, 0x01, 0x64, 0x2f}
		if !bytes.Equal(want, f) {
			t.Fatalf("unexpected frame. want: 0x%x. got: 0x%x.", want, f)
		}

		sum := 0
		for _, b := range f {
			sum += int(b)
		}
		if sum%256 != 0 {
			t.Fatalf("frame bytes don't sum to zero mod 256: %d", sum%256)
		}
	})

	t.Run("EmptyPayload", func(t *testing.T) {
		f, err := sdl.EncodeFrame(sdl.AddressECU, sdl.ServiceECUID, nil)
		if err != nil {
			t.Fatal(err)
		}

		if len(f) != sdl.FrameHeaderSize+1 {
			t.Fatalf("unexpected frame length. want: %d. got: %d.", sdl.FrameHeaderSize+1, len(f))
		}
		if len(f.Payload()) != 0 {
			t.Fatalf("expected empty payload. got: 0x%x.", f.Payload())
		}
	})

	t.Run("PayloadTooLarge", func(t *testing.T) {
		_, err := sdl.EncodeFrame(sdl.AddressECU, sdl.ServiceReadData, make([]byte, sdl.MaxPayloadLength+1))
		if !errors.Is(err, sdl.ErrPayloadTooLarge) {
			t.Fatalf("want ErrPayloadTooLarge (%v). got: %v.", sdl.ErrPayloadTooLarge, err)
		}
	})
}

func TestDecodeFrame(t *testing.T) {
	valid, err := sdl.EncodeFrame(sdl.AddressECU, sdl.ServiceReadData, []byte{0x08, 0x0f, 0x10})
	if err != nil {
		t.Fatal(err)
	}

	t.Run("RoundTrip", func(t *testing.T) {
		f, err := sdl.DecodeFrame(valid)
		if err != nil {
			t.Fatal(err)
		}

		if f.Address() != sdl.AddressECU {
			t.Fatalf("unexpected address. want: 0x%02x. got: 0x%02x.", sdl.AddressECU, f.Address())
		}
		if f.ServiceID() != sdl.ServiceReadData {
			t.Fatalf("unexpected service id. want: 0x%02x. got: 0x%02x.", sdl.ServiceReadData, f.ServiceID())
		}
		if !bytes.Equal(f.Payload(), []byte{0x08, 0x0f, 0x10}) {
			t.Fatalf("unexpected payload: 0x%x.", f.Payload())
		}
	})

	t.Run("ReturnsACopy", func(t *testing.T) {
		window := make([]byte, len(valid))
		copy(window, valid)

		f, err := sdl.DecodeFrame(window)
		if err != nil {
			t.Fatal(err)
		}

		window[sdl.FrameIndexAddress] = 0xff
		if f.Address() != sdl.AddressECU {
			t.Fatal("decoded frame aliases the caller's window")
		}
	})

	t.Run("AnyFlippedBodyByteFailsTheChecksum", func(t *testing.T) {
		// every byte past the sentinel is covered by the checksum
		for i := sdl.FrameIndexLength; i < len(valid); i++ {
			corrupt := make([]byte, len(valid))
			copy(corrupt, valid)
			corrupt[i] ^= 0x01

			_, err := sdl.DecodeFrame(corrupt)
			if errors.Is(err, sdl.ErrInvalidChecksum) || errors.Is(err, sdl.ErrFrameTruncated) {
				continue
			}
			t.Fatalf("byte %d: want ErrInvalidChecksum or ErrFrameTruncated. got: %v.", i, err)
		}
	})

	t.Run("FlippedSentinelIsMalformed", func(t *testing.T) {
		corrupt := make([]byte, len(valid))
		copy(corrupt, valid)
		corrupt[sdl.FrameIndexMagicByte]++

		_, err := sdl.DecodeFrame(corrupt)
		if !errors.Is(err, sdl.ErrMalformedHeader) {
			t.Fatalf("want ErrMalformedHeader (%v). got: %v.", sdl.ErrMalformedHeader, err)
		}
	})

	t.Run("EveryProperPrefixIsTruncated", func(t *testing.T) {
		for i := 0; i < len(valid); i++ {
			_, err := sdl.DecodeFrame(valid[:i])
			if !errors.Is(err, sdl.ErrFrameTruncated) {
				t.Fatalf("prefix %d: want ErrFrameTruncated (%v). got: %v.", i, sdl.ErrFrameTruncated, err)
			}
		}
	})

	t.Run("ZeroLengthFieldIsMalformed", func(t *testing.T) {
		_, err := sdl.DecodeFrame([]byte{sdl.FrameMagicByte, 0x00, 0x10, 0x13})
		if !errors.Is(err, sdl.ErrMalformedHeader) {
			t.Fatalf("want ErrMalformedHeader (%v). got: %v.", sdl.ErrMalformedHeader, err)
		}
	})

	t.Run("TrailingBytesAreIgnored", func(t *testing.T) {
		window := append(append([]byte{}, valid...), 0xde, 0xad)

		f, err := sdl.DecodeFrame(window)
		if err != nil {
			t.Fatal(err)
		}
		if len(f) != len(valid) {
			t.Fatalf("unexpected frame length. want: %d. got: %d.", len(valid), len(f))
		}
	})
}
