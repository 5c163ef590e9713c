package sdl_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/suzukisdl/sdlogger/protocols/sdl"
)

type testSerialPort struct {
	out    *bytes.Buffer
	in     *bytes.Buffer
	closed bool
}

func (p *testSerialPort) Read(b []byte) (int, error) {
	return p.out.Read(b)
}

func (p *testSerialPort) Write(b []byte) (int, error) {
	return p.in.Write(b)
}

func (p *testSerialPort) Close() error {
	p.closed = true
	return nil
}

func newTestSerialPort() *testSerialPort {
	return &testSerialPort{
		out: &bytes.Buffer{},
		in:  &bytes.Buffer{},
	}
}

// blockingPort never delivers a byte until it's closed.
type blockingPort struct {
	closed chan struct{}
}

func newBlockingPort() *blockingPort {
	return &blockingPort{closed: make(chan struct{})}
}

func (p *blockingPort) Read(b []byte) (int, error) {
	<-p.closed
	return 0, io.EOF
}

func (p *blockingPort) Write(b []byte) (int, error) {
	return len(b), nil
}

func (p *blockingPort) Close() error {
	close(p.closed)
	return nil
}

// feedPort delivers exactly one payload per Read call, on demand.
type feedPort struct {
	feed   chan []byte
	closed chan struct{}
}

func newFeedPort() *feedPort {
	return &feedPort{feed: make(chan []byte), closed: make(chan struct{})}
}

func (p *feedPort) Read(b []byte) (int, error) {
	select {
	case data := <-p.feed:
		return copy(b, data), nil
	case <-p.closed:
		return 0, io.EOF
	}
}

func (p *feedPort) Write(b []byte) (int, error) {
	return len(b), nil
}

func (p *feedPort) Close() error {
	close(p.closed)
	return nil
}

func mustEncode(t *testing.T, address, serviceID byte, payload []byte) sdl.Frame {
	t.Helper()
	f, err := sdl.EncodeFrame(address, serviceID, payload)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func TestNextFrame(t *testing.T) {
	valid := mustEncode(t, sdl.AddressECU, sdl.ServiceReadData, []byte{0x08})

	t.Run("ValidFrame", func(t *testing.T) {
		port := newTestSerialPort()
		port.out = bytes.NewBuffer(append([]byte{}, valid...))

		session := sdl.NewSession(port, nil)

		got, err := session.NextFrame(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, valid) {
			t.Fatalf("unexpected frame. want: 0x%x. got: 0x%x.", valid, got)
		}

		state := session.State()
		if state.Sync != sdl.StateSynced {
			t.Fatalf("unexpected sync state. want: %s. got: %s.", sdl.StateSynced, state.Sync)
		}
		if state.Failures != 0 {
			t.Fatalf("unexpected failure count: %d.", state.Failures)
		}
	})

	t.Run("DiscardsGarbageWhileSyncing", func(t *testing.T) {
		port := newTestSerialPort()
		port.out.Write([]byte{0x12, 0x34, 0x00})
		port.out.Write(valid)

		session := sdl.NewSession(port, nil)

		got, err := session.NextFrame(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, valid) {
			t.Fatalf("unexpected frame. want: 0x%x. got: 0x%x.", valid, got)
		}

		// hunting for the sentinel is not a decode failure
		if state := session.State(); state.Failures != 0 || state.Resyncs != 0 {
			t.Fatalf("unexpected state after hunt: %+v.", state)
		}
	})

	t.Run("MalformedHeaderWhileSynced", func(t *testing.T) {
		port := newTestSerialPort()
		port.out.Write(valid)
		port.out.Write([]byte{0x00}) // a frame boundary with no sentinel
		port.out.Write(valid)

		session := sdl.NewSession(port, nil)

		if _, err := session.NextFrame(context.Background()); err != nil {
			t.Fatal(err)
		}

		_, err := session.NextFrame(context.Background())
		if !errors.Is(err, sdl.ErrMalformedHeader) {
			t.Fatalf("want ErrMalformedHeader (%v). got: %v.", sdl.ErrMalformedHeader, err)
		}

		got, err := session.NextFrame(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, valid) {
			t.Fatalf("unexpected frame. want: 0x%x. got: 0x%x.", valid, got)
		}
	})

	t.Run("ResyncsAfterConsecutiveFailures", func(t *testing.T) {
		port := newTestSerialPort()

		corrupt := make([]byte, len(valid))
		copy(corrupt, valid)
		corrupt[len(corrupt)-1]++
		for i := 0; i < 5; i++ {
			port.out.Write(corrupt)
		}
		port.out.Write(valid)

		session := sdl.NewSession(port, nil)
		session.SetFailureThreshold(3)

		for i := 0; i < 5; i++ {
			_, err := session.NextFrame(context.Background())
			if !errors.Is(err, sdl.ErrInvalidChecksum) {
				t.Fatalf("frame %d: want ErrInvalidChecksum (%v). got: %v.", i, sdl.ErrInvalidChecksum, err)
			}
		}

		// the third failure tripped the threshold and restarted the hunt
		state := session.State()
		if state.Resyncs != 1 {
			t.Fatalf("unexpected resync count. want: 1. got: %d.", state.Resyncs)
		}
		if state.Failures != 2 {
			t.Fatalf("unexpected failure count. want: 2. got: %d.", state.Failures)
		}

		got, err := session.NextFrame(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, valid) {
			t.Fatalf("unexpected frame. want: 0x%x. got: 0x%x.", valid, got)
		}

		state = session.State()
		if state.Sync != sdl.StateSynced || state.Failures != 0 {
			t.Fatalf("unexpected state after recovery: %+v.", state)
		}
	})

	t.Run("DeadPortIsADeviceError", func(t *testing.T) {
		port := newTestSerialPort()

		session := sdl.NewSession(port, nil)

		_, err := session.NextFrame(context.Background())
		if !sdl.IsDeviceError(err) {
			t.Fatalf("want a device error. got: %v.", err)
		}
	})
}

func TestFrameReadTimeoutReleasesTheChannel(t *testing.T) {
	port := newFeedPort()
	session := sdl.NewSession(port, nil)
	defer session.Close()

	go func() { port.feed <- []byte{sdl.FrameMagicByte} }()

	// the header read stalls after the sentinel and times out
	_, err := session.NextFrame(context.Background())
	if !errors.Is(err, sdl.ErrReadTimeout) {
		t.Fatalf("want ErrReadTimeout (%v). got: %v.", sdl.ErrReadTimeout, err)
	}

	// the abandoned reader may complete its one in-flight read
	select {
	case port.feed <- []byte{0x00}:
	case <-time.After(time.Second):
	}

	// but it must not keep draining the channel afterwards
	select {
	case port.feed <- []byte{0x00}:
		t.Fatal("a stale reader is still draining the channel")
	case <-time.After(500 * time.Millisecond):
	}
}

func TestSend(t *testing.T) {
	t.Run("PassiveSessionNeverWrites", func(t *testing.T) {
		port := newTestSerialPort()
		session := sdl.NewPassiveSession(port, nil)

		f := mustEncode(t, sdl.AddressECU, sdl.ServiceECUID, nil)
		err := session.Send(context.Background(), f)
		if !errors.Is(err, sdl.ErrPassiveSession) {
			t.Fatalf("want ErrPassiveSession (%v). got: %v.", sdl.ErrPassiveSession, err)
		}
		if port.in.Len() != 0 {
			t.Fatalf("passive session wrote %d bytes.", port.in.Len())
		}
	})

	t.Run("ConsumesLocalEcho", func(t *testing.T) {
		port := newTestSerialPort()
		f := mustEncode(t, sdl.AddressECU, sdl.ServiceECUID, nil)
		port.out = bytes.NewBuffer(append([]byte{}, f...))

		session := sdl.NewSession(port, nil)
		session.EnableLocalEcho()

		if err := session.Send(context.Background(), f); err != nil {
			t.Fatal(err)
		}

		if !bytes.Equal(port.in.Bytes(), f) {
			t.Fatalf("unexpected transmission. want: 0x%x. got: 0x%x.", f, port.in.Bytes())
		}
		if port.out.Len() != 0 {
			t.Fatalf("expected the echo to be consumed; %d bytes left.", port.out.Len())
		}
	})
}

func TestRequest(t *testing.T) {
	t.Run("SkipsTheEchoedRequest", func(t *testing.T) {
		port := newTestSerialPort()

		req := mustEncode(t, sdl.AddressECU, sdl.ServiceReadData, []byte{0x08})
		resp := mustEncode(t, sdl.AddressScanTool, sdl.ServiceReadData, []byte{0x64})
		// the K-line reads back the request before the response arrives
		port.out.Write(req)
		port.out.Write(resp)

		session := sdl.NewSession(port, nil)

		got, err := session.Request(context.Background(), req)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, resp) {
			t.Fatalf("unexpected response. want: 0x%x. got: 0x%x.", resp, got)
		}
	})

	t.Run("TimesOutWithoutAResponse", func(t *testing.T) {
		port := newBlockingPort()
		session := sdl.NewSession(port, nil)
		defer session.Close()

		req := mustEncode(t, sdl.AddressECU, sdl.ServiceECUID, nil)
		_, err := session.Request(context.Background(), req)
		if !errors.Is(err, sdl.ErrReadTimeout) {
			t.Fatalf("want ErrReadTimeout (%v). got: %v.", sdl.ErrReadTimeout, err)
		}
	})

	t.Run("ParentCancellationWins", func(t *testing.T) {
		port := newBlockingPort()
		session := sdl.NewSession(port, nil)
		defer session.Close()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		req := mustEncode(t, sdl.AddressECU, sdl.ServiceECUID, nil)
		_, err := session.Request(ctx, req)
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("want context.Canceled. got: %v.", err)
		}
	})
}

func TestReadData(t *testing.T) {
	port := newTestSerialPort()

	values := []byte{0x64, 0x7f}
	resp := mustEncode(t, sdl.AddressScanTool, sdl.ServiceReadData, values)
	port.out = bytes.NewBuffer(resp)

	session := sdl.NewSession(port, nil)

	addresses := []byte{sdl.AddrCoolantTemp, sdl.AddrThrottleVolt}
	got, err := session.ReadData(context.Background(), addresses)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, values) {
		t.Fatalf("unexpected data. want: 0x%x. got: 0x%x.", values, got)
	}

	want := mustEncode(t, sdl.AddressECU, sdl.ServiceReadData, addresses)
	if !bytes.Equal(port.in.Bytes(), want) {
		t.Fatalf("unexpected request. want: 0x%x. got: 0x%x.", want, port.in.Bytes())
	}
}

func TestActuate(t *testing.T) {
	t.Run("EmptyAcknowledgement", func(t *testing.T) {
		port := newTestSerialPort()
		port.out = bytes.NewBuffer(mustEncode(t, sdl.AddressScanTool, sdl.ServiceActuate, nil))

		session := sdl.NewSession(port, nil)

		if err := session.Actuate(context.Background(), sdl.ActuatorISC, 50); err != nil {
			t.Fatal(err)
		}

		want := mustEncode(t, sdl.AddressECU, sdl.ServiceActuate, []byte{0xc0, 50, 0, 0, 0, 0, 0, 0})
		if !bytes.Equal(port.in.Bytes(), want) {
			t.Fatalf("unexpected request. want: 0x%x. got: 0x%x.", want, port.in.Bytes())
		}
	})

	t.Run("NonEmptyAcknowledgementIsRejected", func(t *testing.T) {
		port := newTestSerialPort()
		port.out = bytes.NewBuffer(mustEncode(t, sdl.AddressScanTool, sdl.ServiceActuate, []byte{0xff}))

		session := sdl.NewSession(port, nil)

		err := session.Actuate(context.Background(), sdl.ActuatorFixedSpark, 0)
		if !errors.Is(err, sdl.ErrActuatorRejected) {
			t.Fatalf("want ErrActuatorRejected (%v). got: %v.", sdl.ErrActuatorRejected, err)
		}
	})
}

func TestECUID(t *testing.T) {
	port := newTestSerialPort()

	id := []byte{0x19, 0x43}
	port.out = bytes.NewBuffer(mustEncode(t, sdl.AddressScanTool, sdl.ServiceECUID, id))

	session := sdl.NewSession(port, nil)

	got, err := session.ECUID(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, id) {
		t.Fatalf("unexpected ECU ID. want: 0x%x. got: 0x%x.", id, got)
	}
}

func TestClose(t *testing.T) {
	port := newTestSerialPort()
	session := sdl.NewSession(port, nil)

	if err := session.Close(); err != nil {
		t.Fatal(err)
	}
	if !port.closed {
		t.Fatal("expected the port to be closed")
	}
}
