package sdl

import (
	"context"
	"io"
	"math"
	"time"

	"github.com/pkg/errors"
)

const (
	// BaudRate is the baud rate (bits/s) fixed by the SDL link.
	BaudRate int = 7812
	// DataBits is the data bit setting (bits/word) fixed by the SDL link.
	DataBits int = 8
	// ReadTimeout is the amount of time per read spent before a timeout
	// occurs. It may take several reads to consume an entire frame.
	ReadTimeout time.Duration = time.Millisecond * 500
	// FrameReadTimeout is the amount of time spent reading an entire
	// frame before a timeout occurs.
	FrameReadTimeout time.Duration = time.Second * 3
	// ResponseWindow is the amount of time the ECU is given to answer a
	// request frame.
	ResponseWindow time.Duration = time.Second
	// DefaultFailureThreshold is the number of consecutive decode
	// failures after which a session declares the link lost and resyncs.
	DefaultFailureThreshold int = 3
)

// SyncState is the session's frame-alignment status.
type SyncState int

const (
	// StateSyncing means the session is hunting the byte stream for a
	// header sentinel, discarding bytes one at a time.
	StateSyncing SyncState = iota
	// StateSynced means frames are arriving at message boundaries.
	StateSynced
	// StateLost is declared after too many consecutive decode failures
	// and immediately triggers resynchronization.
	StateLost
)

func (s SyncState) String() string {
	switch s {
	case StateSynced:
		return "SYNCED"
	case StateLost:
		return "LOST"
	default:
		return "SYNCING"
	}
}

// SessionState tracks a session's link discipline. It is owned
// exclusively by the session; callers only observe copies.
type SessionState struct {
	Sync       SyncState
	LastFrame  time.Time
	LastResync time.Time
	Failures   int
	Resyncs    int
}

var (
	// ErrPassiveSession is returned when a write is attempted on a
	// passive-capture session.
	ErrPassiveSession = errors.New("session is passive and never writes to the bus")

	// ErrReadTimeout is returned when reading a frame times out.
	ErrReadTimeout = errors.New("the read operation timed out")

	// ErrActuatorRejected is returned when an actuator command receives
	// a non-empty acknowledgement.
	ErrActuatorRejected = errors.New("unexpected actuator response")
)

// DeviceError marks a fatal serial device failure. It is never retried;
// the physical link is gone.
type DeviceError struct {
	Err error
}

func (e *DeviceError) Error() string {
	return "serial device failure: " + e.Err.Error()
}

func (e *DeviceError) Unwrap() error { return e.Err }

// IsDeviceError reports whether err is (or wraps) a DeviceError.
func IsDeviceError(err error) bool {
	var de *DeviceError
	return errors.As(err, &de)
}

// Session owns a serial channel and enforces the SDL link's operational
// discipline: wire-time pacing, frame alignment, and resynchronization
// after transient corruption. A session is not safe for concurrent use;
// the bus is half-duplex and the channel belongs to the session alone.
type Session struct {
	port    io.ReadWriteCloser
	logger  Logger
	passive bool

	// half-duplex K-line wiring reads back its own transmission
	consumeEcho bool

	failureThreshold int
	state            SessionState
	buf              []byte
}

// NewSession returns a session that may both read and write the channel.
func NewSession(port io.ReadWriteCloser, l Logger) *Session {
	if l == nil {
		l = NopLogger
	}
	return &Session{
		port:             port,
		logger:           l,
		failureThreshold: DefaultFailureThreshold,
	}
}

// NewPassiveSession returns a capture-only session. It never transmits;
// Send and Request fail with ErrPassiveSession.
func NewPassiveSession(port io.ReadWriteCloser, l Logger) *Session {
	s := NewSession(port, l)
	s.passive = true
	return s
}

// EnableLocalEcho makes Send consume the echoed copy of each transmitted
// frame before returning.
func (s *Session) EnableLocalEcho() {
	s.consumeEcho = true
}

// SetFailureThreshold overrides the consecutive-failure count that
// triggers resynchronization.
func (s *Session) SetFailureThreshold(n int) {
	if n > 0 {
		s.failureThreshold = n
	}
}

// Passive reports whether the session is capture-only.
func (s *Session) Passive() bool { return s.passive }

// State returns a copy of the session's link state.
func (s *Session) State() SessionState { return s.state }

// NextFrame reads the next whole frame from the channel. Decode failures
// are returned as typed errors after the session's failure accounting has
// run; the caller should treat them as diagnostic events and call again.
func (s *Session) NextFrame(ctx context.Context) (Frame, error) {
	s.logger.Debug("reading next frame")

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if err := s.buffer(ctx, 1); err != nil {
			return nil, err
		}
		if s.buf[0] != FrameMagicByte {
			if s.state.Sync == StateSynced {
				// expected a frame boundary here
				s.dropToSentinel()
				return nil, s.registerFailure(ErrMalformedHeader)
			}
			s.consume(1)
			continue
		}

		if err := s.buffer(ctx, FrameHeaderSize); err != nil {
			return nil, err
		}
		total := FrameHeaderSize + int(s.buf[FrameIndexLength])
		if err := s.buffer(ctx, total); err != nil {
			return nil, err
		}

		frame, err := DecodeFrame(s.buf[:total])
		if err != nil {
			if errors.Is(err, ErrInvalidChecksum) {
				s.consume(total)
			} else {
				s.consume(1)
			}
			return nil, s.registerFailure(err)
		}

		s.consume(total)
		s.state.Sync = StateSynced
		s.state.Failures = 0
		s.state.LastFrame = time.Now()
		return frame, nil
	}
}

// Send transmits a frame on the channel.
func (s *Session) Send(ctx context.Context, f Frame) error {
	if s.passive {
		return ErrPassiveSession
	}

	logBytes(s.logger, f, "sending frame: ")
	wb, err := s.port.Write(f)
	if err != nil {
		return &DeviceError{errors.Wrap(err, "writing frame bytes")}
	}
	if wb != len(f) {
		return errors.Errorf("only wrote %d bytes (frame had %d bytes)", wb, len(f))
	}

	if s.consumeEcho {
		echo := make([]byte, len(f))
		if err := s.readInFull(ctx, echo); err != nil {
			return errors.Wrap(err, "reading transmission echo")
		}
	}
	return nil
}

// Request transmits a frame and waits for the matching response within
// the response window. Frames that don't answer the request (including
// read-back copies of the request itself) are skipped.
func (s *Session) Request(ctx context.Context, f Frame) (Frame, error) {
	if err := s.Send(ctx, f); err != nil {
		return nil, err
	}

	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, ResponseWindow)
	defer cancel()

	for {
		rf, err := s.NextFrame(ctx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				if perr := parent.Err(); perr != nil {
					return nil, perr
				}
				return nil, errors.Wrap(ErrReadTimeout, "awaiting response")
			}
			return nil, err
		}

		if rf.ServiceID() == f.ServiceID() && rf.Address() != f.Address() {
			return rf, nil
		}
		s.logger.Debug("skipping frame while awaiting response")
	}
}

// ECUID requests the ECU's identification bytes.
func (s *Session) ECUID(ctx context.Context) ([]byte, error) {
	req, err := EncodeFrame(AddressECU, ServiceECUID, nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.Request(ctx, req)
	if err != nil {
		return nil, errors.Wrap(err, "requesting ECU ID")
	}
	return resp.Payload(), nil
}

// ReadData requests the current raw value of each given OBD address. The
// response bytes are positional: one byte per requested address.
func (s *Session) ReadData(ctx context.Context, addresses []byte) ([]byte, error) {
	req, err := EncodeFrame(AddressECU, ServiceReadData, addresses)
	if err != nil {
		return nil, err
	}

	resp, err := s.Request(ctx, req)
	if err != nil {
		return nil, errors.Wrap(err, "requesting data")
	}
	return resp.Payload(), nil
}

// ActuatorCommand selects an ECU actuator test.
type ActuatorCommand byte

const (
	ActuatorNone       ActuatorCommand = 0x00
	ActuatorFixedSpark ActuatorCommand = 0x10
	ActuatorISC        ActuatorCommand = 0xc0
)

// Actuate issues an actuator test command. A successful acknowledgement
// carries no payload.
func (s *Session) Actuate(ctx context.Context, cmd ActuatorCommand, value byte) error {
	payload := make([]byte, 8)
	payload[0] = byte(cmd)
	payload[1] = value

	req, err := EncodeFrame(AddressECU, ServiceActuate, payload)
	if err != nil {
		return err
	}

	resp, err := s.Request(ctx, req)
	if err != nil {
		return errors.Wrap(err, "sending actuator command")
	}
	if len(resp.Payload()) != 0 {
		return errors.Wrapf(ErrActuatorRejected, "payload % x", resp.Payload())
	}
	return nil
}

// Close closes the underlying channel.
func (s *Session) Close() error {
	s.logger.Debug("closing session")

	if s.port != nil {
		return s.port.Close()
	}
	return nil
}

// buffer ensures at least n bytes are buffered, reading as needed.
func (s *Session) buffer(ctx context.Context, n int) error {
	if len(s.buf) >= n {
		return nil
	}

	b := make([]byte, n-len(s.buf))
	if err := s.readInFull(ctx, b); err != nil {
		return err
	}
	s.buf = append(s.buf, b...)
	return nil
}

func (s *Session) consume(n int) {
	if n > len(s.buf) {
		n = len(s.buf)
	}
	s.buf = s.buf[n:]
}

// dropToSentinel discards buffered bytes up to the next header sentinel.
func (s *Session) dropToSentinel() {
	i := 1
	for i < len(s.buf) && s.buf[i] != FrameMagicByte {
		i++
	}
	s.consume(i)
}

// registerFailure counts a decode failure toward the LOST threshold and
// resynchronizes once it is reached. The error passes through so the
// caller can record it.
func (s *Session) registerFailure(err error) error {
	s.state.Failures++
	s.logger.Debugf("frame failure %d/%d: %v\n", s.state.Failures, s.failureThreshold, err)

	if s.state.Failures >= s.failureThreshold {
		s.state.Sync = StateLost
		s.logger.Debugf("link %s; flushing %d buffered bytes\n", s.state.Sync, len(s.buf))

		s.buf = s.buf[:0]
		if p, ok := s.port.(interface{ ResetInputBuffer() error }); ok {
			if rerr := p.ResetInputBuffer(); rerr != nil {
				s.logger.Debugf("resetting input buffer: %v\n", rerr)
			}
		}

		s.state.Resyncs++
		s.state.LastResync = time.Now()
		s.state.Failures = 0
		s.state.Sync = StateSyncing
	}
	return err
}

type readResult struct {
	count int
	err   error
}

func (s *Session) readInFull(ctx context.Context, b []byte) error {
	// read the buffer in full on a goroutine so the select below can
	// bound the whole operation
	result := make(chan readResult, 1)
	done := make(chan struct{})
	defer close(done)

	go func(result chan<- readResult, b []byte) {
		readCount := 0
		for readCount < len(b) {
			select {
			case <-done:
				// the caller gave up on this read; the next one owns
				// the channel
				return
			default:
			}

			if err := s.waitForNBytesToTransfer(ctx, len(b)-readCount); err != nil {
				result <- readResult{readCount, err}
				return
			}

			count, err := s.port.Read(b[readCount:])
			if count > 0 {
				logBytes(s.logger, b[readCount:readCount+count], "read: ")
			}
			readCount += count

			if err != nil {
				result <- readResult{readCount, err}
				return
			}
		}
		result <- readResult{readCount, nil}
	}(result, b)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.NewTimer(FrameReadTimeout).C:
		return ErrReadTimeout
	case r := <-result:
		if r.err == nil {
			return nil
		}
		if errors.Is(r.err, context.Canceled) || errors.Is(r.err, context.DeadlineExceeded) {
			return r.err
		}
		return &DeviceError{errors.Wrap(r.err, "reading from serial device")}
	}
}

func (s *Session) waitForNBytesToTransfer(ctx context.Context, n int) error {
	d := microsecondsOnTheWire(n)
	s.logger.Debugf("waiting %s for %d bytes\n", d, n)
	select {
	case <-time.NewTimer(d).C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// word = start bit (1) + data bits (8) + stop bit (1) = 10 bits, so one
// byte takes 10/BaudRate seconds on the wire.
func microsecondsOnTheWire(byteCount int) time.Duration {
	return time.Duration(int(math.Round(
		float64(byteCount*10*1000000)/float64(BaudRate),
	))) * time.Microsecond
}
