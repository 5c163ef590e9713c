package sdl

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/suzukisdl/sdlogger/units"
)

// Reading is one decoded parameter sample, the externally visible unit
// of scan output. Readings are immutable once emitted.
type Reading struct {
	Address   byte
	Name      string
	Raw       []byte
	Value     float64
	Unit      units.Unit
	Timestamp time.Time
}

// Unknown reports a value observed at an OBD address with no registry
// descriptor. It is a first-class outcome, distinct from a decode
// failure, so unmapped addresses stay visible for protocol discovery.
type Unknown struct {
	Address   byte
	Raw       []byte
	Timestamp time.Time
}

// Event carries exactly one of a Reading, an Unknown, or a Diagnostic
// (a forwarded frame decode failure; the session's resync machine has
// already handled recovery).
type Event struct {
	Reading    *Reading
	Unknown    *Unknown
	Diagnostic error
}

// DefaultPollInterval is the pause between poll cycles when scanning
// actively.
const DefaultPollInterval = 100 * time.Millisecond

// ScanEngine pulls frames through a session, resolves addresses against
// a registry, and produces a stream of events. A run is bounded by its
// context; constructing a new run restarts the scan.
type ScanEngine struct {
	session   *Session
	registry  *Registry
	addresses []byte
	interval  time.Duration

	err error
}

// NewScanEngine returns an engine scanning the given addresses. A nil
// address list scans every address the registry covers.
func NewScanEngine(session *Session, registry *Registry, addresses []byte) *ScanEngine {
	if addresses == nil {
		addresses = registry.Addresses()
	}
	return &ScanEngine{
		session:   session,
		registry:  registry,
		addresses: addresses,
		interval:  DefaultPollInterval,
	}
}

// SetPollInterval overrides the pause between active poll cycles.
func (e *ScanEngine) SetPollInterval(d time.Duration) {
	if d > 0 {
		e.interval = d
	}
}

// Run starts the scan and returns its event stream. The channel closes
// when ctx ends or the device fails; after it closes, Err reports the
// terminal device error, or nil for a clean timeout or cancellation. A
// run that ends while a resynchronization is still starving for a valid
// frame counts as a device failure, not a clean timeout.
// Passive sessions are captured, active sessions are polled.
func (e *ScanEngine) Run(ctx context.Context) <-chan Event {
	events := make(chan Event, 10)
	if e.session.Passive() {
		go e.capture(ctx, events)
	} else {
		go e.poll(ctx, events)
	}
	return events
}

// Err returns the terminal error of a finished run. It must only be
// called after the event channel has closed.
func (e *ScanEngine) Err() error { return e.err }

// poll actively requests the engine's address list each cycle and pairs
// the positional response bytes to registry parameters.
func (e *ScanEngine) poll(ctx context.Context, events chan<- Event) {
	defer close(events)
	defer e.finish()

	for {
		if ctx.Err() != nil {
			return
		}

		data, err := e.session.ReadData(ctx, e.addresses)
		if err != nil {
			if !e.recordFailure(ctx, events, err) {
				return
			}
			continue
		}

		e.emitValues(ctx, events, e.addresses, data)

		select {
		case <-ctx.Done():
			return
		case <-time.After(e.interval):
		}
	}
}

// capture reads frames off the bus without transmitting, pairing each
// observed data request with the response that follows it.
func (e *ScanEngine) capture(ctx context.Context, events chan<- Event) {
	defer close(events)
	defer e.finish()

	var pending []byte // addresses of the last observed request
	for {
		if ctx.Err() != nil {
			return
		}

		frame, err := e.session.NextFrame(ctx)
		if err != nil {
			if !e.recordFailure(ctx, events, err) {
				return
			}
			continue
		}

		if frame.ServiceID() != ServiceReadData {
			continue
		}
		switch frame.Address() {
		case AddressECU:
			pending = append(pending[:0], frame.Payload()...)
		case AddressScanTool:
			if pending == nil {
				continue // response with no observed request
			}
			e.emitValues(ctx, events, pending, frame.Payload())
			pending = nil
		}
	}
}

// recordFailure classifies a session error. It reports whether the run
// should continue: decode noise is forwarded as a diagnostic event,
// timeouts within a healthy run are skipped, and anything fatal stores
// the terminal error and stops the run.
func (e *ScanEngine) recordFailure(ctx context.Context, events chan<- Event, err error) bool {
	switch {
	case ctx.Err() != nil:
		return false
	case IsDeviceError(err):
		e.err = err
		return false
	case errors.Is(err, ErrReadTimeout):
		return true
	default:
		select {
		case events <- Event{Diagnostic: err}:
		default:
			// an unread stream never blocks frame processing
		}
		return true
	}
}

// finish classifies the end of a run. A session that went LOST and never
// produced another valid frame exhausted the rest of the run on a failed
// resynchronization; that is a device-class failure.
func (e *ScanEngine) finish() {
	if e.err != nil {
		return
	}

	state := e.session.State()
	if !state.LastResync.IsZero() && state.LastFrame.Before(state.LastResync) {
		e.err = &DeviceError{errors.New("no valid frame found after resynchronization")}
	}
}

func (e *ScanEngine) emitValues(ctx context.Context, events chan<- Event, addresses, data []byte) {
	now := time.Now()

	i := 0
	for i < len(addresses) && i < len(data) {
		addr := addresses[i]
		p, ok := e.registry.Lookup(addr)
		if !ok {
			e.emit(ctx, events, Event{Unknown: &Unknown{
				Address:   addr,
				Raw:       []byte{data[i]},
				Timestamp: now,
			}})
			i++
			continue
		}

		if i+p.Width > len(data) {
			// the response ends inside this parameter; a Reading is
			// all-or-nothing, so surface the tail bytes undecoded
			raw := make([]byte, len(data)-i)
			copy(raw, data[i:])
			e.emit(ctx, events, Event{Unknown: &Unknown{
				Address:   addr,
				Raw:       raw,
				Timestamp: now,
			}})
			return
		}

		raw := make([]byte, p.Width)
		copy(raw, data[i:i+p.Width])

		e.emit(ctx, events, Event{Reading: &Reading{
			Address:   addr,
			Name:      p.Name,
			Raw:       raw,
			Value:     p.RawToValue(raw),
			Unit:      p.Unit,
			Timestamp: now,
		}})
		i += p.Width
	}
}

func (e *ScanEngine) emit(ctx context.Context, events chan<- Event, ev Event) {
	select {
	case events <- ev:
	case <-ctx.Done():
	}
}
