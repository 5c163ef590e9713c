package sdl

import (
	"context"
	"math/rand"

	"github.com/pkg/errors"
)

// ValueSource supplies the current raw value for an OBD address. The
// simulator consults it once per requested address per data request, so
// implementations must be fast relative to the response window.
type ValueSource interface {
	RawValue(address byte) byte
}

// FixedValues is a ValueSource pinning specific addresses to specific
// raw values. Addresses not in the map read as zero.
type FixedValues map[byte]byte

func (v FixedValues) RawValue(address byte) byte {
	return v[address]
}

// RandomValues is a ValueSource producing plausible bus noise: random
// bytes for most addresses, 0/128 for the radiator fan, and random flag
// bits for the bitfield addresses.
type RandomValues struct {
	rand *rand.Rand

	// Fixed pins individual addresses, overriding the random value.
	Fixed FixedValues
}

// NewRandomValues returns a seeded RandomValues.
func NewRandomValues(seed int64) *RandomValues {
	return &RandomValues{rand: rand.New(rand.NewSource(seed))}
}

func (v *RandomValues) RawValue(address byte) byte {
	if val, ok := v.Fixed[address]; ok {
		return val
	}

	switch address {
	case AddrRadiatorFan:
		if v.rand.Intn(2) == 0 {
			return 0
		}
		return 128
	case AddrStatusFlags1:
		var b byte
		for _, flag := range []byte{FlagPSPSwitch, FlagACSwitch, FlagClosedThrottle, FlagElectricLoad} {
			if v.rand.Intn(2) == 0 {
				b |= flag
			}
		}
		return b
	case AddrFaultCodes5, AddrFaultCodes6:
		return byte(v.rand.Intn(256))
	default:
		return byte(v.rand.Intn(256))
	}
}

// DefaultECUID is the identification reported by the simulated ECU.
var DefaultECUID = []byte{0x19, 0x43}

// Simulator answers scan-tool requests the way the reference ECU does:
// identification, positional data reads, and empty actuator
// acknowledgements. Response construction is a handful of map lookups,
// well inside the response window.
type Simulator struct {
	session *Session
	values  ValueSource
	ecuID   []byte
	logger  Logger
}

// NewSimulator returns a simulator responding on the session's channel.
func NewSimulator(session *Session, values ValueSource, l Logger) *Simulator {
	if l == nil {
		l = NopLogger
	}
	return &Simulator{
		session: session,
		values:  values,
		ecuID:   DefaultECUID,
		logger:  l,
	}
}

// Run answers requests until ctx ends or the device fails. Decode noise
// is skipped; the session's resync machine recovers alignment.
func (s *Simulator) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		frame, err := s.session.NextFrame(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			if IsDeviceError(err) {
				return err
			}
			s.logger.Debugf("skipping unreadable frame: %v\n", err)
			continue
		}

		if frame.Address() != AddressECU {
			continue // not for us
		}

		if err := s.respond(ctx, frame); err != nil {
			if IsDeviceError(err) {
				return err
			}
			s.logger.Debugf("responding: %v\n", err)
		}
	}
}

func (s *Simulator) respond(ctx context.Context, req Frame) error {
	var payload []byte
	switch req.ServiceID() {
	case ServiceECUID:
		payload = s.ecuID
	case ServiceReadData:
		addresses := req.Payload()
		payload = make([]byte, len(addresses))
		for i, a := range addresses {
			payload[i] = s.values.RawValue(a)
		}
	case ServiceActuate:
		// an empty payload acknowledges the command
	default:
		s.logger.Debugf("unknown service 0x%02x; not responding\n", req.ServiceID())
		return nil
	}

	resp, err := EncodeFrame(AddressScanTool, req.ServiceID(), payload)
	if err != nil {
		return errors.Wrap(err, "encoding response")
	}
	return s.session.Send(ctx, resp)
}
