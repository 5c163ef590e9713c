package sdl

import (
	"io"
	"math"
	"sort"

	"github.com/pkg/errors"
	"github.com/suzukisdl/sdlogger/units"
	"gopkg.in/yaml.v3"
)

// FormulaKind tags the closed set of decode formulas observed on the SDL
// link. Every kind evaluates to a finite value for every raw pattern of a
// parameter's declared width.
type FormulaKind string

const (
	// FormulaLinear is scale*raw + offset.
	FormulaLinear FormulaKind = "linear"
	// FormulaLookup indexes a table by the raw value, clamping past the end.
	FormulaLookup FormulaKind = "lookup"
	// FormulaPiecewise interpolates between (raw, value) breakpoints,
	// clamping outside the first and last.
	FormulaPiecewise FormulaKind = "piecewise"
)

// Breakpoint is one (raw, value) pair of a piecewise formula.
type Breakpoint struct {
	Raw   float64 `yaml:"raw"`
	Value float64 `yaml:"value"`
}

// Formula maps a raw numeric value to a physical one.
type Formula struct {
	Kind   FormulaKind  `yaml:"kind"`
	Scale  float64      `yaml:"scale,omitempty"`
	Offset float64      `yaml:"offset,omitempty"`
	Table  []float64    `yaml:"table,omitempty"`
	Points []Breakpoint `yaml:"points,omitempty"`
}

// Apply evaluates the formula for a raw value. Evaluation is total: every
// raw value produces a finite number, even when it is outside the range
// the ECU would ever report.
func (f Formula) Apply(raw float64) float64 {
	var v float64
	switch f.Kind {
	case FormulaLookup:
		if len(f.Table) == 0 {
			break
		}
		i := int(raw)
		if i < 0 {
			i = 0
		}
		if i >= len(f.Table) {
			i = len(f.Table) - 1
		}
		v = f.Table[i]
	case FormulaPiecewise:
		v = f.interpolate(raw)
	default:
		v = f.Scale*raw + f.Offset
	}

	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

func (f Formula) interpolate(raw float64) float64 {
	if len(f.Points) == 0 {
		return 0
	}
	if raw <= f.Points[0].Raw {
		return f.Points[0].Value
	}
	last := f.Points[len(f.Points)-1]
	if raw >= last.Raw {
		return last.Value
	}

	for i := 1; i < len(f.Points); i++ {
		if raw > f.Points[i].Raw {
			continue
		}
		lo, hi := f.Points[i-1], f.Points[i]
		if hi.Raw == lo.Raw {
			return hi.Value
		}
		return lo.Value + (raw-lo.Raw)*(hi.Value-lo.Value)/(hi.Raw-lo.Raw)
	}
	return last.Value
}

// Parameter describes how to decode one parameter's raw bytes into a
// physical value.
type Parameter struct {
	ID   string
	Name string
	Unit units.Unit

	// Address is the parameter's base OBD address. Width is the number of
	// consecutive addresses holding the raw value, most significant first.
	Address byte
	Width   int

	Formula Formula
}

// RawToValue accumulates raw bytes big-endian and applies the parameter's
// formula. It is total for every byte pattern of the declared width.
func (p Parameter) RawToValue(raw []byte) float64 {
	n := uint64(0)
	for _, b := range raw {
		n = n<<8 | uint64(b)
	}
	return p.Formula.Apply(float64(n))
}

// Registry is a read-only mapping from OBD address to parameter
// descriptor. It is populated once at construction and safe for
// concurrent reads afterwards.
type Registry struct {
	byAddress map[byte]Parameter
	ordered   []Parameter
}

// NewRegistry builds a registry from a parameter table. An address
// appearing on more than one parameter is a construction error.
func NewRegistry(params []Parameter) (*Registry, error) {
	r := &Registry{
		byAddress: make(map[byte]Parameter, len(params)),
		ordered:   make([]Parameter, 0, len(params)),
	}
	for _, p := range params {
		if p.Width < 1 {
			p.Width = 1
		}
		if _, ok := r.byAddress[p.Address]; ok {
			return nil, errors.Errorf("duplicate parameter address 0x%02x", p.Address)
		}
		r.byAddress[p.Address] = p
		r.ordered = append(r.ordered, p)
	}
	sort.Slice(r.ordered, func(i, j int) bool {
		return r.ordered[i].Address < r.ordered[j].Address
	})
	return r, nil
}

// Lookup returns the descriptor for an address. A miss means the address
// is unmapped for this ECU; it is an expected outcome, not an error.
func (r *Registry) Lookup(address byte) (Parameter, bool) {
	p, ok := r.byAddress[address]
	return p, ok
}

// Parameters returns the registry's parameters in address order.
func (r *Registry) Parameters() []Parameter {
	out := make([]Parameter, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// Addresses returns every OBD address covered by the registry in scan
// order, with multi-byte parameters expanded to one address per byte.
func (r *Registry) Addresses() []byte {
	out := make([]byte, 0, len(r.ordered))
	for _, p := range r.ordered {
		for i := 0; i < p.Width; i++ {
			out = append(out, p.Address+byte(i))
		}
	}
	return out
}

// parameterFile is the on-disk shape of a versioned parameter table.
type parameterFile struct {
	Version    string           `yaml:"version"`
	Parameters []parameterEntry `yaml:"parameters"`
}

type parameterEntry struct {
	ID      string  `yaml:"id"`
	Name    string  `yaml:"name"`
	Unit    string  `yaml:"unit"`
	Address uint8   `yaml:"address"`
	Width   int     `yaml:"width"`
	Formula Formula `yaml:"formula"`
}

// LoadParameters reads a YAML parameter table and builds a registry from
// it. Unknown formula kinds are rejected here so Formula.Apply stays
// total at runtime.
func LoadParameters(rd io.Reader) (*Registry, error) {
	var file parameterFile
	if err := yaml.NewDecoder(rd).Decode(&file); err != nil {
		return nil, errors.Wrap(err, "decoding parameter table")
	}

	params := make([]Parameter, 0, len(file.Parameters))
	for _, e := range file.Parameters {
		switch e.Formula.Kind {
		case FormulaLinear, FormulaLookup, FormulaPiecewise:
		default:
			return nil, errors.Errorf("parameter %s: unknown formula kind %q", e.ID, e.Formula.Kind)
		}
		params = append(params, Parameter{
			ID:      e.ID,
			Name:    e.Name,
			Unit:    units.Unit(e.Unit),
			Address: e.Address,
			Width:   e.Width,
			Formula: e.Formula,
		})
	}

	return NewRegistry(params)
}
