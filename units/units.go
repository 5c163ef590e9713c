package units

import "errors"

// Unit provides common values for units used to describe a parameter's value.
type Unit string

// The valid units.
const (
	// Velocity
	MPH Unit = "mph"
	KMH Unit = "km/h"

	// Rotational Speed
	RPM Unit = "rpm"

	// Timing
	Degrees Unit = "degrees"
	BTDC    Unit = "BTDC"

	// Temperature
	F Unit = "F"
	C Unit = "C"

	// Pressure
	PSI  Unit = "psi"
	BAR  Unit = "bar"
	KPA  Unit = "kPa"
	HPA  Unit = "hPa"
	InHG Unit = "inHg"
	MmHG Unit = "mmHg"

	// Electricity
	Volts Unit = "V"

	// Time
	MS Unit = "ms"
	US Unit = "µs"

	// Misc
	Percent Unit = "%"
	Count   Unit = "count"
	Raw     Unit = "raw ecu value"
)

// ErrorInvalidConversion is returned when an invalid unit conversion attempt is made.
var ErrorInvalidConversion = errors.New("units are invalid for conversion")

func Convert(value float64, from, to Unit) (float64, error) {
	cvs := UnitConversions[from]
	if cvs == nil {
		return 0, ErrorInvalidConversion
	}

	cv := cvs[to]
	if cv == nil {
		return 0, ErrorInvalidConversion
	}

	return cv(value), nil
}

// UnitConversions provides conversion functions for the package-defined Units.
var UnitConversions = map[Unit]map[Unit]func(v float64) float64{
	MPH: {
		KMH: func(v float64) float64 {
			return v * 1.60934
		},
	},
	KMH: {
		MPH: func(v float64) float64 {
			return v * 0.621371
		},
	},
	F: {
		C: func(v float64) float64 {
			return (v - 32) / 9 * 5
		},
	},
	C: {
		F: func(v float64) float64 {
			return (v / 5 * 9) + 32
		},
	},
	KPA: {
		PSI: func(v float64) float64 {
			return v * 0.145038
		},
		BAR: func(v float64) float64 {
			return v / 100
		},
		HPA: func(v float64) float64 {
			return v * 10
		},
		InHG: func(v float64) float64 {
			return v * 0.2953
		},
		MmHG: func(v float64) float64 {
			return v * 7.5
		},
	},
	PSI: {
		KPA: func(v float64) float64 {
			return v * 6.89476
		},
		BAR: func(v float64) float64 {
			return v * 0.0689475729
		},
		InHG: func(v float64) float64 {
			return v * 2.03602
		},
		MmHG: func(v float64) float64 {
			return v * 51.7149
		},
	},
	BAR: {
		PSI: func(v float64) float64 {
			return v * 14.5038
		},
		KPA: func(v float64) float64 {
			return v * 100
		},
		HPA: func(v float64) float64 {
			return v * 1000
		},
	},
	HPA: {
		KPA: func(v float64) float64 {
			return v / 10
		},
		BAR: func(v float64) float64 {
			return v / 1000
		},
	},
}
