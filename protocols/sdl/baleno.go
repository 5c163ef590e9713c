package sdl

import "github.com/suzukisdl/sdlogger/units"

// OBD addresses for the Baleno G13BB (33920-65GP) reference ECU. These
// are fixed external constants recovered from captured SDL traffic.
const (
	AddrFaultCodes1    byte = 0x00
	AddrFaultCodes2    byte = 0x01
	AddrFaultCodes3    byte = 0x02
	AddrFaultCodes4    byte = 0x03
	AddrEngineSpeed    byte = 0x04 // 16-bit, high byte first
	AddrTargetIdle     byte = 0x06
	AddrVehicleSpeed   byte = 0x07
	AddrCoolantTemp    byte = 0x08
	AddrIntakeAirTemp  byte = 0x09
	AddrThrottleAngle  byte = 0x0a
	AddrThrottleVolt   byte = 0x0b
	AddrInjPulseWidth  byte = 0x0d // 16-bit, high byte first
	AddrIgnitionAdv    byte = 0x0f
	AddrMAPSensor      byte = 0x10
	AddrBarometric     byte = 0x11
	AddrISCDuty        byte = 0x12
	AddrMixCtlDwell    byte = 0x13
	AddrMixCtlLearning byte = 0x14
	AddrMixCtlMonitor  byte = 0x15
	AddrBatteryVoltage byte = 0x16
	AddrRadiatorFan    byte = 0x19
	AddrStatusFlags1   byte = 0x1a
	AddrFaultCodes5    byte = 0x20
	AddrFaultCodes6    byte = 0x21
)

// Status flag bits within AddrStatusFlags1.
const (
	FlagPSPSwitch      byte = 1 << 1
	FlagACSwitch       byte = 1 << 2
	FlagClosedThrottle byte = 1 << 4
	FlagElectricLoad   byte = 1 << 6
)

func linear(scale, offset float64) Formula {
	return Formula{Kind: FormulaLinear, Scale: scale, Offset: offset}
}

func raw() Formula {
	return linear(1, 0)
}

// switchAt builds a lookup formula reading 1 at the given raw value and 0
// everywhere else.
func switchAt(on byte) Formula {
	table := make([]float64, 256)
	table[on] = 1
	return Formula{Kind: FormulaLookup, Table: table}
}

// BalenoG13BBParameters is the versioned parameter dataset for the
// reference engine configuration. Scales and offsets were derived
// against a factory scan tool; other ECUs are known to map additional
// addresses this table doesn't cover.
var BalenoG13BBParameters = []Parameter{
	{ID: "FAULT_CODES_1", Name: "Fault codes 1", Unit: units.Raw, Address: AddrFaultCodes1, Width: 1, Formula: raw()},
	{ID: "FAULT_CODES_2", Name: "Fault codes 2", Unit: units.Raw, Address: AddrFaultCodes2, Width: 1, Formula: raw()},
	{ID: "FAULT_CODES_3", Name: "Fault codes 3", Unit: units.Raw, Address: AddrFaultCodes3, Width: 1, Formula: raw()},
	{ID: "FAULT_CODES_4", Name: "Fault codes 4", Unit: units.Raw, Address: AddrFaultCodes4, Width: 1, Formula: raw()},
	{ID: "ENGINE_SPEED", Name: "Engine speed", Unit: units.RPM, Address: AddrEngineSpeed, Width: 2, Formula: linear(1/5.1, 0)},
	{ID: "TARGET_IDLE", Name: "Desired idle", Unit: units.RPM, Address: AddrTargetIdle, Width: 1, Formula: linear(7.84375, 0)},
	{ID: "VEHICLE_SPEED", Name: "Vehicle speed", Unit: units.KMH, Address: AddrVehicleSpeed, Width: 1, Formula: raw()},
	{ID: "COOLANT_TEMP", Name: "Coolant temperature", Unit: units.C, Address: AddrCoolantTemp, Width: 1, Formula: linear(159.0/255, -40)},
	{ID: "INTAKE_AIR_TEMP", Name: "Intake air temperature", Unit: units.C, Address: AddrIntakeAirTemp, Width: 1, Formula: linear(159.0/255, -40)},
	{ID: "THROTTLE_ANGLE", Name: "Absolute throttle position", Unit: units.Percent, Address: AddrThrottleAngle, Width: 1, Formula: linear(100.0/255, 0)},
	{ID: "THROTTLE_VOLT", Name: "TP sensor voltage", Unit: units.Volts, Address: AddrThrottleVolt, Width: 1, Formula: linear(5.0/255, 0)},
	{ID: "INJ_PULSE_WIDTH", Name: "Inj. pulse width (#1 cylinder)", Unit: units.MS, Address: AddrInjPulseWidth, Width: 2, Formula: linear(0.002, 0)},
	{ID: "IGNITION_ADVANCE", Name: "Ignition advance", Unit: units.BTDC, Address: AddrIgnitionAdv, Width: 1, Formula: linear(90.0/255, -12)},
	{ID: "MAP_SENSOR", Name: "Manifold absolute pressure", Unit: units.KPA, Address: AddrMAPSensor, Width: 1, Formula: linear(166.63/255, -20)},
	{ID: "BAROMETRIC_PRESSURE", Name: "Barometric pressure", Unit: units.KPA, Address: AddrBarometric, Width: 1, Formula: linear(166.63/255, -20)},
	{ID: "ISC_DUTY", Name: "ISC flow duty", Unit: units.Percent, Address: AddrISCDuty, Width: 1, Formula: linear(100.0/255, 0)},
	{ID: "MIX_CONTROL_DWELL", Name: "Mixture control dwell", Unit: units.Raw, Address: AddrMixCtlDwell, Width: 1, Formula: raw()},
	{ID: "MIX_CONTROL_LEARNING", Name: "Mixture control learning", Unit: units.Raw, Address: AddrMixCtlLearning, Width: 1, Formula: raw()},
	{ID: "MIX_CONTROL_MONITOR", Name: "Mixture control monitor", Unit: units.Raw, Address: AddrMixCtlMonitor, Width: 1, Formula: raw()},
	{ID: "BATTERY_VOLTAGE", Name: "Battery voltage", Unit: units.Volts, Address: AddrBatteryVoltage, Width: 1, Formula: linear(0.0787, 0)},
	{ID: "RADIATOR_FAN", Name: "Radiator fan", Unit: units.Count, Address: AddrRadiatorFan, Width: 1, Formula: switchAt(128)},
	{ID: "STATUS_FLAGS_1", Name: "Status flags 1", Unit: units.Raw, Address: AddrStatusFlags1, Width: 1, Formula: raw()},
	{ID: "FAULT_CODES_5", Name: "Fault codes 5", Unit: units.Raw, Address: AddrFaultCodes5, Width: 1, Formula: raw()},
	{ID: "FAULT_CODES_6", Name: "Fault codes 6", Unit: units.Raw, Address: AddrFaultCodes6, Width: 1, Formula: raw()},
}

// BalenoG13BB builds the registry for the reference ECU.
func BalenoG13BB() *Registry {
	r, err := NewRegistry(BalenoG13BBParameters)
	if err != nil {
		// The table is static; a duplicate address is a programming error.
		panic(err)
	}
	return r
}

// FaultCodeIDs lists the parameter IDs holding diagnostic trouble code
// bytes, in read order.
var FaultCodeIDs = []string{
	"FAULT_CODES_1", "FAULT_CODES_2", "FAULT_CODES_3",
	"FAULT_CODES_4", "FAULT_CODES_5", "FAULT_CODES_6",
}
