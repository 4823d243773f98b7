package dvparser

import "github.com/muffintsi/wmbusd/pkg/units"

// VIF escape codes that select an extended table instead of the primary
// one, or mark a plain-text unit string.
const (
	VIFPlainText    = 0xFC
	VIFExtensionFB  = 0xFB
	VIFExtensionFD  = 0xFD
	VIFExtensionEF  = 0xEF // reserved
	VIFAny          = 0xFF // manufacturer/vendor extension marker
)

// ValueInformation names the physical quantity a primary-table VIF encodes.
// Only the subset exercised by the drivers in pkg/meters is named; anything
// else decodes to Unknown and callers fall back to the raw VIF code for
// lookups.
type ValueInformation int

const (
	VIFUnknown ValueInformation = iota
	EnergyWh
	EnergyJ
	Volume
	VolumeFlow
	PowerW
	FlowTemperature
	ReturnTemperature
	TemperatureDifference
	DateVIF
	DateTime
	VendorSpecific
)

// vifDecode describes how to turn a primary-table VIF byte's low bits into
// a decimal exponent and a physical quantity, scaled into the package's
// default (SI-ish) unit for that quantity.
type vifDecode struct {
	info     ValueInformation
	quantity units.Quantity
	unit     units.Unit
	// exponent(nnn) returns the power-of-ten multiplier to apply to the raw
	// integer/BCD value to land in `unit`, given the VIF's low bits.
	exponent func(nnn int) int
}

// classifyVIF inspects the primary-table VIF byte (bit 7, the VIFE-chain
// bit, must already be masked off by the caller) and returns how to decode
// it, or ok=false if it is outside the subset this package understands
// (the caller keeps the raw bytes regardless; classification is only used
// by the high-level extractDVdouble/findKey helpers).
func classifyVIF(vif byte) (decode vifDecode, ok bool) {
	switch {
	case vif <= 0x07: // E000 0nnn - Energy Wh
		return vifDecode{EnergyWh, units.Energy, units.KWH, func(n int) int { return n - 6 }}, true
	case vif >= 0x08 && vif <= 0x0F: // E000 1nnn - Energy J
		return vifDecode{EnergyJ, units.Energy, units.MJ, func(n int) int { return n - 6 }}, true
	case vif >= 0x10 && vif <= 0x17: // E001 0nnn - Volume m3
		return vifDecode{Volume, units.Volume, units.M3, func(n int) int { return n - 6 }}, true
	case vif >= 0x28 && vif <= 0x2F: // E010 1nnn - Power W
		return vifDecode{PowerW, units.Power, units.KW, func(n int) int { return n - 6 }}, true
	case vif >= 0x38 && vif <= 0x3F: // E011 1nnn - Volume flow m3/h
		return vifDecode{VolumeFlow, units.Flow, units.M3H, func(n int) int { return n - 6 }}, true
	case vif >= 0x58 && vif <= 0x5B: // E101 10nn - Flow temperature C
		return vifDecode{FlowTemperature, units.Temperature, units.C, func(n int) int { return n - 3 }}, true
	case vif >= 0x5C && vif <= 0x5F: // E101 11nn - Return temperature C
		return vifDecode{ReturnTemperature, units.Temperature, units.C, func(n int) int { return n - 3 }}, true
	case vif >= 0x60 && vif <= 0x63: // E110 00nn - Temperature difference K
		return vifDecode{TemperatureDifference, units.Temperature, units.K, func(n int) int { return n - 3 }}, true
	case vif == 0x6C: // Date type G
		return vifDecode{info: DateVIF}, true
	case vif == 0x6D: // Date time type F
		return vifDecode{info: DateTime}, true
	}
	return vifDecode{}, false
}

// vifExponentArg picks which low bits of the VIF feed the exponent
// function: 3 bits for most ranges above, 2 bits for the 0x58-0x5F /
// 0x60-0x63 temperature ranges.
func vifExponentArg(vif byte) int {
	switch {
	case vif >= 0x58 && vif <= 0x63:
		return int(vif & 0x03)
	default:
		return int(vif & 0x07)
	}
}
