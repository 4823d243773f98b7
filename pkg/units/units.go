// Package units defines the physical quantities and unit conversions meter
// drivers use when exposing typed state through a print schema.
package units

import "fmt"

// Quantity identifies the physical dimension of a printed value.
type Quantity int

const (
	Energy Quantity = iota
	Power
	Volume
	Flow
	Temperature
	Time
	Text
	Counter
)

func (q Quantity) String() string {
	switch q {
	case Energy:
		return "Energy"
	case Power:
		return "Power"
	case Volume:
		return "Volume"
	case Flow:
		return "Flow"
	case Temperature:
		return "Temperature"
	case Time:
		return "Time"
	case Text:
		return "Text"
	case Counter:
		return "Counter"
	default:
		return "Unknown"
	}
}

// Unit is a concrete unit of measure within a Quantity.
type Unit int

const (
	NoUnit Unit = iota
	KWH
	MJ
	GJ
	KW
	W
	M3
	M3H
	LH
	C
	K
	Seconds
	Minutes
	Hours
	Counts
)

func (u Unit) String() string {
	switch u {
	case KWH:
		return "kWh"
	case MJ:
		return "MJ"
	case GJ:
		return "GJ"
	case KW:
		return "kW"
	case W:
		return "W"
	case M3:
		return "m3"
	case M3H:
		return "m3/h"
	case LH:
		return "l/h"
	case C:
		return "C"
	case K:
		return "K"
	case Seconds:
		return "s"
	case Minutes:
		return "min"
	case Hours:
		return "h"
	case Counts:
		return "counts"
	default:
		return ""
	}
}

// DefaultUnit returns the SI-ish base unit this package stores values in
// for each quantity. Drivers store values in this unit and convert only
// when a print is rendered in a different one.
func DefaultUnit(q Quantity) Unit {
	switch q {
	case Energy:
		return KWH
	case Power:
		return KW
	case Volume:
		return M3
	case Flow:
		return M3H
	case Temperature:
		return C
	case Time:
		return Hours
	case Counter:
		return Counts
	default:
		return NoUnit
	}
}

// Convert converts a value stored in `from` into `to`. Both units must
// belong to the same quantity family; mismatched conversions return an
// error rather than a silently wrong number.
func Convert(value float64, from, to Unit) (float64, error) {
	if from == to {
		return value, nil
	}
	switch from {
	case KWH:
		switch to {
		case MJ:
			return value * 3.6, nil
		case GJ:
			return value * 0.0036, nil
		}
	case MJ:
		switch to {
		case KWH:
			return value / 3.6, nil
		case GJ:
			return value / 1000, nil
		}
	case GJ:
		switch to {
		case KWH:
			return value / 0.0036, nil
		case MJ:
			return value * 1000, nil
		}
	case KW:
		if to == W {
			return value * 1000, nil
		}
	case W:
		if to == KW {
			return value / 1000, nil
		}
	case M3H:
		if to == LH {
			return value * 1000 / 1, nil
		}
	case LH:
		if to == M3H {
			return value / 1000, nil
		}
	case Hours:
		switch to {
		case Minutes:
			return value * 60, nil
		case Seconds:
			return value * 3600, nil
		}
	case Minutes:
		switch to {
		case Hours:
			return value / 60, nil
		case Seconds:
			return value * 60, nil
		}
	case Seconds:
		switch to {
		case Hours:
			return value / 3600, nil
		case Minutes:
			return value / 60, nil
		}
	}
	return 0, fmt.Errorf("units: no conversion from %s to %s", from, to)
}

// AssertQuantity panics-free check used by drivers: returns an error if
// unit does not belong to the given quantity's known set. Kept permissive
// (NoUnit is always accepted) so Text quantities never need to check.
func AssertQuantity(u Unit, q Quantity) error {
	if u == NoUnit {
		return nil
	}
	switch q {
	case Energy:
		if u == KWH || u == MJ || u == GJ {
			return nil
		}
	case Power:
		if u == KW || u == W {
			return nil
		}
	case Volume:
		if u == M3 {
			return nil
		}
	case Flow:
		if u == M3H || u == LH {
			return nil
		}
	case Temperature:
		if u == C || u == K {
			return nil
		}
	case Time:
		if u == Seconds || u == Minutes || u == Hours {
			return nil
		}
	case Counter:
		if u == Counts {
			return nil
		}
	default:
		return nil
	}
	return fmt.Errorf("units: unit %s does not belong to quantity %s", u, q)
}
