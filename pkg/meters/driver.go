// Package meters implements the meter driver contract of spec.md §4.G:
// pure transformations from a decoded telegram's record map into typed
// scalar state, exposed through an ordered print schema. Drivers never
// perform I/O; pkg/registry is the only caller.
package meters

import (
	"fmt"

	"github.com/muffintsi/wmbusd/pkg/dvparser"
	"github.com/muffintsi/wmbusd/pkg/telegram"
	"github.com/muffintsi/wmbusd/pkg/units"
)

// SecurityMode names which of spec.md §4.D's three paths a driver
// expects its telegrams to arrive through.
type SecurityMode int

const (
	SecurityAny SecurityMode = iota
	SecurityNone
	SecurityELLAESCTR
	SecurityTPLAESCBCIV
)

// LinkMode is the wM-Bus radio mode(s) a driver is normally seen on.
type LinkMode int

const (
	LinkC1 LinkMode = iota
	LinkT1
	LinkS1
)

// Print is one entry in a driver's print schema: a named, typed getter
// over the driver's current state, per spec.md §4.G.
type Print struct {
	Name     string
	Quantity units.Quantity

	// Getter reads the current numeric value, converted to u. Nil for
	// Quantity == units.Text.
	Getter func(u units.Unit) (float64, error)

	// TextGetter reads the current text value. Only set for
	// Quantity == units.Text.
	TextGetter func() string

	AppearInFields bool
	AppearInJSON   bool
}

// Identity names the manufacturer/type/version triple a driver expects
// to see on the wire, used by pkg/registry's detection-mismatch check.
type Identity struct {
	Manufacturer uint16
	DeviceType   byte
	Version      byte
}

// Driver is the contract every concrete meter implementation satisfies.
type Driver interface {
	Tag() string
	ExpectedIdentity() (Identity, bool)
	ExpectedSecurityMode() SecurityMode
	LinkModes() []LinkMode
	PrintSchema() []Print
	// ProcessContent mutates the driver's internal state from tel's
	// record map. A missing optional record leaves state untouched.
	ProcessContent(tel *telegram.Telegram) error
}

// Factory builds a fresh Driver instance for one meter's configuration.
type Factory func(key []byte) Driver

var registry = map[string]Factory{}

// Register adds a driver factory under a tag, used by config's
// driver field. Intended to be called from each driver file's init().
func Register(tag string, factory Factory) {
	registry[tag] = factory
}

// New looks up a registered factory by tag.
func New(tag string, key []byte) (Driver, error) {
	factory, ok := registry[tag]
	if !ok {
		return nil, fmt.Errorf("meters: unknown driver tag %q", tag)
	}
	return factory(key), nil
}

// Tags lists every registered driver tag, in no particular order.
func Tags() []string {
	tags := make([]string, 0, len(registry))
	for tag := range registry {
		tags = append(tags, tag)
	}
	return tags
}

// findDouble is a small helper every driver uses to pull one scaled
// double out of the record map, returning ok=false when the optional
// record is absent rather than an error, per spec.md §4.G.
func findDouble(records *dvparser.RecordMap, mt dvparser.MeasurementType, vi dvparser.ValueInformation, storageNr, tariff uint32) (value float64, offset int, ok bool) {
	key, found := dvparser.FindKey(records, mt, vi, storageNr, tariff)
	if !found {
		return 0, 0, false
	}
	offset, value, err := dvparser.ExtractDouble(records, key)
	if err != nil {
		return 0, offset, false
	}
	return value, offset, true
}

func findUint(records *dvparser.RecordMap, key string) (value uint64, offset int, ok bool) {
	offset, value, err := dvparser.ExtractUint(records, key)
	if err != nil {
		return 0, offset, false
	}
	return value, offset, true
}

func findDate(records *dvparser.RecordMap, mt dvparser.MeasurementType, storageNr, tariff uint32) (date dvparser.Date, offset int, ok bool) {
	key, found := dvparser.FindKey(records, mt, dvparser.DateVIF, storageNr, tariff)
	if !found {
		return dvparser.Date{}, 0, false
	}
	offset, date, err := dvparser.ExtractDate(records, key)
	if err != nil {
		return dvparser.Date{}, offset, false
	}
	return date, offset, true
}
