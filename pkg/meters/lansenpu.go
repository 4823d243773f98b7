package meters

import (
	"github.com/muffintsi/wmbusd/pkg/dvparser"
	"github.com/muffintsi/wmbusd/pkg/telegram"
	"github.com/muffintsi/wmbusd/pkg/units"
)

func init() {
	Register("lansenpu", newLansenPU)
}

// lansenPU is a two-channel pulse counter, grounded on
// meter_lansenpu.cc. Both channels use the second VIF extension table
// (0xFD 0x3A, dimensionless/no VIF) so they're read by literal DV-key
// rather than pkg/dvparser's semantic findKey helper.
type lansenPU struct {
	key []byte

	pulseCounterA float64
	pulseCounterB float64
}

func newLansenPU(key []byte) Driver {
	return &lansenPU{key: key}
}

func (l *lansenPU) Tag() string { return "lansenpu" }

func (l *lansenPU) ExpectedIdentity() (Identity, bool) {
	return Identity{Version: 0x14}, true
}

func (l *lansenPU) ExpectedSecurityMode() SecurityMode { return SecurityTPLAESCBCIV }

func (l *lansenPU) LinkModes() []LinkMode { return []LinkMode{LinkT1} }

func (l *lansenPU) PrintSchema() []Print {
	return []Print{
		{Name: "counter_a", Quantity: units.Counter,
			Getter:         func(u units.Unit) (float64, error) { return l.pulseCounterA, nil },
			AppearInFields: true, AppearInJSON: true},
		{Name: "counter_b", Quantity: units.Counter,
			Getter:         func(u units.Unit) (float64, error) { return l.pulseCounterB, nil },
			AppearInFields: true, AppearInJSON: true},
	}
}

func (l *lansenPU) ProcessContent(tel *telegram.Telegram) error {
	if offset, v, err := dvparser.ExtractDouble(tel.Records, "0EFD3A"); err == nil {
		l.pulseCounterA = v
		tel.AddAnnotation(offset, "pulse counter a")
	}
	if offset, v, err := dvparser.ExtractDouble(tel.Records, "8E40FD3A"); err == nil {
		l.pulseCounterB = v
		tel.AddAnnotation(offset, "pulse counter b")
	}
	return nil
}
