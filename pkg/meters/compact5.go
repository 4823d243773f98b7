package meters

import (
	"fmt"

	"github.com/muffintsi/wmbusd/pkg/telegram"
	"github.com/muffintsi/wmbusd/pkg/units"
)

func init() {
	Register("compact5", newCompact5)
}

// compact5 reads the Techem Compact V's proprietary payload directly by
// byte position, grounded on meter_compact5.cc's processContent, since
// CI 0xA2 carries no DIF/VIF record stream at all.
type compact5 struct {
	key []byte

	totalEnergyKWh    float64
	currentEnergyKWh  float64
	previousEnergyKWh float64
}

func newCompact5(key []byte) Driver {
	return &compact5{key: key}
}

func (c *compact5) Tag() string { return "compact5" }

// ExpectedIdentity returns false: Compact5 is seen on both C1 (media
// 0x04) and T1 (media 0xC3) telegrams under different device types, so
// there is no single expected identity triple to check against.
func (c *compact5) ExpectedIdentity() (Identity, bool) { return Identity{}, false }

func (c *compact5) ExpectedSecurityMode() SecurityMode { return SecurityNone }

func (c *compact5) LinkModes() []LinkMode { return []LinkMode{LinkC1, LinkT1} }

func (c *compact5) PrintSchema() []Print {
	return []Print{
		{Name: "total", Quantity: units.Energy,
			Getter:         func(u units.Unit) (float64, error) { return units.Convert(c.totalEnergyKWh, units.KWH, u) },
			AppearInFields: true, AppearInJSON: true},
		{Name: "current", Quantity: units.Energy,
			Getter:         func(u units.Unit) (float64, error) { return units.Convert(c.currentEnergyKWh, units.KWH, u) },
			AppearInFields: true, AppearInJSON: true},
		{Name: "previous", Quantity: units.Energy,
			Getter:         func(u units.Unit) (float64, error) { return units.Convert(c.previousEnergyKWh, units.KWH, u) },
			AppearInFields: true, AppearInJSON: true},
	}
}

func (c *compact5) ProcessContent(tel *telegram.Telegram) error {
	content := tel.Payload
	if len(content) < 9 {
		return fmt.Errorf("meters: compact5 payload too short: %d bytes", len(content))
	}

	prevLo, prevHi := content[3], content[4]
	prev := 256.0*float64(prevHi) + float64(prevLo)
	tel.AddAnnotation(tel.PlaintextStart+3, fmt.Sprintf("energy used in previous billing period (%f KWH)", prev))

	currLo, currHi := content[7], content[8]
	curr := 256.0*float64(currHi) + float64(currLo)
	tel.AddAnnotation(tel.PlaintextStart+7, fmt.Sprintf("energy used in current billing period (%f KWH)", curr))

	c.totalEnergyKWh = prev + curr
	c.currentEnergyKWh = curr
	c.previousEnergyKWh = prev
	return nil
}
