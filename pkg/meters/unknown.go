package meters

import (
	"fmt"

	"github.com/muffintsi/wmbusd/pkg/telegram"
	"github.com/muffintsi/wmbusd/pkg/units"
)

func init() {
	Register("unknown", newUnknown)
}

// unknown is the supplemented fallback driver (original_source/ has no
// direct equivalent, but its Meter Driver Contract and "print schema"
// concept generalize naturally to a catch-all): it never decodes a
// physical quantity, it just counts telegrams and exposes the raw
// record map's DV-keys as a diagnostic text field, so a configured meter
// whose address matches but whose real driver tag isn't known yet still
// shows up in the sink instead of being silently dropped.
type unknown struct {
	key []byte

	telegramCount int
	lastKeys      string
}

func newUnknown(key []byte) Driver {
	return &unknown{key: key}
}

func (u *unknown) Tag() string { return "unknown" }

func (u *unknown) ExpectedIdentity() (Identity, bool) { return Identity{}, false }

func (u *unknown) ExpectedSecurityMode() SecurityMode { return SecurityAny }

func (u *unknown) LinkModes() []LinkMode { return []LinkMode{LinkC1, LinkT1, LinkS1} }

func (u *unknown) PrintSchema() []Print {
	return []Print{
		{Name: "telegram_count", Quantity: units.Counter,
			Getter:         func(unit units.Unit) (float64, error) { return float64(u.telegramCount), nil },
			AppearInFields: true, AppearInJSON: true},
		{Name: "dv_keys", Quantity: units.Text,
			TextGetter: func() string { return u.lastKeys }, AppearInJSON: true},
	}
}

func (u *unknown) ProcessContent(tel *telegram.Telegram) error {
	u.telegramCount++
	u.lastKeys = fmt.Sprintf("%v", tel.Records.Keys())
	return nil
}
