package sink

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/muffintsi/wmbusd/pkg/meters"
	"github.com/muffintsi/wmbusd/pkg/registry"
	"github.com/muffintsi/wmbusd/pkg/telegram"
)

func newUnknownInstance(t *testing.T) (*registry.Instance, *telegram.Telegram) {
	t.Helper()
	driver, err := meters.New("unknown", nil)
	if err != nil {
		t.Fatalf("new driver: %v", err)
	}
	inst := &registry.Instance{Name: "kitchen", DriverTag: "unknown", Driver: driver}
	tel := &telegram.Telegram{DLL: telegram.DLLHeader{Address: 0xAABBCCDD}}
	if err := driver.ProcessContent(tel); err != nil {
		t.Fatalf("process: %v", err)
	}
	return inst, tel
}

func TestRenderCollectsNumericAndTextFields(t *testing.T) {
	inst, tel := newUnknownInstance(t)
	r := Render(tel, inst)

	if r.MeterName != "kitchen" || r.Address != 0xAABBCCDD {
		t.Fatalf("unexpected reading header: %+v", r)
	}
	if len(r.Values) != 2 {
		t.Fatalf("expected 2 fields, got %d", len(r.Values))
	}
	var sawCount, sawKeys bool
	for _, fv := range r.Values {
		switch fv.Name {
		case "telegram_count":
			sawCount = true
			if fv.IsText || fv.Numeric != 1 {
				t.Fatalf("unexpected telegram_count field: %+v", fv)
			}
		case "dv_keys":
			sawKeys = true
			if !fv.IsText {
				t.Fatalf("expected dv_keys to be text: %+v", fv)
			}
		}
	}
	if !sawCount || !sawKeys {
		t.Fatalf("missing expected fields: %+v", r.Values)
	}
}

func TestReadingLineIncludesAllFields(t *testing.T) {
	inst, tel := newUnknownInstance(t)
	r := Render(tel, inst)
	line := r.Line()
	if !strings.Contains(line, "telegram_count=1") {
		t.Fatalf("expected line to mention telegram_count, got %q", line)
	}
	if !strings.Contains(line, "kitchen") {
		t.Fatalf("expected line to mention meter name, got %q", line)
	}
}

func TestReadingFieldRowOnlyIncludesFieldsFlag(t *testing.T) {
	inst, tel := newUnknownInstance(t)
	r := Render(tel, inst)
	row := r.FieldRow(",")
	cols := strings.Split(row, ",")
	// timestamp, address, meter name, then only telegram_count (dv_keys
	// is not AppearInFields).
	if len(cols) != 4 {
		t.Fatalf("expected 4 columns, got %d: %q", len(cols), row)
	}
	if cols[3] != "1" {
		t.Fatalf("expected last column to be the telegram count, got %q", cols[3])
	}
}

func TestReadingJSONIncludesOnlyAppearInJSONFields(t *testing.T) {
	inst, tel := newUnknownInstance(t)
	r := Render(tel, inst)
	raw, err := r.JSON()
	if err != nil {
		t.Fatalf("json: %v", err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := decoded["telegram_count"]; !ok {
		t.Fatalf("expected telegram_count in JSON output: %s", raw)
	}
	if _, ok := decoded["dv_keys"]; !ok {
		t.Fatalf("expected dv_keys in JSON output: %s", raw)
	}
	if decoded["meter_name"] != "kitchen" {
		t.Fatalf("unexpected meter_name: %v", decoded["meter_name"])
	}
}

func TestBroadcasterClientCountStartsAtZero(t *testing.T) {
	b := NewBroadcaster()
	if b.ClientCount() != 0 {
		t.Fatalf("expected empty broadcaster, got %d clients", b.ClientCount())
	}
}

func TestBroadcastWithNoClientsDoesNotPanic(t *testing.T) {
	b := NewBroadcaster()
	inst, tel := newUnknownInstance(t)
	r := Render(tel, inst)
	b.Broadcast(r)
}
