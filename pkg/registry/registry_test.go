package registry

import (
	"testing"

	"github.com/muffintsi/wmbusd/pkg/telegram"
)

func TestMatchesAddressWildcardPerNibble(t *testing.T) {
	cases := []struct {
		pattern string
		address uint32
		want    bool
	}{
		{"12345678", 0x12345678, true},
		{"1234****", 0x12345678, true},
		{"****5678", 0x12345678, true},
		{"12345679", 0x12345678, false},
		{"*", 0x12345678, true},
		{"", 0x00000000, true},
	}
	for _, c := range cases {
		got := matchesAddress(c.pattern, c.address)
		if got != c.want {
			t.Errorf("matchesAddress(%q, %08X) = %v, want %v", c.pattern, c.address, got, c.want)
		}
	}
}

func TestDispatchRoutesToMatchingInstanceOnly(t *testing.T) {
	r := New()
	if _, err := r.Add("m1", "12345678", "unknown", nil); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := r.Add("m2", "ABCDEF01", "unknown", nil); err != nil {
		t.Fatalf("add: %v", err)
	}

	tel := &telegram.Telegram{DLL: telegram.DLLHeader{Address: 0x12345678}, Records: nil}
	matched, err := r.Dispatch(tel)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if matched != 1 {
		t.Fatalf("expected exactly 1 match, got %d", matched)
	}

	insts := r.Instances()
	var m1, m2 *Instance
	for _, inst := range insts {
		switch inst.Name {
		case "m1":
			m1 = inst
		case "m2":
			m2 = inst
		}
	}
	if m1.NumUpdates() != 1 {
		t.Fatalf("expected m1 to have 1 update, got %d", m1.NumUpdates())
	}
	if m2.NumUpdates() != 0 {
		t.Fatalf("expected m2 to have 0 updates, got %d", m2.NumUpdates())
	}
}

func TestDispatchDropsUnmatchedSilently(t *testing.T) {
	r := New()
	if _, err := r.Add("m1", "12345678", "unknown", nil); err != nil {
		t.Fatalf("add: %v", err)
	}
	tel := &telegram.Telegram{DLL: telegram.DLLHeader{Address: 0xFFFFFFFF}}
	matched, err := r.Dispatch(tel)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if matched != 0 {
		t.Fatalf("expected 0 matches, got %d", matched)
	}
}

func TestAddUnknownDriverTagErrors(t *testing.T) {
	r := New()
	if _, err := r.Add("m1", "*", "no-such-driver", nil); err == nil {
		t.Fatalf("expected error for unknown driver tag")
	}
}

func TestCheckIdentityWarnsOncePerAddress(t *testing.T) {
	r := New()
	inst, err := r.Add("m1", "*", "multical302", nil)
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	tel := &telegram.Telegram{DLL: telegram.DLLHeader{Address: 0x12345678, Manufacturer: 0x0001, DeviceType: 0x99, Version: 0x99}}
	r.checkIdentity(inst, tel)
	r.checkIdentity(inst, tel)

	r.warnedMu.Lock()
	warned := r.warned[0x12345678]
	r.warnedMu.Unlock()
	if !warned {
		t.Fatalf("expected address to be marked warned after mismatch")
	}
}
