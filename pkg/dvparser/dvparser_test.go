package dvparser

import (
	"encoding/hex"
	"testing"
)

func mustHex(t *testing.T, s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("bad test hex %q: %v", s, err)
	}
	return b
}

// TestParseMultical302Records reconstructs the exact DIF/VIF byte stream
// documented in meter_multical302.cc (spec.md §8 scenario (a)) and checks
// every record a driver would pull out of it.
func TestParseMultical302Records(t *testing.T) {
	// Reconstruct the exact byte stream documented in meter_multical302.cc:
	// 03 06 2C0000 | 43 06 000000 | 03 14 630000 | 42 6C 7F2A | 02 2D 1300 | 01 FF 21 00
	data := mustHex(t, "03"+"06"+"2C0000"+
		"43"+"06"+"000000"+
		"03"+"14"+"630000"+
		"42"+"6C"+"7F2A"+
		"02"+"2D"+"1300"+
		"01"+"FF"+"21"+"00")

	res, err := Parse(data, 0x14)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if res.Records.Len() == 0 {
		t.Fatalf("expected records, got none")
	}

	key, ok := FindKey(res.Records, Instantaneous, EnergyWh, 0, AnyTariff)
	if !ok {
		t.Fatalf("expected to find total energy key")
	}
	_, total, err := ExtractDouble(res.Records, key)
	if err != nil {
		t.Fatalf("ExtractDouble: %v", err)
	}
	if total != 44.0 {
		t.Errorf("total energy = %v, want 44.0", total)
	}

	targetKey, ok := FindKey(res.Records, Instantaneous, EnergyWh, 1, AnyTariff)
	if !ok {
		t.Fatalf("expected to find target energy key")
	}
	_, target, err := ExtractDouble(res.Records, targetKey)
	if err != nil {
		t.Fatalf("ExtractDouble target: %v", err)
	}
	if target != 0.0 {
		t.Errorf("target energy = %v, want 0.0", target)
	}

	volKey, ok := FindKey(res.Records, Instantaneous, Volume, 0, AnyTariff)
	if !ok {
		t.Fatalf("expected to find volume key")
	}
	_, vol, err := ExtractDouble(res.Records, volKey)
	if err != nil {
		t.Fatalf("ExtractDouble volume: %v", err)
	}
	if vol != 0.99 {
		t.Errorf("total volume = %v, want 0.99", vol)
	}

	powerKey, ok := FindKey(res.Records, Instantaneous, PowerW, 0, AnyTariff)
	if !ok {
		t.Fatalf("expected to find power key")
	}
	_, power, err := ExtractDouble(res.Records, powerKey)
	if err != nil {
		t.Fatalf("ExtractDouble power: %v", err)
	}
	if power != 1.9 {
		t.Errorf("current power = %v, want 1.9", power)
	}

	dateKey, ok := FindKey(res.Records, UnknownMeasurement, DateVIF, 1, AnyTariff)
	if !ok {
		t.Fatalf("expected to find date key")
	}
	_, d, err := ExtractDate(res.Records, dateKey)
	if err != nil {
		t.Fatalf("ExtractDate: %v", err)
	}
	if got, want := FormatDateTime(d), "2019-10-31 00:00"; got != want {
		t.Errorf("target date = %q, want %q", got, want)
	}

	infoKey := "01FF21"
	_, infoCodes, err := ExtractUint(res.Records, infoKey)
	if err != nil {
		t.Fatalf("ExtractUint info codes: %v", err)
	}
	if infoCodes != 0 {
		t.Errorf("info codes = %v, want 0", infoCodes)
	}
}

func TestParseStopsAtManufacturerData(t *testing.T) {
	data := mustHex(t, "01FF2100" + "0F" + "AABBCC")
	res, err := Parse(data, 0)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if res.Records.Len() != 1 {
		t.Fatalf("expected exactly one record before manufacturer data, got %d", res.Records.Len())
	}
}

func TestParseTruncatedPayloadErrors(t *testing.T) {
	data := mustHex(t, "0306") // DIF+VIF but no payload bytes
	if _, err := Parse(data, 0); err == nil {
		t.Fatalf("expected an error for a truncated payload")
	}
}

func TestParseEmptyBufferYieldsNoRecords(t *testing.T) {
	res, err := Parse(nil, 0)
	if err != nil {
		t.Fatalf("Parse(nil): %v", err)
	}
	if res.Records.Len() != 0 {
		t.Errorf("expected zero records for an empty payload")
	}
}

func TestDecodeBCDRejectsInvalidNibble(t *testing.T) {
	_, err := decodeBCD([]byte{0xAB})
	if err == nil {
		t.Fatalf("expected an error for BCD nibble > 9")
	}
}

func TestDuplicateDVKeyLastWriterWins(t *testing.T) {
	// Two "0215" (16-bit instantaneous, VIF 0x15) records at different
	// offsets; the record map must keep only the later one, matching
	// meter_compact5.cc's documented vendor_values["0215"] overwrite.
	data := mustHex(t, "02"+"15"+"6400" + "02"+"15"+"C800")
	res, err := Parse(data, 0)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if res.Records.Len() != 1 {
		t.Fatalf("expected the duplicate key to collapse to one entry, got %d", res.Records.Len())
	}
	re, ok := res.Records.Get("0215")
	if !ok {
		t.Fatalf("expected key 0215 to be present")
	}
	if re.Offset != 4 {
		t.Errorf("expected last-writer-wins to keep the second record's offset 4, got %d", re.Offset)
	}
}
