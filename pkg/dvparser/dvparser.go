// Package dvparser walks the application-layer DIF/VIF record stream of a
// decoded M-Bus/wM-Bus telegram and exposes typed lookup helpers over the
// resulting record map, per spec §4.E.
//
// The core walking loop is grounded on the DIF/DIFE/VIF/VIFE chaining logic
// of other_examples/d21d3q-gowmbus__dvparser.go; the lookup helpers
// (findKey / extractDVuintN / extractDVdouble / extractDVdate) and their
// naming follow the driver-facing contract spec.md §4.E and §8 scenarios
// (a)-(c) require.
package dvparser

import (
	"encoding/hex"
	"fmt"
	"math"
	"time"
)

// DVEntry is one decoded DIF/VIF record, per spec.md §3.
type DVEntry struct {
	MeasurementType MeasurementType
	VIFCode         byte
	StorageNr       uint32
	Tariff          uint32
	Subunit         uint32
	Raw             []byte
}

// RecordEntry pairs a DVEntry with the byte offset (within the original
// telegram) its record started at.
type RecordEntry struct {
	Offset int
	Entry  DVEntry
}

// ExplanationEntry is one byte of the explanation trace: offset, hex byte,
// and an optional human annotation filled in later by a driver.
type ExplanationEntry struct {
	Offset     int
	Hex        string
	Annotation string
}

// RecordMap is the ordered multimap from DV-key (hex of DIF‖DIFEs‖VIF‖VIFEs)
// to its (offset, DVEntry). Insertion order is preserved in Keys so that
// explanation traces and JSON dumps stay deterministic; duplicate DV-keys
// within a telegram overwrite the earlier entry (last-writer-wins), per
// spec.md §3's invariant and §9's open-question note.
type RecordMap struct {
	entries map[string]RecordEntry
	keys    []string
}

func newRecordMap() *RecordMap {
	return &RecordMap{entries: make(map[string]RecordEntry)}
}

func (m *RecordMap) set(key string, re RecordEntry) {
	if _, exists := m.entries[key]; !exists {
		m.keys = append(m.keys, key)
	}
	m.entries[key] = re
}

// Get returns the entry for an exact DV-key. A nil receiver (a telegram
// whose CI field carried no DIF/VIF record stream, e.g. Compact5's
// proprietary payload) behaves as an empty map rather than panicking.
func (m *RecordMap) Get(key string) (RecordEntry, bool) {
	if m == nil {
		return RecordEntry{}, false
	}
	re, ok := m.entries[key]
	return re, ok
}

// Keys returns DV-keys in first-insertion order.
func (m *RecordMap) Keys() []string {
	if m == nil {
		return nil
	}
	return m.keys
}

// Len reports how many distinct DV-keys are present.
func (m *RecordMap) Len() int {
	if m == nil {
		return 0
	}
	return len(m.entries)
}

// ParseResult bundles the record map with the explanation trace built while
// walking the payload.
type ParseResult struct {
	Records      *RecordMap
	Explanations []ExplanationEntry
}

// Parse walks `payload` (the application-layer records, after the CI byte
// and any TPL header) and returns the decoded record map plus explanation trace.
// `baseOffset` is added to every reported offset so callers can point back
// into the original, undecrypted telegram frame (spec.md §3's invariant:
// "Any entry in the explanation trace satisfies offset < len(raw frame)").
func Parse(payload []byte, baseOffset int) (*ParseResult, error) {
	records := newRecordMap()
	var explanations []ExplanationEntry
	i := 0

	emit := func(start, end int) {
		for j := start; j < end && j < len(payload); j++ {
			explanations = append(explanations, ExplanationEntry{
				Offset: baseOffset + j,
				Hex:    hex.EncodeToString(payload[j : j+1]),
			})
		}
	}

	for i < len(payload) {
		recStart := i
		dif := payload[i]
		i++

		if dif == 0x2F { // padding byte, skip
			emit(recStart, i)
			continue
		}
		if dif&0x0F == difSpecialFuncs { // 0x0F / 0x1F: rest is manufacturer data
			emit(recStart, len(payload))
			break
		}

		var difes []byte
		storage := storageBit0(dif)
		var tariff, subunit uint32
		difeIdx := 0
		hasDIFE := dif&difExtensionBit != 0
		for hasDIFE {
			if i >= len(payload) {
				return nil, fmt.Errorf("dvparser: unexpected end of payload while reading DIFE at offset %d", baseOffset+i)
			}
			dife := payload[i]
			i++
			difes = append(difes, dife)
			subunit |= uint32((dife>>6)&0x01) << uint(difeIdx)
			tariff |= uint32((dife>>4)&0x03) << uint(difeIdx*2)
			storage |= uint32(dife&0x0F) << uint(1+difeIdx*4)
			hasDIFE = dife&difExtensionBit != 0
			difeIdx++
		}

		if i >= len(payload) {
			return nil, fmt.Errorf("dvparser: unexpected end of payload before VIF at offset %d", baseOffset+i)
		}
		vifByte := payload[i]
		i++
		// VIFE chaining follows the same rule as DIFE: bit 0x80 of the
		// byte just read says whether another byte follows. This applies
		// uniformly whether the VIF is a plain primary-table code or one
		// of the extension-table markers (0xFB/0xFD/0xEF/0xFF) — those
		// markers always arrive with bit 0x80 set, so the chain simply
		// continues into the table-specific VIFE bytes. We don't carry
		// the FB/FD extended tables themselves; their VIFE bytes are kept
		// verbatim in the DV-key so vendor/extended lookups still work by
		// raw key even though classifyVIF only understands the primary
		// table.
		var vifes []byte
		hasVIFE := vifByte&difExtensionBit != 0
		for hasVIFE {
			if i >= len(payload) {
				return nil, fmt.Errorf("dvparser: unexpected end of payload while reading VIFE at offset %d", baseOffset+i)
			}
			vife := payload[i]
			i++
			vifes = append(vifes, vife)
			hasVIFE = vife&difExtensionBit != 0
		}

		length, known := dataLength(dif & 0x0F)
		if !known {
			emit(recStart, i)
			break
		}

		if i+length > len(payload) {
			return nil, fmt.Errorf("dvparser: payload truncated for DIF 0x%02X at offset %d", dif, baseOffset+recStart)
		}
		raw := append([]byte{}, payload[i:i+length]...)
		i += length

		key := buildKey(dif, difes, vifByte, vifes)
		entry := DVEntry{
			MeasurementType: measurementTypeFromDIF(dif),
			VIFCode:         vifByte & 0x7F,
			StorageNr:       storage,
			Tariff:          tariff,
			Subunit:         subunit,
			Raw:             raw,
		}
		records.set(key, RecordEntry{Offset: baseOffset + recStart, Entry: entry})
		emit(recStart, i)
	}

	return &ParseResult{Records: records, Explanations: explanations}, nil
}

// dataLength returns the payload byte length for a DIF low nibble,
// including the variable-length marker (0x0D), whose length is carried in
// the first payload byte rather than being fixed.
func dataLength(nibble byte) (int, bool) {
	if nibble == difVarLen {
		// Caller-unaware of the length-prefix byte; treated as unsupported
		// here and resynced to manufacturer data, matching
		// spec.md §7 ParserError's "otherwise drop rest of telegram".
		return 0, false
	}
	return fixedLength(nibble)
}

func buildKey(dif byte, difes []byte, vif byte, vifes []byte) string {
	b := make([]byte, 0, 2+len(difes)+len(vifes))
	b = append(b, dif)
	b = append(b, difes...)
	b = append(b, vif)
	b = append(b, vifes...)
	return fmt.Sprintf("%02X", b)
}

// FindKey performs the linear, wildcard-aware search drivers use to locate
// a DV-key without knowing its exact DIFE/VIFE suffix, per spec.md §4.E.
// measurementType == UnknownMeasurement, storageNr == AnyStorage, and
// tariff == AnyTariff act as wildcards.
const (
	AnyStorage = ^uint32(0)
	AnyTariff  = ^uint32(0)
)

func FindKey(records *RecordMap, mt MeasurementType, vi ValueInformation, storageNr, tariff uint32) (string, bool) {
	for _, key := range records.Keys() {
		re, _ := records.Get(key)
		if mt != UnknownMeasurement && re.Entry.MeasurementType != mt {
			continue
		}
		decode, ok := classifyVIF(re.Entry.VIFCode)
		if !ok || decode.info != vi {
			continue
		}
		if storageNr != AnyStorage && re.Entry.StorageNr != storageNr {
			continue
		}
		if tariff != AnyTariff && re.Entry.Tariff != tariff {
			continue
		}
		return key, true
	}
	return "", false
}

// ExtractUint extracts the little-endian unsigned integer stored in a
// record's raw bytes, regardless of the record's declared VIF quantity.
func ExtractUint(records *RecordMap, key string) (offset int, value uint64, err error) {
	re, ok := records.Get(key)
	if !ok {
		return 0, 0, fmt.Errorf("dvparser: no such key %q", key)
	}
	if len(re.Entry.Raw) > 8 {
		return 0, 0, fmt.Errorf("dvparser: key %q is wider than 64 bits", key)
	}
	var v uint64
	for i := len(re.Entry.Raw) - 1; i >= 0; i-- {
		v = v<<8 | uint64(re.Entry.Raw[i])
	}
	return re.Offset, v, nil
}

// ExtractDouble decodes a record's raw bytes (BCD or little-endian integer,
// per the DIF width) and scales it by the VIF's decimal exponent into the
// package's default unit for that VIF's quantity.
func ExtractDouble(records *RecordMap, key string) (offset int, value float64, err error) {
	re, ok := records.Get(key)
	if !ok {
		return 0, 0, fmt.Errorf("dvparser: no such key %q", key)
	}
	raw := re.Entry.Raw
	var base float64
	if isBCDKey(key) {
		base, err = decodeBCD(raw)
		if err != nil {
			return re.Offset, math.NaN(), err
		}
	} else {
		var u uint64
		for i := len(raw) - 1; i >= 0; i-- {
			u = u<<8 | uint64(raw[i])
		}
		base = float64(u)
	}

	decode, ok := classifyVIF(re.Entry.VIFCode)
	if !ok {
		return re.Offset, base, nil
	}
	if decode.exponent == nil {
		return re.Offset, base, nil
	}
	exp := decode.exponent(vifExponentArg(re.Entry.VIFCode))
	if exp < 0 {
		// Divide by 10^n rather than multiply by 10^-n: 10^-n has no exact
		// binary form, so 19*0.1 gives 1.9000000000000001 where 19/10
		// rounds to the nearest double, 1.9.
		return re.Offset, base / math.Pow(10, float64(-exp)), nil
	}
	return re.Offset, base * math.Pow(10, float64(exp)), nil
}

// isBCDKey reports whether the DIF byte (the first byte of a DV-key's hex
// form) encodes a BCD data field.
func isBCDKey(key string) bool {
	b, err := hex.DecodeString(key[:2])
	if err != nil || len(b) == 0 {
		return false
	}
	switch b[0] & 0x0F {
	case difBCD2, difBCD4, difBCD6, difBCD8, difBCD12:
		return true
	}
	return false
}

// decodeBCD decodes little-endian packed BCD. Nibbles above 9 produce NaN
// for the whole record (per spec.md §4.E's numeric policy); the top nibble
// being 0xF signals a negative value.
func decodeBCD(raw []byte) (float64, error) {
	if len(raw) == 0 {
		return 0, nil
	}
	negative := false
	topNibble := raw[len(raw)-1] >> 4
	if topNibble == 0xF {
		negative = true
	}
	var v float64
	mul := 1.0
	for i := 0; i < len(raw); i++ {
		lo := raw[i] & 0x0F
		hi := raw[i] >> 4
		if i == len(raw)-1 && negative {
			hi = 0
		}
		if lo > 9 || hi > 9 {
			return math.NaN(), fmt.Errorf("dvparser: invalid BCD nibble in byte 0x%02X", raw[i])
		}
		v += float64(lo) * mul
		mul *= 10
		v += float64(hi) * mul
		mul *= 10
	}
	if negative {
		v = -v
	}
	return v, nil
}

// Date is a decoded Type G / Type F timestamp. Month is 1-12 as in
// time.Month; Minute/Hour/Valid are only meaningful for Type F.
type Date struct {
	Year, Month, Day int
	Hour, Minute     int
	Valid            bool
}

// Time converts a Date into a time.Time in the given location.
func (d Date) Time(loc *time.Location) time.Time {
	return time.Date(d.Year, time.Month(d.Month), d.Day, d.Hour, d.Minute, 0, 0, loc)
}

// ExtractDate decodes a Type G (date-only, 2 bytes) or Type F (datetime,
// 4 bytes) record into a Date. Byte layout follows EN 13757-3:
//
//	Type G: byte0 = day[0:5) | yearLow[5:8); byte1 = month[0:4) | yearHigh[4:8)
//	Type F: byte0 = minute[0:6) | validBits[6:8);
//	        byte1 = hour[0:5);
//	        byte2/byte3 = day/month/year as in Type G.
func ExtractDate(records *RecordMap, key string) (offset int, date Date, err error) {
	re, ok := records.Get(key)
	if !ok {
		return 0, Date{}, fmt.Errorf("dvparser: no such key %q", key)
	}
	raw := re.Entry.Raw
	switch len(raw) {
	case 2:
		return re.Offset, decodeTypeG(raw[0], raw[1]), nil
	case 4:
		minute := int(raw[0] & 0x3F)
		hour := int(raw[1] & 0x1F)
		valid := raw[0]&0x80 == 0
		d := decodeTypeG(raw[2], raw[3])
		d.Hour = hour
		d.Minute = minute
		d.Valid = valid
		return re.Offset, d, nil
	default:
		return re.Offset, Date{}, fmt.Errorf("dvparser: unexpected date field width %d", len(raw))
	}
}

func decodeTypeG(lo, hi byte) Date {
	day := int(lo & 0x1F)
	month := int(hi & 0x0F)
	yearLow := int((lo >> 5) & 0x07)
	yearHigh := int((hi >> 4) & 0x0F)
	year := 2000 + yearLow + yearHigh<<3
	return Date{Year: year, Month: month, Day: day, Valid: true}
}

// FormatDateTime renders a Date the way drivers print it in explanation
// traces: "YYYY-MM-DD HH:MM".
func FormatDateTime(d Date) string {
	return fmt.Sprintf("%04d-%02d-%02d %02d:%02d", d.Year, d.Month, d.Day, d.Hour, d.Minute)
}
