// Package telegram holds the decoded-telegram data model of spec.md §3
// and the pipeline that turns a framed byte buffer into one: DLL header
// parsing, optional ELL/TPL decryption via pkg/wmbuscrypto, and record
// parsing via pkg/dvparser.
package telegram

import (
	"fmt"
	"time"

	"github.com/muffintsi/wmbusd/pkg/dvparser"
	"github.com/muffintsi/wmbusd/pkg/wmbuscrypto"
)

// CI-field values this package recognizes at the start of the
// application layer, after any DLL/ELL header has been consumed.
const (
	ciELLHeaderShort = 0x8D
	ciELLHeaderLong  = 0x8E
	ciTPLNoHeader    = 0x78 // "short frame", no TPL header, no security
	ciTPLShortHeader = 0x7A
	ciTPLLongHeader  = 0x72
	ciCompact5       = 0xA2
)

// DLLHeader mirrors wmbuscrypto.DLLHeader; kept as a distinct type so this
// package's exported API doesn't leak an internal crypto dependency.
type DLLHeader struct {
	Length       byte
	CField       byte
	Manufacturer uint16
	Address      uint32
	Version      byte
	DeviceType   byte
}

// ExplanationEntry annotates one byte range of the raw frame for
// human/debug output; offsets are absolute into RawFrame.
type ExplanationEntry struct {
	Offset     int
	Hex        string
	Annotation string
}

// Telegram is immutable after Decode except for appended explanation
// entries, per spec.md §3.
type Telegram struct {
	RawFrame []byte
	DLL      DLLHeader

	HasELL         bool
	ELLSessionNum  uint32
	ELLFrameCount  uint16
	HasTPL         bool
	TPLAccessNum   byte
	TPLStatus      byte
	TPLConfig      uint16
	CIField        byte
	PlaintextStart int // offset into RawFrame where the decrypted/plain payload begins

	// Payload is the plaintext application-layer payload (post-decrypt,
	// past any ELL/TPL header), offset PlaintextStart into RawFrame.
	// Most drivers never touch this directly and use Records instead;
	// it exists for proprietary-payload drivers like Compact5 whose
	// CI field (0xA2) carries no DIF/VIF record stream at all.
	Payload []byte

	Records      *dvparser.RecordMap
	Explanations []ExplanationEntry
}

func (t *Telegram) addExplanation(offset int, raw []byte, annotation string) {
	t.Explanations = append(t.Explanations, ExplanationEntry{
		Offset:     offset,
		Hex:        fmt.Sprintf("%X", raw),
		Annotation: annotation,
	})
}

// AddAnnotation fills in the human-readable annotation for the
// explanation entry at offset, if one exists, the way
// meter_multical302.cc's addMoreExplanation does. If pkg/dvparser never
// emitted a trace entry at that offset (proprietary-payload drivers
// like Compact5 skip dvparser entirely), a new entry is appended
// instead, still satisfying spec.md §3's offset < len(RawFrame)
// invariant.
func (t *Telegram) AddAnnotation(offset int, annotation string) {
	for i := range t.Explanations {
		if t.Explanations[i].Offset == offset {
			t.Explanations[i].Annotation = annotation
			return
		}
	}
	if offset < 0 || offset >= len(t.RawFrame) {
		return
	}
	t.addExplanation(offset, t.RawFrame[offset:offset+1], annotation)
}

// KeyLookup resolves the AES key for a given DLL address; nil means no
// key is configured (valid only when the telegram turns out to carry no
// security).
type KeyLookup func(address uint32) []byte

// ErrNoKeyConfigured is returned by Decode when a telegram demands
// decryption but KeyLookup has no key for its address.
var ErrNoKeyConfigured = fmt.Errorf("telegram: no key configured for this address")

// Decode parses a frame-recognizer payload (the frame from its DLL
// length byte up to its end minus any stripped CRC, i.e.
// buf[:PayloadOffset+PayloadLength] from pkg/frame) into a Telegram, per spec.md §4.D-E. ignoreList is consulted and
// updated on integrity failures; if address is already ignored, Decode
// returns (nil, false, nil) without attempting decryption.
func Decode(payload []byte, keyLookup KeyLookup, ignoreList *wmbuscrypto.IgnoreList) (tel *Telegram, warn bool, err error) {
	if len(payload) < 9 {
		return nil, false, fmt.Errorf("telegram: payload too short for a DLL header: %d bytes", len(payload))
	}

	dll := DLLHeader{
		Length:       payload[0],
		CField:       payload[1],
		Manufacturer: uint16(payload[2]) | uint16(payload[3])<<8,
		Address:      uint32(payload[4]) | uint32(payload[5])<<8 | uint32(payload[6])<<16 | uint32(payload[7])<<24,
		Version:      payload[8],
	}
	if len(payload) >= 10 {
		dll.DeviceType = payload[9]
	}

	if ignoreList != nil && ignoreList.IsIgnored(dll.Address) {
		return nil, false, nil
	}

	t := &Telegram{RawFrame: payload, DLL: dll}
	t.addExplanation(0, payload[0:1], "length")
	t.addExplanation(1, payload[1:2], "C field")
	t.addExplanation(2, payload[2:4], "manufacturer")
	t.addExplanation(4, payload[4:8], "address")
	t.addExplanation(8, payload[8:9], "version")

	if len(payload) < 11 {
		return nil, false, fmt.Errorf("telegram: payload too short for an application layer: %d bytes", len(payload))
	}

	ci := payload[10]
	rest := payload[10:]

	var plaintext []byte
	var plaintextBase int

	switch ci {
	case ciELLHeaderShort, ciELLHeaderLong:
		if len(rest) < 8 {
			return nil, false, fmt.Errorf("telegram: truncated ELL header")
		}
		t.HasELL = true
		sessionBytes := rest[2:6]
		t.ELLSessionNum = uint32(sessionBytes[0]) | uint32(sessionBytes[1])<<8 | uint32(sessionBytes[2])<<16 | uint32(sessionBytes[3])<<24
		t.ELLFrameCount = uint16(t.ELLSessionNum & 0xFFFF)
		ciphertext := rest[8:]

		key := lookupKey(keyLookup, dll.Address)
		if key == nil {
			return nil, false, ErrNoKeyConfigured
		}
		cryptoDLL := wmbuscrypto.DLLHeader{Manufacturer: dll.Manufacturer, Address: dll.Address, Version: dll.Version, DeviceType: dll.DeviceType}
		pt, derr := wmbuscrypto.DecryptELL(key, cryptoDLL, t.ELLSessionNum, t.ELLFrameCount, ciphertext)
		if derr != nil {
			return handleIntegrityFailure(dll.Address, ignoreList, derr)
		}
		plaintext = pt
		plaintextBase = 10 + 8

	case ciTPLLongHeader, ciTPLShortHeader:
		if len(rest) < 4 {
			return nil, false, fmt.Errorf("telegram: truncated TPL header")
		}
		t.HasTPL = true
		t.TPLAccessNum = rest[1]
		t.TPLStatus = rest[2]
		t.TPLConfig = uint16(rest[3])
		ciphertext := rest[4:]

		key := lookupKey(keyLookup, dll.Address)
		if key == nil {
			// TPL headers with a zero config byte carry no security;
			// absence of a key is only an error once we know
			// encryption is in play.
			if t.TPLConfig&0x1F == 0 {
				plaintext = ciphertext
				plaintextBase = 10 + 4
				break
			}
			return nil, false, ErrNoKeyConfigured
		}
		cryptoDLL := wmbuscrypto.DLLHeader{Manufacturer: dll.Manufacturer, Address: dll.Address, Version: dll.Version, DeviceType: dll.DeviceType}
		pt, derr := wmbuscrypto.DecryptTPL(key, cryptoDLL, t.TPLAccessNum, ciphertext)
		if derr != nil {
			return handleIntegrityFailure(dll.Address, ignoreList, derr)
		}
		plaintext = pt
		plaintextBase = 10 + 4

	default:
		// No ELL/TPL security header recognized (ciTPLNoHeader,
		// ciCompact5, and anything else): the CI byte itself is the
		// only header, application records start right after it.
		if len(rest) < 1 {
			return nil, false, fmt.Errorf("telegram: truncated application layer")
		}
		plaintext = rest[1:]
		plaintextBase = 11
	}

	t.CIField = ci
	t.PlaintextStart = plaintextBase
	t.Payload = plaintext

	if ci == ciCompact5 {
		// The Techem Compact V wraps an entirely proprietary payload
		// behind CI 0xA2 (meter_compact5.cc): there is no DIF/VIF
		// record stream to walk, so pkg/dvparser is skipped and the
		// driver reads t.Payload by fixed position instead.
		return t, false, nil
	}

	result, perr := dvparser.Parse(plaintext, plaintextBase)
	if perr != nil {
		return nil, false, fmt.Errorf("telegram: %w", perr)
	}
	t.Records = result.Records
	for _, e := range result.Explanations {
		t.Explanations = append(t.Explanations, ExplanationEntry{Offset: e.Offset, Hex: e.Hex, Annotation: e.Annotation})
	}

	return t, false, nil
}

func lookupKey(keyLookup KeyLookup, address uint32) []byte {
	if keyLookup == nil {
		return nil
	}
	return keyLookup(address)
}

func handleIntegrityFailure(address uint32, ignoreList *wmbuscrypto.IgnoreList, cause error) (*Telegram, bool, error) {
	if ignoreList == nil {
		return nil, false, cause
	}
	shouldWarn := ignoreList.MarkFailed(address)
	return nil, shouldWarn, cause
}

// Timestamps bundles the three clock readings a sink attaches to a
// reading, per spec.md §6.
type Timestamps struct {
	UnixTime int64
	UTC      time.Time
	Local    time.Time
}

// NowTimestamps captures the current time in all three forms.
func NowTimestamps(now time.Time) Timestamps {
	return Timestamps{
		UnixTime: now.Unix(),
		UTC:      now.UTC(),
		Local:    now.Local(),
	}
}
