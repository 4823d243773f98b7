// Package sink implements spec.md §4.H: consumers of the core's
// (Telegram, Meter) reading callback. Nothing in this package is part
// of the core — spec.md §3's "no persistent state inside the core"
// holds regardless of which sinks are wired up.
package sink

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/muffintsi/wmbusd/pkg/registry"
	"github.com/muffintsi/wmbusd/pkg/telegram"
	"github.com/muffintsi/wmbusd/pkg/units"
)

// FieldValue is one rendered entry from a driver's print schema.
type FieldValue struct {
	Name           string  `json:"name"`
	IsText         bool    `json:"-"`
	Text           string  `json:"value_text,omitempty"`
	Numeric        float64 `json:"value,omitempty"`
	Unit           string  `json:"unit,omitempty"`
	AppearInFields bool    `json:"-"`
	AppearInJSON   bool    `json:"-"`
}

// Reading is the rendered form of one (Telegram, Meter) callback, per
// spec.md §6: every print schema entry plus the three timestamps.
type Reading struct {
	MeterName   string       `json:"meter_name"`
	Address     uint32       `json:"address"`
	DriverTag   string       `json:"driver"`
	TimestampUT int64        `json:"timestamp_ut"`
	TimestampUTC string      `json:"timestamp_utc"`
	TimestampLT string       `json:"timestamp_lt"`
	Values      []FieldValue `json:"fields"`
}

// Render walks inst.Driver's print schema and pulls a snapshot value
// for every entry, per spec.md §4.G/§6. A Getter/TextGetter call that
// errors is skipped — the field is simply absent from this reading,
// matching spec.md §4.G's "a missing optional record leaves state
// untouched" rather than failing the whole render.
func Render(tel *telegram.Telegram, inst *registry.Instance) Reading {
	now := time.Now()
	r := Reading{
		MeterName:    inst.Name,
		Address:      tel.DLL.Address,
		DriverTag:    inst.DriverTag,
		TimestampUT:  now.Unix(),
		TimestampUTC: now.UTC().Format(time.RFC3339),
		TimestampLT:  now.Local().Format(time.RFC3339),
	}

	for _, p := range inst.Driver.PrintSchema() {
		fv := FieldValue{Name: p.Name, AppearInFields: p.AppearInFields, AppearInJSON: p.AppearInJSON}
		if p.Quantity == units.Text {
			if p.TextGetter == nil {
				continue
			}
			fv.IsText = true
			fv.Text = p.TextGetter()
		} else {
			if p.Getter == nil {
				continue
			}
			u := units.DefaultUnit(p.Quantity)
			v, err := p.Getter(u)
			if err != nil {
				continue
			}
			fv.Numeric = v
			fv.Unit = u.String()
		}
		r.Values = append(r.Values, fv)
	}
	return r
}

// Line renders a human-readable "name=value unit" summary line, the
// text counterpart to JSON(), intended for console/log sinks.
func (r Reading) Line() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %08X %s", r.TimestampUTC, r.Address, r.MeterName)
	for _, fv := range r.Values {
		if fv.IsText {
			fmt.Fprintf(&b, " %s=%q", fv.Name, fv.Text)
			continue
		}
		if fv.Unit != "" {
			fmt.Fprintf(&b, " %s=%g %s", fv.Name, fv.Numeric, fv.Unit)
		} else {
			fmt.Fprintf(&b, " %s=%g", fv.Name, fv.Numeric)
		}
	}
	return b.String()
}

// FieldRow renders the subset of the schema marked AppearInFields as a
// sep-delimited row, schema order, with the UTC timestamp, the address
// and the meter name leading.
func (r Reading) FieldRow(sep string) string {
	cols := []string{r.TimestampUTC, fmt.Sprintf("%08X", r.Address), r.MeterName}
	for _, fv := range r.Values {
		if !fv.AppearInFields {
			continue
		}
		if fv.IsText {
			cols = append(cols, fv.Text)
		} else {
			cols = append(cols, fmt.Sprintf("%g", fv.Numeric))
		}
	}
	return strings.Join(cols, sep)
}

// JSON renders the subset of the schema marked AppearInJSON as a JSON
// object alongside the three timestamps, mirroring the teacher's flat
// MeterReading/RawMeterReading JSON shape.
func (r Reading) JSON() ([]byte, error) {
	out := map[string]interface{}{
		"meter_name":    r.MeterName,
		"address":       fmt.Sprintf("%08X", r.Address),
		"driver":        r.DriverTag,
		"timestamp_ut":  r.TimestampUT,
		"timestamp_utc": r.TimestampUTC,
		"timestamp_lt":  r.TimestampLT,
	}
	for _, fv := range r.Values {
		if !fv.AppearInJSON {
			continue
		}
		if fv.IsText {
			out[fv.Name] = fv.Text
			continue
		}
		out[fv.Name] = fv.Numeric
		if fv.Unit != "" {
			out[fv.Name+"_unit"] = fv.Unit
		}
	}
	return json.Marshal(out)
}
