package meters

import (
	"strings"

	"github.com/muffintsi/wmbusd/pkg/dvparser"
	"github.com/muffintsi/wmbusd/pkg/telegram"
	"github.com/muffintsi/wmbusd/pkg/units"
)

func init() {
	Register("multical603", newMultical603)
}

const (
	ic603VoltageInterrupted        = 1
	ic603LowBatteryLevel           = 2
	ic603ExternalAlarm             = 4
	ic603SensorT1AboveRange        = 8
	ic603SensorT2AboveRange        = 16
	ic603SensorT1BelowRange        = 32
	ic603SensorT2BelowRange        = 64
	ic603TempDiffWrongPolarity     = 128
)

type multical603 struct {
	key []byte

	infoCodes       byte
	totalEnergyKWh  float64
	totalVolumeM3   float64
	volumeFlowM3H   float64
	t1TemperatureC  float64
	hasT1Temp       bool
	t2TemperatureC  float64
	hasT2Temp       bool
	targetDate      string
	energyForwardKWh  uint32
	energyReturnedKWh uint32
}

func newMultical603(key []byte) Driver {
	return &multical603{key: key, t1TemperatureC: 127, t2TemperatureC: 127}
}

func (m *multical603) Tag() string { return "multical603" }

func (m *multical603) ExpectedIdentity() (Identity, bool) {
	return Identity{Manufacturer: 0x2C2D, DeviceType: 0x04, Version: 0x30}, true
}

func (m *multical603) ExpectedSecurityMode() SecurityMode { return SecurityELLAESCTR }

func (m *multical603) LinkModes() []LinkMode { return []LinkMode{LinkC1} }

func (m *multical603) PrintSchema() []Print {
	return []Print{
		{Name: "total_energy_consumption", Quantity: units.Energy,
			Getter:         func(u units.Unit) (float64, error) { return units.Convert(m.totalEnergyKWh, units.KWH, u) },
			AppearInFields: true, AppearInJSON: true},
		{Name: "total_volume", Quantity: units.Volume,
			Getter:         func(u units.Unit) (float64, error) { return units.Convert(m.totalVolumeM3, units.M3, u) },
			AppearInFields: true, AppearInJSON: true},
		{Name: "volume_flow", Quantity: units.Flow,
			Getter:         func(u units.Unit) (float64, error) { return units.Convert(m.volumeFlowM3H, units.M3H, u) },
			AppearInFields: true, AppearInJSON: true},
		{Name: "t1_temperature", Quantity: units.Temperature,
			Getter:         func(u units.Unit) (float64, error) { return units.Convert(m.t1TemperatureC, units.C, u) },
			AppearInFields: true, AppearInJSON: true},
		{Name: "t2_temperature", Quantity: units.Temperature,
			Getter:         func(u units.Unit) (float64, error) { return units.Convert(m.t2TemperatureC, units.C, u) },
			AppearInFields: true, AppearInJSON: true},
		{Name: "at_date", Quantity: units.Text,
			TextGetter: func() string { return m.targetDate }, AppearInJSON: true},
		{Name: "current_status", Quantity: units.Text,
			TextGetter: func() string { return m.status() }, AppearInFields: true, AppearInJSON: true},
		{Name: "energy_forward", Quantity: units.Energy,
			Getter:       func(u units.Unit) (float64, error) { return units.Convert(float64(m.energyForwardKWh), units.KWH, u) },
			AppearInJSON: true},
		{Name: "energy_returned", Quantity: units.Energy,
			Getter:       func(u units.Unit) (float64, error) { return units.Convert(float64(m.energyReturnedKWh), units.KWH, u) },
			AppearInJSON: true},
	}
}

// ProcessContent mirrors meter_multical603.cc's processContent: vendor
// info codes and forward/returned energy counters under their literal
// DV-keys, then the standard Volume/Flow/Temperature/Date lookups.
func (m *multical603) ProcessContent(tel *telegram.Telegram) error {
	if v, offset, ok := findUint(tel.Records, "04FF22"); ok {
		m.infoCodes = byte(v)
		tel.AddAnnotation(offset, "info codes ("+m.status()+")")
	}
	if v, offset, ok := findUint(tel.Records, "04FF07"); ok {
		m.energyForwardKWh = uint32(v)
		tel.AddAnnotation(offset, "energy forward kwh")
	}
	if v, offset, ok := findUint(tel.Records, "04FF08"); ok {
		m.energyReturnedKWh = uint32(v)
		tel.AddAnnotation(offset, "energy returned kwh")
	}

	if v, offset, ok := findDouble(tel.Records, dvparser.Instantaneous, dvparser.EnergyWh, 0, 0); ok {
		m.totalEnergyKWh = v
		tel.AddAnnotation(offset, "total energy consumption")
	}
	if v, offset, ok := findDouble(tel.Records, dvparser.Instantaneous, dvparser.Volume, 0, 0); ok {
		m.totalVolumeM3 = v
		tel.AddAnnotation(offset, "total volume")
	}
	if v, offset, ok := findDouble(tel.Records, dvparser.UnknownMeasurement, dvparser.VolumeFlow, 0, 0); ok {
		m.volumeFlowM3H = v
		tel.AddAnnotation(offset, "volume flow")
	}
	if v, offset, ok := findDouble(tel.Records, dvparser.Instantaneous, dvparser.FlowTemperature, 0, 0); ok {
		m.t1TemperatureC = v
		m.hasT1Temp = true
		tel.AddAnnotation(offset, "T1 flow temperature")
	}
	if v, offset, ok := findDouble(tel.Records, dvparser.Instantaneous, dvparser.ReturnTemperature, 0, 0); ok {
		m.t2TemperatureC = v
		m.hasT2Temp = true
		tel.AddAnnotation(offset, "T2 flow temperature")
	}
	if d, offset, ok := findDate(tel.Records, dvparser.UnknownMeasurement, 0, 0); ok {
		m.targetDate = dvparser.FormatDateTime(d)
		tel.AddAnnotation(offset, "target date")
	}
	return nil
}

func (m *multical603) HasT1Temperature() bool { return m.hasT1Temp }
func (m *multical603) HasT2Temperature() bool { return m.hasT2Temp }

func (m *multical603) status() string {
	var tokens []string
	add := func(bit byte, name string) {
		if m.infoCodes&bit != 0 {
			tokens = append(tokens, name)
		}
	}
	add(ic603VoltageInterrupted, "VOLTAGE_INTERRUPTED")
	add(ic603LowBatteryLevel, "LOW_BATTERY_LEVEL")
	add(ic603ExternalAlarm, "EXTERNAL_ALARM")
	add(ic603SensorT1AboveRange, "SENSOR_T1_ABOVE_MEASURING_RANGE")
	add(ic603SensorT2AboveRange, "SENSOR_T2_ABOVE_MEASURING_RANGE")
	add(ic603SensorT1BelowRange, "SENSOR_T1_BELOW_MEASURING_RANGE")
	add(ic603SensorT2BelowRange, "SENSOR_T2_BELOW_MEASURING_RANGE")
	add(ic603TempDiffWrongPolarity, "TEMP_DIFF_WRONG_POLARITY")
	return strings.Join(tokens, " ")
}
