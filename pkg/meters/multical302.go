package meters

import (
	"strings"

	"github.com/muffintsi/wmbusd/pkg/dvparser"
	"github.com/muffintsi/wmbusd/pkg/telegram"
	"github.com/muffintsi/wmbusd/pkg/units"
)

func init() {
	Register("multical302", newMultical302)
}

// infoCode bits for Multical302's status byte, per
// meter_multical302.cc's #define block.
const (
	ic302VoltageInterrupted    = 1
	ic302WrongFlowDirection    = 2
	ic302SensorT2OutOfRange    = 4
	ic302SensorT1OutOfRange    = 8
	ic302FlowSensorWeakOrAir   = 16
	ic302TempDiffWrongPolarity = 32
	ic302Unknown64             = 64
	ic302VoltageTooLow         = 128
)

type multical302 struct {
	key []byte

	infoCodes            byte
	totalEnergyKWh        float64
	targetEnergyKWh       float64
	currentPowerKW        float64
	totalVolumeM3         float64
	targetDate            string
}

func newMultical302(key []byte) Driver {
	return &multical302{key: key}
}

func (m *multical302) Tag() string { return "multical302" }

func (m *multical302) ExpectedIdentity() (Identity, bool) {
	return Identity{Manufacturer: 0x2C2D, DeviceType: 0x04, Version: 0x1B}, true
}

func (m *multical302) ExpectedSecurityMode() SecurityMode { return SecurityELLAESCTR }

func (m *multical302) LinkModes() []LinkMode { return []LinkMode{LinkC1} }

func (m *multical302) PrintSchema() []Print {
	return []Print{
		{
			Name: "total_energy_consumption", Quantity: units.Energy,
			Getter: func(u units.Unit) (float64, error) { return units.Convert(m.totalEnergyKWh, units.KWH, u) },
			AppearInFields: true, AppearInJSON: true,
		},
		{
			Name: "current_power_consumption", Quantity: units.Power,
			Getter: func(u units.Unit) (float64, error) { return units.Convert(m.currentPowerKW, units.KW, u) },
			AppearInFields: true, AppearInJSON: true,
		},
		{
			Name: "total_volume", Quantity: units.Volume,
			Getter: func(u units.Unit) (float64, error) { return units.Convert(m.totalVolumeM3, units.M3, u) },
			AppearInFields: true, AppearInJSON: true,
		},
		{
			Name: "at_date", Quantity: units.Text,
			TextGetter: func() string { return m.targetDate },
			AppearInFields: false, AppearInJSON: true,
		},
		{
			Name: "total_energy_consumption_at_date", Quantity: units.Energy,
			Getter: func(u units.Unit) (float64, error) { return units.Convert(m.targetEnergyKWh, units.KWH, u) },
			AppearInFields: false, AppearInJSON: true,
		},
		{
			Name: "current_status", Quantity: units.Text,
			TextGetter: func() string { return m.status() },
			AppearInFields: true, AppearInJSON: true,
		},
	}
}

// ProcessContent mirrors meter_multical302.cc's processContent: info
// codes under the vendor key 01FF21, then energy/volume/target-energy/
// power/target-date by measurement type + value information.
func (m *multical302) ProcessContent(tel *telegram.Telegram) error {
	if re, ok := tel.Records.Get("01FF21"); ok {
		m.infoCodes = byte(0)
		if len(re.Entry.Raw) > 0 {
			m.infoCodes = re.Entry.Raw[0]
		}
		tel.AddAnnotation(re.Offset, "info codes ("+m.status()+")")
	}

	if v, offset, ok := findDouble(tel.Records, dvparser.Instantaneous, dvparser.EnergyWh, 0, 0); ok {
		m.totalEnergyKWh = v
		tel.AddAnnotation(offset, "total energy consumption")
	}
	if v, offset, ok := findDouble(tel.Records, dvparser.Instantaneous, dvparser.Volume, 0, 0); ok {
		m.totalVolumeM3 = v
		tel.AddAnnotation(offset, "total volume")
	}
	if v, offset, ok := findDouble(tel.Records, dvparser.Instantaneous, dvparser.EnergyWh, 1, 0); ok {
		m.targetEnergyKWh = v
		tel.AddAnnotation(offset, "target energy consumption")
	}
	if v, offset, ok := findDouble(tel.Records, dvparser.Instantaneous, dvparser.PowerW, 0, 0); ok {
		m.currentPowerKW = v
		tel.AddAnnotation(offset, "current power consumption")
	}
	if d, offset, ok := findDate(tel.Records, dvparser.UnknownMeasurement, 1, 0); ok {
		m.targetDate = dvparser.FormatDateTime(d)
		tel.AddAnnotation(offset, "target date")
	}
	return nil
}

func (m *multical302) status() string {
	var tokens []string
	if m.infoCodes&ic302VoltageInterrupted != 0 {
		tokens = append(tokens, "VOLTAGE_INTERRUPTED")
	}
	if m.infoCodes&ic302WrongFlowDirection != 0 {
		tokens = append(tokens, "WRONG_FLOW_DIRECTION")
	}
	if m.infoCodes&ic302SensorT2OutOfRange != 0 {
		tokens = append(tokens, "SENSOR_T2_OUT_OF_RANGE")
	}
	if m.infoCodes&ic302SensorT1OutOfRange != 0 {
		tokens = append(tokens, "SENSOR_T1_OUT_OF_RANGE")
	}
	if m.infoCodes&ic302FlowSensorWeakOrAir != 0 {
		tokens = append(tokens, "FLOW_SENSOR_WEAK_OR_AIR")
	}
	if m.infoCodes&ic302TempDiffWrongPolarity != 0 {
		tokens = append(tokens, "TEMP_DIFF_WRONG_POLARITY")
	}
	if m.infoCodes&ic302Unknown64 != 0 {
		tokens = append(tokens, "UNKNOWN_64")
	}
	if m.infoCodes&ic302VoltageTooLow != 0 {
		tokens = append(tokens, "VOLTAGE_TOO_LOW")
	}
	return strings.Join(tokens, " ")
}
