package meterdb

// Reading is one persisted value pulled from a meter's print schema at
// sink time (spec.md §4.H / §6): one row per (meter, field) per update.
type Reading struct {
	Timestamp int64   `db:"timestamp"`
	Address   uint32  `db:"address"`
	MeterName string  `db:"meter_name"`
	Field     string  `db:"field"`
	Value     float64 `db:"value"`
	Unit      string  `db:"unit"`
}

// AggregateTable holds a rolled-up average+count for one meter/field over
// a fixed window (hour, day).
type AggregateTable struct {
	StartTime   int64   `db:"start_time"`
	MeterName   string  `db:"meter_name"`
	Field       string  `db:"field"`
	AvgValue    float64 `db:"avg_value"`
	SampleCount uint32  `db:"sample_count"`
}

type AggregateHourly = AggregateTable
type AggregateDaily = AggregateTable
