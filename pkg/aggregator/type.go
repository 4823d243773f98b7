package aggregator

import "github.com/muffintsi/wmbusd/pkg/meterdb"

type Timeframe int

const (
	Hourly Timeframe = iota
	Daily
)

type AggregateData struct {
	Timeframe Timeframe
	EndTime   int64
	Aggregate meterdb.AggregateTable
}
