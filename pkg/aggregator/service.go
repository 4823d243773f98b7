// Package aggregator is a sink consumer (spec.md §4.H): a periodic job,
// run hourly by cmd/wmbus-sink's own ticker, that rolls persisted readings
// from pkg/meterdb into hourly/daily averages and prunes old raw rows.
package aggregator

import (
	"log"
	"time"

	"github.com/muffintsi/wmbusd/pkg/meterdb"
)

func roundToHourStart(t time.Time) int64 {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, time.UTC).Unix()
}

func roundToDayStart(t time.Time) int64 {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).Unix()
}

func getHourEnd(hourStart int64) int64 {
	return time.Unix(hourStart, 0).Add(time.Hour).Unix() - 1
}

func getDayEnd(dayStart int64) int64 {
	return time.Unix(dayStart, 0).AddDate(0, 0, 1).Unix() - 1
}

// aggregateWindow averages every (meter, field) pair's readings that fall
// within [start, end] and writes one row per pair via upsert.
func aggregateWindow(start, end int64, upsert func(*meterdb.AggregateTable) error) error {
	pairs, err := meterdb.DistinctMeterFields()
	if err != nil {
		return err
	}

	var totalSamples uint32
	for _, pair := range pairs {
		meterName, field := pair[0], pair[1]
		readings, err := meterdb.QueryReadingsInWindow(meterName, field, start, end)
		if err != nil {
			return err
		}
		if len(readings) == 0 {
			continue
		}

		var sum float64
		for _, r := range readings {
			sum += r.Value
		}
		agg := &meterdb.AggregateTable{
			StartTime:   start,
			MeterName:   meterName,
			Field:       field,
			AvgValue:    sum / float64(len(readings)),
			SampleCount: uint32(len(readings)),
		}
		if err := upsert(agg); err != nil {
			return err
		}
		totalSamples += agg.SampleCount
	}

	if totalSamples == 0 {
		log.Printf("aggregator: no readings found for window starting %s", time.Unix(start, 0).Format(time.RFC3339))
	}
	return nil
}

func aggregateHourly(hourStart int64) error {
	return aggregateWindow(hourStart, getHourEnd(hourStart), meterdb.UpsertHourlyAggregate)
}

func aggregateDaily(dayStart int64) error {
	return aggregateWindow(dayStart, getDayEnd(dayStart), meterdb.UpsertDailyAggregate)
}

// cleanupOldData removes raw readings older than 3 months, once we have
// aggregated data that far back.
func cleanupOldData() error {
	threeMonthsAgo := time.Now().UTC().AddDate(0, -3, 0)
	cutoff := threeMonthsAgo.Unix()

	lastAggregateHour, have, err := meterdb.LatestHourlyAggregateStart()
	if err != nil {
		return err
	}
	if !have || lastAggregateHour < cutoff {
		return nil
	}

	if err := meterdb.DeleteReadingsOlderThan(cutoff); err != nil {
		return err
	}
	log.Printf("aggregator: cleaned up readings older than %s", threeMonthsAgo.Format(time.RFC3339))
	return nil
}

// AggregateAndCleanup rolls up the previous hour (and, at midnight, the
// previous day) and prunes old raw readings. cmd/wmbus-sink calls it once
// on startup and then once per hour.
func AggregateAndCleanup() error {
	now := time.Now().UTC()

	previousHour := now.Add(-time.Hour)
	hourStart := roundToHourStart(previousHour)
	log.Printf("aggregator: aggregating hour starting %s", time.Unix(hourStart, 0).Format(time.RFC3339))
	if err := aggregateHourly(hourStart); err != nil {
		log.Printf("aggregator: hourly aggregation failed: %v", err)
		return err
	}

	if now.Hour() == 0 {
		previousDay := now.AddDate(0, 0, -1)
		dayStart := roundToDayStart(previousDay)
		log.Printf("aggregator: aggregating day starting %s", time.Unix(dayStart, 0).Format(time.RFC3339))
		if err := aggregateDaily(dayStart); err != nil {
			log.Printf("aggregator: daily aggregation failed: %v", err)
			return err
		}
	}

	if err := cleanupOldData(); err != nil {
		log.Printf("aggregator: cleanup failed: %v", err)
		return err
	}

	log.Println("aggregator: aggregation and cleanup completed")
	return nil
}
