package meterdb

import "database/sql"

func InsertReading(reading *Reading) error {
	db := GetDB()

	_, err := db.Exec(
		"INSERT INTO readings (timestamp, address, meter_name, field, value, unit) "+
			"VALUES (?, ?, ?, ?, ?, ?)",
		reading.Timestamp,
		reading.Address,
		reading.MeterName,
		reading.Field,
		reading.Value,
		reading.Unit,
	)
	return err
}

func QueryReadingsInWindow(meterName, field string, start, end int64) ([]Reading, error) {
	db := GetDB()

	rows, err := db.Query(
		"SELECT timestamp, address, meter_name, field, value, unit FROM readings "+
			"WHERE meter_name = ? AND field = ? AND timestamp >= ? AND timestamp <= ? "+
			"ORDER BY timestamp ASC",
		meterName, field, start, end,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Reading
	for rows.Next() {
		var r Reading
		if err := rows.Scan(&r.Timestamp, &r.Address, &r.MeterName, &r.Field, &r.Value, &r.Unit); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func DistinctMeterFields() ([][2]string, error) {
	db := GetDB()

	rows, err := db.Query("SELECT DISTINCT meter_name, field FROM readings")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out [][2]string
	for rows.Next() {
		var meterName, field string
		if err := rows.Scan(&meterName, &field); err != nil {
			return nil, err
		}
		out = append(out, [2]string{meterName, field})
	}
	return out, rows.Err()
}

func UpsertHourlyAggregate(agg *AggregateHourly) error {
	db := GetDB()
	_, err := db.Exec(
		"INSERT OR REPLACE INTO aggregate_hourly (start_time, meter_name, field, avg_value, sample_count) "+
			"VALUES (?, ?, ?, ?, ?)",
		agg.StartTime, agg.MeterName, agg.Field, agg.AvgValue, agg.SampleCount,
	)
	return err
}

func UpsertDailyAggregate(agg *AggregateDaily) error {
	db := GetDB()
	_, err := db.Exec(
		"INSERT OR REPLACE INTO aggregate_daily (start_time, meter_name, field, avg_value, sample_count) "+
			"VALUES (?, ?, ?, ?, ?)",
		agg.StartTime, agg.MeterName, agg.Field, agg.AvgValue, agg.SampleCount,
	)
	return err
}

func DeleteReadingsOlderThan(cutoff int64) error {
	db := GetDB()
	_, err := db.Exec("DELETE FROM readings WHERE timestamp < ?", cutoff)
	return err
}

func LatestHourlyAggregateStart() (int64, bool, error) {
	db := GetDB()
	var start sql.NullInt64
	err := db.QueryRow("SELECT MAX(start_time) FROM aggregate_hourly").Scan(&start)
	if err != nil {
		return 0, false, err
	}
	return start.Int64, start.Valid, nil
}
