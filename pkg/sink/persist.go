package sink

import (
	"log"

	"github.com/muffintsi/wmbusd/pkg/meterdb"
)

// PersistToMeterDB inserts one meterdb.Reading row per numeric field in
// r, grounded on the teacher's pkg/meterdb access layer. Text fields
// (diagnostic schema entries like pkg/meters' unknown driver's dv_keys)
// have no numeric value and are skipped — meterdb's schema has no place
// for them, matching spec.md §3's stance that the core carries no
// state of its own; a sink that cannot represent a value simply drops
// it rather than growing the core to accommodate it.
func PersistToMeterDB(r Reading) {
	for _, fv := range r.Values {
		if fv.IsText {
			continue
		}
		reading := &meterdb.Reading{
			Timestamp: r.TimestampUT,
			Address:   r.Address,
			MeterName: r.MeterName,
			Field:     fv.Name,
			Value:     fv.Numeric,
			Unit:      fv.Unit,
		}
		if err := meterdb.InsertReading(reading); err != nil {
			log.Printf("sink: failed to persist %s/%s: %v", r.MeterName, fv.Name, err)
		}
	}
}
