package publish

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"strconv"

	"outage-map/internal/feature"
)

type exportRow struct {
	Longitude float64 `json:"longitude"`
	Latitude  float64 `json:"latitude"`
	Status    string  `json:"status"`
	UpdatedAt string  `json:"updated_at"`
}

// WriteJSON：导出为扁平 JSON 数组
func WriteJSON(w io.Writer, recs []feature.Record) error {
	rows := make([]exportRow, 0, len(recs))
	for _, r := range recs {
		rows = append(rows, exportRow{Longitude: r.Lng, Latitude: r.Lat, Status: r.Status, UpdatedAt: r.UpdatedAt})
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rows)
}

// WriteCSV：首行为表头
func WriteCSV(w io.Writer, recs []feature.Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"longitude", "latitude", "status", "updated_at"}); err != nil {
		return err
	}
	for _, r := range recs {
		if err := cw.Write([]string{
			strconv.FormatFloat(r.Lng, 'f', -1, 64),
			strconv.FormatFloat(r.Lat, 'f', -1, 64),
			r.Status,
			r.UpdatedAt,
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
