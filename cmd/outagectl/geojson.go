package main

import (
	"encoding/json"
	"io"

	"outage-map/internal/feature"
	"outage-map/internal/publish"
)

func writeGeoJSON(w io.Writer, recs []feature.Record) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(publish.GeoJSON(recs))
}
