package geo

import (
	"encoding/csv"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/circlesave/circle-matcher/internal/model"
)

// ParseCentroids reads postal-code centroids from CSV with columns
// postal_code,lat,lng and optional city,region. A header row is skipped when
// its first column is "postal_code". Duplicate codes keep the last row.
func ParseCentroids(r io.Reader, country string, now time.Time) ([]model.LocationEntry, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	byCode := make(map[string]int)
	var out []model.LocationEntry
	for line := 1; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrapf(err, "geo: read centroid line %d", line)
		}
		if line == 1 && strings.EqualFold(strings.TrimSpace(rec[0]), "postal_code") {
			continue
		}
		if len(rec) < 3 {
			return nil, eris.Errorf("geo: centroid line %d: want at least 3 columns, got %d", line, len(rec))
		}

		code := model.NormalizePostalCode(rec[0])
		if code == "" {
			return nil, eris.Errorf("geo: centroid line %d: empty postal code", line)
		}
		lat, err := strconv.ParseFloat(strings.TrimSpace(rec[1]), 64)
		if err != nil || lat < -90 || lat > 90 {
			return nil, eris.Errorf("geo: centroid line %d: bad latitude %q", line, rec[1])
		}
		lng, err := strconv.ParseFloat(strings.TrimSpace(rec[2]), 64)
		if err != nil || lng < -180 || lng > 180 {
			return nil, eris.Errorf("geo: centroid line %d: bad longitude %q", line, rec[2])
		}

		e := model.LocationEntry{
			PostalCode:  code,
			Coordinates: model.Coordinates{Latitude: lat, Longitude: lng},
			Country:     country,
			GeocodedAt:  now.UTC(),
		}
		if len(rec) > 3 {
			e.City = strings.TrimSpace(rec[3])
		}
		if len(rec) > 4 {
			e.Region = strings.TrimSpace(rec[4])
		}

		if i, ok := byCode[code]; ok {
			out[i] = e
			continue
		}
		byCode[code] = len(out)
		out = append(out, e)
	}
	return out, nil
}
