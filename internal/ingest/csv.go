package ingest

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/waterlab/envchat/internal/storage"
)

// ParseObservationsCSV reads measurement rows from CSV. Required columns:
// location, datetime, data_type, value. Optional: latitude, longitude,
// value2, value3, unit, quality_flag, notes. Datetime accepts RFC 3339,
// "2006-01-02 15:04:05", or a bare date.
func ParseObservationsCSV(r io.Reader) ([]storage.Observation, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("reading csv header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{"location", "datetime", "data_type", "value"} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("csv missing required column %q", required)
		}
	}

	var observations []storage.Observation
	for line := 2; ; line++ {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading csv line %d: %w", line, err)
		}

		field := func(name string) string {
			i, ok := cols[name]
			if !ok || i >= len(record) {
				return ""
			}
			return strings.TrimSpace(record[i])
		}

		datetime, err := parseDatetime(field("datetime"))
		if err != nil {
			return nil, fmt.Errorf("csv line %d: %w", line, err)
		}
		value, err := parseOptionalFloat(field("value"))
		if err != nil {
			return nil, fmt.Errorf("csv line %d: parsing value: %w", line, err)
		}
		value2, err := parseOptionalFloat(field("value2"))
		if err != nil {
			return nil, fmt.Errorf("csv line %d: parsing value2: %w", line, err)
		}
		value3, err := parseOptionalFloat(field("value3"))
		if err != nil {
			return nil, fmt.Errorf("csv line %d: parsing value3: %w", line, err)
		}
		lat, err := parseOptionalFloat(field("latitude"))
		if err != nil {
			return nil, fmt.Errorf("csv line %d: parsing latitude: %w", line, err)
		}
		lon, err := parseOptionalFloat(field("longitude"))
		if err != nil {
			return nil, fmt.Errorf("csv line %d: parsing longitude: %w", line, err)
		}

		location := field("location")
		dataType := field("data_type")
		if location == "" || dataType == "" {
			return nil, fmt.Errorf("csv line %d: location and data_type are required", line)
		}

		flag := field("quality_flag")
		if flag == "" {
			flag = storage.QualityValid
		}
		if value == nil && flag == storage.QualityValid {
			flag = storage.QualityMissing
		}

		observations = append(observations, storage.Observation{
			ID:          uuid.NewString(),
			Location:    location,
			Latitude:    lat,
			Longitude:   lon,
			Date:        datetime.Truncate(24 * time.Hour),
			Datetime:    datetime,
			DataType:    dataType,
			Value:       value,
			Value2:      value2,
			Value3:      value3,
			Unit:        field("unit"),
			QualityFlag: flag,
			Notes:       field("notes"),
		})
	}
	return observations, nil
}

var datetimeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

func parseDatetime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("datetime is required")
	}
	for _, layout := range datetimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized datetime %q", s)
}

func parseOptionalFloat(s string) (*float64, error) {
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, err
	}
	return &v, nil
}
