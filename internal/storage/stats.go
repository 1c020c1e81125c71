package storage

// Statistics summarizes the primary value across a set of observations.
// Observations without a primary value are counted but excluded from
// min/max/avg; when none carry a value, those fields stay nil.
type Statistics struct {
	Count int      `json:"count"`
	Min   *float64 `json:"min,omitempty"`
	Max   *float64 `json:"max,omitempty"`
	Avg   *float64 `json:"avg,omitempty"`
}

// Summarize computes Statistics over the observations' primary values.
func Summarize(obs []Observation) Statistics {
	stats := Statistics{Count: len(obs)}
	var (
		sum      float64
		valued   int
		min, max float64
	)
	for _, o := range obs {
		if o.Value == nil {
			continue
		}
		v := *o.Value
		if valued == 0 || v < min {
			min = v
		}
		if valued == 0 || v > max {
			max = v
		}
		sum += v
		valued++
	}
	if valued > 0 {
		avg := sum / float64(valued)
		stats.Min = &min
		stats.Max = &max
		stats.Avg = &avg
	}
	return stats
}
