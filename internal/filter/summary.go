package filter

import (
	"math"

	"github.com/montanaflynn/stats"
)

// Summary holds the statistics of a filtered scene's LST column. The value
// fields are nil when no pixel survived filtering.
type Summary struct {
	TotalPixels             int
	DataPoints              int
	Min                     *float64
	Max                     *float64
	Mean                    *float64
	Median                  *float64
	StdDev                  *float64
	WaterPixels             int
	LandPixels              int
	InvalidRawFraction      float64
	InvalidFilteredFraction float64
}

func (r *Result) summarize(invalidFiltered int) Summary {
	total := r.Width * r.Height
	s := Summary{
		TotalPixels: total,
		WaterPixels: r.waterPixels,
		LandPixels:  r.landPixels,
	}
	if total > 0 {
		s.InvalidRawFraction = float64(r.invalidRaw) / float64(total)
		s.InvalidFilteredFraction = float64(invalidFiltered) / float64(total)
	}

	data := make(stats.Float64Data, 0, total-invalidFiltered)
	for _, v := range r.Filtered[OutLST] {
		if !math.IsNaN(v) {
			data = append(data, v)
		}
	}
	s.DataPoints = len(data)
	if len(data) == 0 {
		return s
	}

	s.Min = statPtr(data.Min())
	s.Max = statPtr(data.Max())
	s.Mean = statPtr(data.Mean())
	s.Median = statPtr(data.Median())
	s.StdDev = statPtr(data.StandardDeviation())
	return s
}

func statPtr(v float64, err error) *float64 {
	if err != nil || math.IsNaN(v) {
		return nil
	}
	return &v
}
