package filter

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"

	jsoniter "github.com/json-iterator/go"

	"github.com/smukkama/ecostress-pipeline/internal/raster"
	"github.com/smukkama/ecostress-pipeline/internal/scene"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Outputs are the local paths of one emitted scene
type Outputs struct {
	TIFPath      string
	CSVPath      string
	MetadataPath string
}

// Paths lists the outputs in publish order. The metadata document comes last
// since its presence marks a scene as published.
func (o *Outputs) Paths() []string {
	return []string{o.TIFPath, o.CSVPath, o.MetadataPath}
}

// Metadata is the companion document written next to a scene's raster
type Metadata struct {
	FeatureID               string    `json:"feature_id"`
	Name                    string    `json:"name"`
	Location                string    `json:"location"`
	Date                    string    `json:"date"`
	SceneID                 string    `json:"scene_id"`
	WaterOff                bool      `json:"wtoff"`
	TotalPixels             int       `json:"total_pixels"`
	DataPoints              int       `json:"data_points"`
	MinTemp                 *float64  `json:"min_temp"`
	MaxTemp                 *float64  `json:"max_temp"`
	MeanTemp                *float64  `json:"mean_temp"`
	MedianTemp              *float64  `json:"median_temp"`
	StdDev                  *float64  `json:"std_dev"`
	WaterPixelCount         int       `json:"water_pixel_count"`
	LandPixelCount          int       `json:"land_pixel_count"`
	InvalidRawFraction      float64   `json:"invalid_raw_fraction"`
	InvalidFilteredFraction float64   `json:"invalid_filtered_fraction"`
	FilterHistogram         Histogram `json:"filter_histogram"`
}

// Metadata builds the metadata document for the result
func (r *Result) Metadata() Metadata {
	return Metadata{
		FeatureID:               r.Region.FeatureID(),
		Name:                    r.Region.Name,
		Location:                r.Region.Location,
		Date:                    r.Key.Date,
		SceneID:                 r.Key.String(),
		WaterOff:                r.WaterOff,
		TotalPixels:             r.Summary.TotalPixels,
		DataPoints:              r.Summary.DataPoints,
		MinTemp:                 r.Summary.Min,
		MaxTemp:                 r.Summary.Max,
		MeanTemp:                r.Summary.Mean,
		MedianTemp:              r.Summary.Median,
		StdDev:                  r.Summary.StdDev,
		WaterPixelCount:         r.Summary.WaterPixels,
		LandPixelCount:          r.Summary.LandPixels,
		InvalidRawFraction:      r.Summary.InvalidRawFraction,
		InvalidFilteredFraction: r.Summary.InvalidFilteredFraction,
		FilterHistogram:         r.Histogram,
	}
}

// DecodeMetadata parses a metadata document
func DecodeMetadata(data []byte) (*Metadata, error) {
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	return &m, nil
}

// Emit writes the filtered raster, the CSV export and the metadata document
// into dir. Either all three files exist afterwards or none do.
func (r *Result) Emit(dir string) (*Outputs, error) {
	out := &Outputs{
		TIFPath:      filepath.Join(dir, TIFName(r.BaseName)),
		CSVPath:      filepath.Join(dir, CSVName(r.BaseName)),
		MetadataPath: filepath.Join(dir, MetadataName(r.BaseName)),
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output dir: %w", err)
	}

	var written []string
	fail := func(err error) (*Outputs, error) {
		for _, p := range written {
			os.Remove(p)
		}
		return nil, err
	}

	if err := raster.WriteFile(out.TIFPath, r.dataset()); err != nil {
		return fail(fmt.Errorf("failed to write filtered raster: %w", err))
	}
	written = append(written, out.TIFPath)

	if err := writeAtomic(out.CSVPath, r.writeCSV); err != nil {
		return fail(fmt.Errorf("failed to write csv: %w", err))
	}
	written = append(written, out.CSVPath)

	if err := writeAtomic(out.MetadataPath, r.writeMetadata); err != nil {
		return fail(fmt.Errorf("failed to write metadata: %w", err))
	}
	return out, nil
}

func (r *Result) dataset() *raster.Dataset {
	nodata := math.NaN()
	ds := &raster.Dataset{
		Width:  r.Width,
		Height: r.Height,
		Bands:  make([][]float32, numOutputs),
		NoData: &nodata,
		Geo:    r.Geo,
	}
	for o, src := range r.Filtered {
		b := make([]float32, len(src))
		for i, v := range src {
			b[i] = float32(v)
		}
		ds.Bands[o] = b
	}
	return ds
}

// csvHeader returns lon, lat, the raw columns, the filtered columns and the flags
func csvHeader() []string {
	header := []string{"lon", "lat"}
	for _, b := range scene.AllBands {
		header = append(header, b.String())
	}
	for _, b := range OutputBands {
		header = append(header, b.String()+filterSuffix)
	}
	return append(header, "filter_flags")
}

func (r *Result) writeCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader()); err != nil {
		return err
	}

	row := make([]string, 0, 2+scene.NumBands+numOutputs+1)
	lst := r.Filtered[OutLST]
	for i := range lst {
		if math.IsNaN(lst[i]) {
			continue
		}
		row = row[:0]
		row = append(row, formatCoord(r.Lon[i]), formatCoord(r.Lat[i]))
		for _, b := range scene.AllBands {
			row = append(row, formatValue(r.Raw[b][i]))
		}
		for o := range r.Filtered {
			row = append(row, formatValue(r.Filtered[o][i]))
		}
		row = append(row, strconv.Itoa(int(r.Flags[i])))
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func (r *Result) writeMetadata(w io.Writer) error {
	data, err := json.MarshalIndent(r.Metadata(), "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatValue(v float64) string {
	if math.IsNaN(v) {
		return ""
	}
	return strconv.FormatFloat(v, 'f', -1, 32)
}

// writeAtomic writes a file through a temp file in the same directory
func writeAtomic(path string, write func(io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".export-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	bw := bufio.NewWriter(tmp)
	if err := write(bw); err != nil {
		tmp.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
