package raster

import (
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/airbusgeo/godal"
)

var (
	ErrNotRaster   = errors.New("not a readable raster")
	ErrUnsupported = errors.New("unsupported raster layout")
)

func init() {
	godal.RegisterAll()
}

// Band is the first band of a raster read as float64, row-major. Values are
// kept raw; NoData is reported separately so callers decide what counts as
// absent.
type Band struct {
	Width  int
	Height int
	Data   []float64
	NoData *float64
	Geo    Georef
	HasGeo bool
}

// At returns the value at a pixel
func (b *Band) At(row, col int) float64 {
	return b.Data[row*b.Width+col]
}

// IsNoData reports whether v is NaN or equals the band's nodata value
func (b *Band) IsNoData(v float64) bool {
	if math.IsNaN(v) {
		return true
	}
	return b.NoData != nil && v == *b.NoData
}

// ReadBand reads band 1 of a GeoTIFF file
func ReadBand(path string) (*Band, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("failed to read raster: %w", err)
	}

	ds, err := godal.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotRaster, path, err)
	}
	defer ds.Close()

	st := ds.Structure()
	if st.NBands < 1 || st.SizeX < 1 || st.SizeY < 1 {
		return nil, fmt.Errorf("%w: %s has %d bands of %dx%d", ErrUnsupported, path, st.NBands, st.SizeX, st.SizeY)
	}

	band := ds.Bands()[0]
	b := &Band{
		Width:  st.SizeX,
		Height: st.SizeY,
		Data:   make([]float64, st.SizeX*st.SizeY),
	}
	if err := band.Read(0, 0, b.Data, st.SizeX, st.SizeY); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnsupported, path, err)
	}
	if nd, ok := band.NoData(); ok {
		b.NoData = &nd
	}

	// GDAL reports a failure when the file carries no geotransform
	if gt, err := ds.GeoTransform(); err == nil {
		b.Geo = Georef{Transform: GeoTransform(gt), Projection: ds.Projection()}
		b.HasGeo = true
	}
	return b, nil
}
