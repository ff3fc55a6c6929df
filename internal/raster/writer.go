package raster

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/airbusgeo/godal"
)

// Dataset is a multi-band float32 raster to be written as a GeoTIFF
type Dataset struct {
	Width  int
	Height int
	Bands  [][]float32
	NoData *float64
	Geo    Georef
}

var creationOptions = godal.CreationOption("COMPRESS=DEFLATE", "PREDICTOR=3", "INTERLEAVE=BAND")

func (ds *Dataset) validate() error {
	if ds.Width < 1 || ds.Height < 1 || len(ds.Bands) == 0 {
		return fmt.Errorf("%w: %d bands of %dx%d", ErrUnsupported, len(ds.Bands), ds.Width, ds.Height)
	}
	for i, b := range ds.Bands {
		if len(b) != ds.Width*ds.Height {
			return fmt.Errorf("band %d has %d samples, want %d", i+1, len(b), ds.Width*ds.Height)
		}
	}
	return nil
}

// WriteFile writes ds as a float32 GeoTIFF via a temporary file and rename
func WriteFile(path string, ds *Dataset) error {
	if err := ds.validate(); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".raster-*.tif")
	if err != nil {
		return fmt.Errorf("failed to create temp raster: %w", err)
	}
	name := tmp.Name()
	tmp.Close()
	defer os.Remove(name)

	if err := create(name, ds); err != nil {
		return fmt.Errorf("failed to write raster: %w", err)
	}
	if err := os.Rename(name, path); err != nil {
		return fmt.Errorf("failed to move raster into place: %w", err)
	}
	return nil
}

func create(path string, ds *Dataset) error {
	out, err := godal.Create(godal.GTiff, path, len(ds.Bands), godal.Float32, ds.Width, ds.Height, creationOptions)
	if err != nil {
		return err
	}
	if err := fill(out, ds); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func fill(out *godal.Dataset, ds *Dataset) error {
	if err := setGeoref(out, ds.Geo); err != nil {
		return err
	}
	for i, band := range out.Bands() {
		if ds.NoData != nil {
			if err := band.SetNoData(*ds.NoData); err != nil {
				return fmt.Errorf("band %d nodata: %w", i+1, err)
			}
		}
		if err := band.Write(0, 0, ds.Bands[i], ds.Width, ds.Height); err != nil {
			return fmt.Errorf("band %d: %w", i+1, err)
		}
	}
	return nil
}

func setGeoref(out *godal.Dataset, g Georef) error {
	if g.IsZero() {
		return nil
	}
	if err := out.SetGeoTransform([6]float64(g.Transform)); err != nil {
		return fmt.Errorf("geotransform: %w", err)
	}

	switch {
	case g.Projection != "":
		if err := out.SetProjection(g.Projection); err != nil {
			return fmt.Errorf("projection: %w", err)
		}
	case g.EPSG != 0:
		sr, err := godal.NewSpatialRefFromEPSG(g.EPSG)
		if err != nil {
			return fmt.Errorf("epsg %d: %w", g.EPSG, err)
		}
		defer sr.Close()
		if err := out.SetSpatialRef(sr); err != nil {
			return fmt.Errorf("spatial ref: %w", err)
		}
	}
	return nil
}
