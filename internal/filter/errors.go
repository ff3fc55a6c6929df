package filter

import (
	"errors"
	"fmt"
	"strings"

	"github.com/smukkama/ecostress-pipeline/internal/scene"
)

var (
	ErrMissingLayer   = errors.New("missing layer")
	ErrShapeMismatch  = errors.New("shape mismatch")
	ErrTooSparse      = errors.New("too sparse")
	ErrNoGeoreference = errors.New("raster has no georeferencing")
)

// MissingLayerError lists the required bands absent from a scene's files
type MissingLayerError struct {
	Missing []scene.Band
}

func (e *MissingLayerError) Error() string {
	names := make([]string, len(e.Missing))
	for i, b := range e.Missing {
		names[i] = b.String()
	}
	return fmt.Sprintf("missing layers: %s", strings.Join(names, ", "))
}

func (e *MissingLayerError) Unwrap() error { return ErrMissingLayer }

// ShapeMismatchError reports a band whose dimensions differ from LST
type ShapeMismatchError struct {
	Band       scene.Band
	WantWidth  int
	WantHeight int
	Width      int
	Height     int
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("band %s is %dx%d, expected %dx%d",
		e.Band, e.Width, e.Height, e.WantWidth, e.WantHeight)
}

func (e *ShapeMismatchError) Unwrap() error { return ErrShapeMismatch }

// SparseStage names the guard that rejected a scene
type SparseStage string

const (
	StageRaw      SparseStage = "raw"
	StageFiltered SparseStage = "filtered"
)

// SparseError reports a scene skipped because too few LST pixels are present
type SparseError struct {
	Stage   SparseStage
	Invalid int
	Total   int
}

// Fraction returns the share of absent pixels
func (e *SparseError) Fraction() float64 {
	if e.Total == 0 {
		return 0
	}
	return float64(e.Invalid) / float64(e.Total)
}

func (e *SparseError) Error() string {
	return fmt.Sprintf("skipped: %.1f%% of %s LST pixels are invalid (%d/%d)",
		e.Fraction()*100, e.Stage, e.Invalid, e.Total)
}

func (e *SparseError) Unwrap() error { return ErrTooSparse }
