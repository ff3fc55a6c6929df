package filter

import (
	"fmt"
	"math"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/smukkama/ecostress-pipeline/internal/raster"
	"github.com/smukkama/ecostress-pipeline/internal/regions"
	"github.com/smukkama/ecostress-pipeline/internal/scene"
)

// SparseThreshold is the largest tolerated share of absent LST pixels
const SparseThreshold = 0.9

// Filtered columns, in output band order
const (
	OutLST = iota
	OutLSTErr
	OutQC
	OutEmisWB
	OutHeight
	numOutputs
)

// OutputBands maps each filtered output band to its source band
var OutputBands = [numOutputs]scene.Band{
	scene.BandLST, scene.BandLSTErr, scene.BandQC, scene.BandEmisWB, scene.BandHeight,
}

// Input describes one scene to filter
type Input struct {
	Key    scene.Key
	Region regions.Region
	Files  []string
}

// Scene holds the seven bands of one scene, all of one shape
type Scene struct {
	Width  int
	Height int
	Bands  [scene.NumBands]*raster.Band
	Geo    raster.Georef
}

// Result is a filtered scene ready to be emitted
type Result struct {
	Key       scene.Key
	Region    regions.Region
	BaseName  string
	WaterOff  bool
	Width     int
	Height    int
	Lon       []float64
	Lat       []float64
	Raw       [scene.NumBands][]float64
	Filtered  [numOutputs][]float64
	Flags     []Flags
	Histogram Histogram
	Summary   Summary
	Geo       raster.Georef

	invalidRaw  int
	waterPixels int
	landPixels  int
}

// Engine runs the per-scene filter
type Engine struct {
	log zerolog.Logger
}

// NewEngine creates a new filter engine
func NewEngine(log zerolog.Logger) *Engine {
	return &Engine{log: log.With().Str("component", "filter").Logger()}
}

// SelectBands picks one file per required band, first match wins
func SelectBands(files []string) ([scene.NumBands]string, error) {
	var selected [scene.NumBands]string
	for _, f := range files {
		b, ok := scene.MatchBand(f)
		if !ok || selected[b] != "" {
			continue
		}
		selected[b] = f
	}

	var missing []scene.Band
	for _, b := range scene.AllBands {
		if selected[b] == "" {
			missing = append(missing, b)
		}
	}
	if len(missing) > 0 {
		return selected, &MissingLayerError{Missing: missing}
	}
	return selected, nil
}

// Load selects and reads the bands of a scene and checks their shapes
func (e *Engine) Load(in Input) (*Scene, error) {
	paths, err := SelectBands(in.Files)
	if err != nil {
		return nil, err
	}

	var bands [scene.NumBands]*raster.Band
	var g errgroup.Group
	for _, b := range scene.AllBands {
		b := b
		g.Go(func() error {
			rb, err := raster.ReadBand(paths[b])
			if err != nil {
				return fmt.Errorf("band %s: %w", b, err)
			}
			bands[b] = rb
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	lst := bands[scene.BandLST]
	for _, b := range scene.AllBands {
		rb := bands[b]
		if rb.Width != lst.Width || rb.Height != lst.Height {
			return nil, &ShapeMismatchError{
				Band:      b,
				WantWidth: lst.Width, WantHeight: lst.Height,
				Width: rb.Width, Height: rb.Height,
			}
		}
	}
	if !lst.HasGeo {
		return nil, ErrNoGeoreference
	}

	return &Scene{Width: lst.Width, Height: lst.Height, Bands: bands, Geo: lst.Geo}, nil
}

// Mask runs the raw-pixel guard, builds the per-pixel filter flags and masks
// the output bands. It does not apply the post-filter guard; see Apply.
func (e *Engine) Mask(in Input, s *Scene) (*Result, error) {
	n := s.Width * s.Height

	r := &Result{
		Key:    in.Key,
		Region: in.Region,
		Width:  s.Width,
		Height: s.Height,
		Lon:    make([]float64, n),
		Lat:    make([]float64, n),
		Flags:  make([]Flags, n),
		Geo:    s.Geo,
	}

	for row := 0; row < s.Height; row++ {
		for col := 0; col < s.Width; col++ {
			i := row*s.Width + col
			r.Lon[i], r.Lat[i] = s.Geo.Transform.PixelCenter(row, col)
		}
	}

	for _, b := range scene.AllBands {
		r.Raw[b] = s.Bands[b].Data
	}

	// absent LST pixels become NaN so they stay absent through masking
	lstBand := s.Bands[scene.BandLST]
	lst := make([]float64, n)
	for i, v := range lstBand.Data {
		if lstBand.IsNoData(v) {
			lst[i] = math.NaN()
			r.invalidRaw++
			continue
		}
		lst[i] = v
	}
	r.Raw[scene.BandLST] = lst

	e.log.Debug().Str("scene_id", in.Key.String()).
		Int("valid", n-r.invalidRaw).Int("invalid", r.invalidRaw).Int("total", n).
		Msg("raw pixel counts")
	if n > 0 && float64(r.invalidRaw)/float64(n) > SparseThreshold {
		return nil, &SparseError{Stage: StageRaw, Invalid: r.invalidRaw, Total: n}
	}

	qc := r.Raw[scene.BandQC]
	cloud := r.Raw[scene.BandCloud]
	water := r.Raw[scene.BandWater]

	for _, v := range water {
		switch v {
		case 1:
			r.waterPixels++
		case 0:
			r.landPixels++
		}
	}
	// without any water pixel the scene's water classification is unusable:
	// keep every pixel and mark the outputs water-off
	waterMask := r.waterPixels > 0
	r.WaterOff = !waterMask

	for i := 0; i < n; i++ {
		var f Flags
		if IsInvalidQC(qc[i]) {
			f |= FlagQCInvalid
		}
		if cloud[i] == 1 {
			f |= FlagCloud
		}
		if waterMask && water[i] == 0 {
			f |= FlagLand
		}
		r.Flags[i] = f
		r.Histogram[f]++
	}

	for o, b := range OutputBands {
		src := r.Raw[b]
		dst := make([]float64, n)
		for i := range dst {
			if r.Flags[i] != 0 {
				dst[i] = math.NaN()
				continue
			}
			dst[i] = src[i]
		}
		r.Filtered[o] = dst
	}

	r.BaseName = BaseName(in.Region, in.Key.Date, r.WaterOff)
	return r, nil
}

// Apply masks a loaded scene and computes its summary statistics. It fails
// with a *SparseError when the scene has too few LST pixels before or after
// masking.
func (e *Engine) Apply(in Input, s *Scene) (*Result, error) {
	r, err := e.Mask(in, s)
	if err != nil {
		return nil, err
	}

	n := r.Width * r.Height
	invalid := 0
	for _, v := range r.Filtered[OutLST] {
		if math.IsNaN(v) {
			invalid++
		}
	}
	e.log.Debug().Str("scene_id", in.Key.String()).
		Int("valid", n-invalid).Int("invalid", invalid).Int("total", n).
		Bool("wtoff", r.WaterOff).
		Msg("filtered pixel counts")
	if n > 0 && float64(invalid)/float64(n) > SparseThreshold {
		return nil, &SparseError{Stage: StageFiltered, Invalid: invalid, Total: n}
	}

	r.Summary = r.summarize(invalid)
	return r, nil
}

// Process loads, filters and emits one scene into outDir. Nothing is left in
// outDir when it fails.
func (e *Engine) Process(in Input, outDir string) (*Result, *Outputs, error) {
	s, err := e.Load(in)
	if err != nil {
		return nil, nil, err
	}
	r, err := e.Apply(in, s)
	if err != nil {
		return nil, nil, err
	}
	out, err := r.Emit(outDir)
	if err != nil {
		return nil, nil, err
	}

	e.log.Info().
		Str("scene_id", in.Key.String()).
		Str("feature_id", in.Region.FeatureID()).
		Str("base_name", r.BaseName).
		Bool("wtoff", r.WaterOff).
		Int("data_points", r.Summary.DataPoints).
		Msg("scene filtered")
	return r, out, nil
}
