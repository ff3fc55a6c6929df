package scene

import (
	"path/filepath"
	"strings"
)

// Band identifies one of the seven input layers of an ECOSTRESS L2T LSTE scene
type Band int

const (
	BandLST Band = iota
	BandLSTErr
	BandQC
	BandWater
	BandCloud
	BandEmisWB
	BandHeight
)

// NumBands is the number of input bands in a complete scene
const NumBands = int(BandHeight) + 1

// AllBands lists every band a scene must provide, in the order they are
// matched against file names.
var AllBands = []Band{BandLST, BandLSTErr, BandQC, BandWater, BandCloud, BandEmisWB, BandHeight}

// Token returns the substring that marks a file as carrying this band
func (b Band) Token() string {
	switch b {
	case BandLST:
		return "LST_doy"
	case BandLSTErr:
		return "LST_err"
	case BandQC:
		return "QC"
	case BandWater:
		return "water"
	case BandCloud:
		return "cloud"
	case BandEmisWB:
		return "EmisWB"
	case BandHeight:
		return "height"
	default:
		return ""
	}
}

// String returns the column name used for the band in exports
func (b Band) String() string {
	switch b {
	case BandLST:
		return "LST"
	case BandLSTErr:
		return "LST_err"
	case BandQC:
		return "QC"
	case BandWater:
		return "water"
	case BandCloud:
		return "cloud"
	case BandEmisWB:
		return "EmisWB"
	case BandHeight:
		return "height"
	default:
		return "unknown"
	}
}

// MatchBand reports which band a file carries, judged on its base name
func MatchBand(filename string) (Band, bool) {
	base := filepath.Base(filename)
	for _, b := range AllBands {
		if strings.Contains(base, b.Token()) {
			return b, true
		}
	}
	return 0, false
}
