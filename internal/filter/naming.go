package filter

import (
	"strings"

	"github.com/smukkama/ecostress-pipeline/internal/regions"
)

const (
	filterSuffix   = "_filter"
	waterOffSuffix = "_wtoff"
	metadataSuffix = "_metadata.json"
)

// BaseName returns the file stem shared by a scene's outputs:
// {name}_{location}_{date}_filter, plus _wtoff when water masking was off.
func BaseName(region regions.Region, date string, waterOff bool) string {
	base := region.Name + "_" + region.Location + "_" + date + filterSuffix
	if waterOff {
		base += waterOffSuffix
	}
	return base
}

// CandidateBaseNames returns both names a scene's outputs may carry, since
// the water-off designation is only known after filtering.
func CandidateBaseNames(region regions.Region, date string) []string {
	return []string{
		BaseName(region, date, false),
		BaseName(region, date, true),
	}
}

// TIFName returns the filtered raster file name for a base name
func TIFName(base string) string { return base + ".tif" }

// CSVName returns the tabular export file name for a base name
func CSVName(base string) string { return base + ".csv" }

// MetadataName returns the metadata document file name for a base name
func MetadataName(base string) string { return base + metadataSuffix }

// BaseOfMetadata returns the base name of a metadata document file name
func BaseOfMetadata(name string) (string, bool) {
	if !strings.HasSuffix(name, metadataSuffix) {
		return "", false
	}
	return strings.TrimSuffix(name, metadataSuffix), true
}

// MaskedTwin maps an output file name of the water-off variant to the file
// name the water-masked variant of the same scene would carry.
func MaskedTwin(name string) (string, bool) {
	marker := filterSuffix + waterOffSuffix
	i := strings.LastIndex(name, marker)
	if i < 0 {
		return "", false
	}
	return name[:i] + filterSuffix + name[i+len(marker):], true
}
