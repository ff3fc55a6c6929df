package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"

	"github.com/rs/zerolog"

	"github.com/smukkama/ecostress-pipeline/internal/database"
	"github.com/smukkama/ecostress-pipeline/internal/filter"
	"github.com/smukkama/ecostress-pipeline/internal/regions"
)

// metadataDir is the directory holding metadata documents below a feature
const metadataDir = "metadata"

// ledgerRows builds the feature and statistics rows of a published scene
func ledgerRows(m *filter.Metadata, tifKey, csvKey, metaKey string) (*database.Feature, *database.TemperatureMetadata, error) {
	histogram, err := m.FilterHistogram.MarshalJSON()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode histogram: %w", err)
	}
	featureID := m.FeatureID
	if featureID == "" {
		featureID = regions.Region{Name: m.Name, Location: m.Location}.FeatureID()
	}

	feature := &database.Feature{
		ID:         featureID,
		Name:       m.Name,
		Location:   m.Location,
		LatestDate: m.Date,
	}
	row := &database.TemperatureMetadata{
		FeatureID:       featureID,
		Date:            m.Date,
		MinTemp:         m.MinTemp,
		MaxTemp:         m.MaxTemp,
		MeanTemp:        m.MeanTemp,
		MedianTemp:      m.MedianTemp,
		StdDev:          m.StdDev,
		DataPoints:      m.DataPoints,
		WaterPixelCount: m.WaterPixelCount,
		LandPixelCount:  m.LandPixelCount,
		WaterOff:        m.WaterOff,
		CSVPath:         csvKey,
		TIFPath:         tifKey,
		MetadataPath:    metaKey,
		FilterHistogram: histogram,
	}
	return feature, row, nil
}

// BackfillReport summarizes a ledger rebuild
type BackfillReport struct {
	Documents int
	Restored  int
	Skipped   []string
}

// Backfill rebuilds feature and temperature_metadata rows from the metadata
// documents in the archive. Documents that do not decode are skipped and
// reported. Keys are visited in order, so when both variants of a date
// exist the _filter_wtoff document is applied last and its row wins.
func Backfill(ctx context.Context, archive ObjectArchive, ledger FeatureLedger, log zerolog.Logger) (*BackfillReport, error) {
	keys, err := archive.List(ctx, "")
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)

	rep := &BackfillReport{}
	for _, key := range keys {
		if path.Base(path.Dir(key)) != metadataDir {
			continue
		}
		base, ok := filter.BaseOfMetadata(path.Base(key))
		if !ok {
			continue
		}
		rep.Documents++

		data, err := archive.Get(ctx, key)
		if err != nil {
			return rep, err
		}
		m, err := filter.DecodeMetadata(data)
		if err == nil && (m.Name == "" || m.Location == "" || m.Date == "") {
			err = errors.New("document names no feature or date")
		}
		if err != nil {
			log.Warn().Err(err).Str("key", key).Msg("skipping metadata document")
			rep.Skipped = append(rep.Skipped, key)
			continue
		}

		region := regions.Region{Name: m.Name, Location: m.Location}
		feature, row, err := ledgerRows(m,
			archive.ObjectKey(region, filter.TIFName(base)),
			archive.ObjectKey(region, filter.CSVName(base)),
			key)
		if err != nil {
			log.Warn().Err(err).Str("key", key).Msg("skipping metadata document")
			rep.Skipped = append(rep.Skipped, key)
			continue
		}
		if err := ledger.UpsertFeature(ctx, feature); err != nil {
			return rep, err
		}
		if err := ledger.UpsertMetadata(ctx, row); err != nil {
			return rep, err
		}
		rep.Restored++
		log.Debug().Str("feature_id", feature.ID).Str("date", row.Date).Msg("ledger rows restored")
	}

	log.Info().Int("documents", rep.Documents).Int("restored", rep.Restored).
		Int("skipped", len(rep.Skipped)).Msg("backfill finished")
	return rep, nil
}

// PruneVariants removes water-masked outputs whose _filter_wtoff twin sits
// in the same directory, keeping the water-off variant. It returns the keys
// it removed, or would remove when dryRun is set.
func PruneVariants(ctx context.Context, archive ObjectArchive, dryRun bool, log zerolog.Logger) ([]string, error) {
	keys, err := archive.List(ctx, "")
	if err != nil {
		return nil, err
	}
	present := make(map[string]bool, len(keys))
	for _, k := range keys {
		present[k] = true
	}

	var stale []string
	for _, k := range keys {
		twin, ok := filter.MaskedTwin(path.Base(k))
		if !ok {
			continue
		}
		if twinKey := path.Join(path.Dir(k), twin); present[twinKey] {
			stale = append(stale, twinKey)
		}
	}
	sort.Strings(stale)

	for i, k := range stale {
		if dryRun {
			log.Info().Str("key", k).Msg("would remove superseded variant")
			continue
		}
		if err := archive.Remove(ctx, k); err != nil {
			return stale[:i], err
		}
		log.Info().Str("key", k).Msg("removed superseded variant")
	}
	return stale, nil
}
