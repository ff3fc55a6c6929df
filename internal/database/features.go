package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// UpsertFeature inserts or updates a feature. latest_date only moves forward.
func (db *DB) UpsertFeature(ctx context.Context, f *Feature) error {
	query := `
		INSERT INTO features (id, name, location, latest_date)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
		    location = EXCLUDED.location,
		    latest_date = GREATEST(features.latest_date, EXCLUDED.latest_date),
		    last_updated = CURRENT_TIMESTAMP
	`
	_, err := db.ExecContext(ctx, query, f.ID, f.Name, f.Location, nullString(f.LatestDate))
	if err != nil {
		return fmt.Errorf("failed to upsert feature %s: %w", f.ID, err)
	}
	return nil
}

// GetFeature retrieves a feature by id
func (db *DB) GetFeature(ctx context.Context, id string) (*Feature, error) {
	query := `
		SELECT id, name, location, latest_date, last_updated
		FROM features
		WHERE id = $1
	`

	var f Feature
	var latest sql.NullString
	err := db.QueryRowContext(ctx, query, id).Scan(
		&f.ID,
		&f.Name,
		&f.Location,
		&latest,
		&f.LastUpdated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("feature %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	f.LatestDate = latest.String
	return &f, nil
}

// UpsertMetadata replaces the statistics of one (feature, date). The feature
// row must exist; otherwise it fails with ErrFeatureMissing.
func (db *DB) UpsertMetadata(ctx context.Context, m *TemperatureMetadata) error {
	query := `
		INSERT INTO temperature_metadata (
			feature_id, date, min_temp, max_temp, mean_temp, median_temp, std_dev,
			data_points, water_pixel_count, land_pixel_count, wtoff,
			csv_path, tif_path, metadata_path, filter_histogram
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (feature_id, date) DO UPDATE
		SET min_temp = EXCLUDED.min_temp,
		    max_temp = EXCLUDED.max_temp,
		    mean_temp = EXCLUDED.mean_temp,
		    median_temp = EXCLUDED.median_temp,
		    std_dev = EXCLUDED.std_dev,
		    data_points = EXCLUDED.data_points,
		    water_pixel_count = EXCLUDED.water_pixel_count,
		    land_pixel_count = EXCLUDED.land_pixel_count,
		    wtoff = EXCLUDED.wtoff,
		    csv_path = EXCLUDED.csv_path,
		    tif_path = EXCLUDED.tif_path,
		    metadata_path = EXCLUDED.metadata_path,
		    filter_histogram = EXCLUDED.filter_histogram,
		    updated_at = CURRENT_TIMESTAMP
	`
	histogram := string(m.FilterHistogram)
	if histogram == "" {
		histogram = "{}"
	}

	_, err := db.ExecContext(ctx, query,
		m.FeatureID,
		m.Date,
		nullFloat(m.MinTemp),
		nullFloat(m.MaxTemp),
		nullFloat(m.MeanTemp),
		nullFloat(m.MedianTemp),
		nullFloat(m.StdDev),
		m.DataPoints,
		m.WaterPixelCount,
		m.LandPixelCount,
		m.WaterOff,
		m.CSVPath,
		m.TIFPath,
		m.MetadataPath,
		histogram,
	)
	if err != nil {
		if pqCode(err) == pgForeignKeyViolation {
			return fmt.Errorf("%w: %s", ErrFeatureMissing, m.FeatureID)
		}
		return fmt.Errorf("failed to upsert metadata %s/%s: %w", m.FeatureID, m.Date, err)
	}
	return nil
}
