package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/smukkama/ecostress-pipeline/internal/database"
)

// RegionsCmd returns the regions command
func RegionsCmd() *cobra.Command {
	var latest bool

	cmd := &cobra.Command{
		Use:   "regions",
		Short: "List the configured regions and their ids",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv()
			if err != nil {
				return err
			}
			defer e.close()

			catalog, err := e.regions()
			if err != nil {
				return err
			}

			ctx := context.Background()
			var db *database.DB
			if latest {
				if db, err = e.database(ctx); err != nil {
					return err
				}
			}

			fmt.Printf("%d regions in %s\n\n", catalog.Len(), e.cfg.Pipeline.RegionsPath)
			for _, r := range catalog.All() {
				fmt.Printf("  aid%04d  %-40s [%.4f %.4f, %.4f %.4f]", r.ID, r.FeatureID(),
					r.Bound.Min.Lon(), r.Bound.Min.Lat(), r.Bound.Max.Lon(), r.Bound.Max.Lat())
				if db != nil {
					f, err := db.GetFeature(ctx, r.FeatureID())
					switch {
					case errors.Is(err, database.ErrNotFound):
						fmt.Print("  never published")
					case err != nil:
						return err
					default:
						fmt.Printf("  latest %s", f.LatestDate)
					}
				}
				fmt.Println()
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&latest, "latest", "l", false, "Show the latest published scene date of each region")

	return cmd
}
