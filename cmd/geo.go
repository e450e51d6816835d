package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/circlesave/circle-matcher/internal/geo"
	"github.com/circlesave/circle-matcher/internal/model"
)

var geoCmd = &cobra.Command{
	Use:   "geo",
	Short: "Location cache commands",
}

var geoWarmCmd = &cobra.Command{
	Use:         "warm",
	Short:       "Geocode users' postal codes missing from the location cache",
	Annotations: mode("geo"),
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		codes, err := st.ListUncachedPostalCodes(ctx)
		if err != nil {
			return eris.Wrap(err, "geo warm")
		}
		if limit, _ := cmd.Flags().GetInt("limit"); limit > 0 && len(codes) > limit {
			codes = codes[:limit]
		}
		zap.L().Info("geo warm starting", zap.Int("codes", len(codes)))

		client := newGeocoder(cfg.Geocode)
		report := newResolver(st, cfg.Geocode, client).Warm(ctx, codes)
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			geo.WarmReport
			Circuits map[string]string `json:"circuits"`
		}{report, client.CircuitStates()})
	},
}

var geoDistanceCmd = &cobra.Command{
	Use:         "distance <postal-a> <postal-b>",
	Short:       "Show the distance between two postal codes",
	Args:        cobra.ExactArgs(2),
	Annotations: mode("geo"),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		calc := geo.NewCalculator(newResolver(st, cfg.Geocode, newGeocoder(cfg.Geocode)))
		printMeasurement(os.Stdout, args[0], args[1], calc.Measure(ctx, args[0], args[1]))
		return nil
	},
}

var geoImportCmd = &cobra.Command{
	Use:         "import <centroids.csv>",
	Short:       "Seed the location cache from a CSV of postal-code centroids",
	Long:        "Reads postal_code,lat,lng[,city,region] rows and upserts them into the location cache.",
	Args:        cobra.ExactArgs(1),
	Annotations: mode("migrate"),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		f, err := os.Open(args[0])
		if err != nil {
			return eris.Wrap(err, "geo import: open file")
		}
		defer f.Close() //nolint:errcheck

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		n, err := importCentroids(ctx, st, f, cfg.Geocode.CountryCode, time.Now())
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "imported %d locations\n", n)
		return nil
	},
}

// locationImporter bulk-loads the location cache.
type locationImporter interface {
	ImportLocations(ctx context.Context, entries []model.LocationEntry) (int64, error)
}

func importCentroids(ctx context.Context, st locationImporter, r io.Reader, country string, now time.Time) (int64, error) {
	entries, err := geo.ParseCentroids(r, country, now)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}
	n, err := st.ImportLocations(ctx, entries)
	if err != nil {
		return 0, eris.Wrap(err, "geo import")
	}
	zap.L().Info("geo import complete", zap.Int("rows", len(entries)), zap.Int64("upserted", n))
	return n, nil
}

func printMeasurement(w io.Writer, a, b string, m geo.Measurement) {
	fmt.Fprintf(w, "%s -> %s: %.2f km (%s)\n",
		model.NormalizePostalCode(a), model.NormalizePostalCode(b), m.Km, m.Method)
}

func init() {
	geoWarmCmd.Flags().Int("limit", 0, "max number of postal codes to geocode (0 = all)")

	geoCmd.AddCommand(geoWarmCmd)
	geoCmd.AddCommand(geoDistanceCmd)
	geoCmd.AddCommand(geoImportCmd)
	rootCmd.AddCommand(geoCmd)
}
