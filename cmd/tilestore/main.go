// Command tilestore queries tile datasets from the command line: find tile
// summaries, materialize their data, and inspect dataset time coverage.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/oceanworks/tilestore/internal/backend"
	"github.com/oceanworks/tilestore/internal/config"
	"github.com/oceanworks/tilestore/internal/service"
	"github.com/oceanworks/tilestore/internal/tile"
)

type app struct {
	log    zerolog.Logger
	facade *service.Facade
}

func main() {
	var (
		configPath string
		a          app
	)

	root := &cobra.Command{
		Use:     "tilestore",
		Short:   "Query geospatial tile datasets",
		Version: "0.1.0",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			level, err := zerolog.ParseLevel(cfg.LogLevel)
			if err != nil {
				return fmt.Errorf("bad log level %q: %w", cfg.LogLevel, err)
			}
			a.log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
				Level(level).With().Timestamp().Logger()

			a.facade, err = service.FromConfig(cmd.Context(), cfg, a.log)
			return err
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.facade != nil {
				return a.facade.Close()
			}
			return nil
		},
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "tilestore.yaml", "Path to config file")

	root.AddCommand(
		a.datasetsCmd(),
		a.queryCmd(),
		a.fetchCmd(),
		a.daysCmd(),
		a.rangeCmd(),
		a.countCmd(),
		a.deleteCmd(),
	)

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// boxFlags is the shared spatial/temporal filter flag set.
type boxFlags struct {
	minLat, maxLat float64
	minLon, maxLon float64
	start, end     string
}

func (b *boxFlags) register(cmd *cobra.Command) {
	cmd.Flags().Float64Var(&b.minLat, "min-lat", -90, "Minimum latitude")
	cmd.Flags().Float64Var(&b.maxLat, "max-lat", 90, "Maximum latitude")
	cmd.Flags().Float64Var(&b.minLon, "min-lon", -180, "Minimum longitude")
	cmd.Flags().Float64Var(&b.maxLon, "max-lon", 180, "Maximum longitude")
	cmd.Flags().StringVar(&b.start, "start", "", "Start time (RFC 3339 or epoch seconds, empty = unbounded)")
	cmd.Flags().StringVar(&b.end, "end", "", "End time (RFC 3339 or epoch seconds, empty = unbounded)")
}

func (b *boxFlags) box() tile.BBox {
	return tile.BBox{MinLat: b.minLat, MaxLat: b.maxLat, MinLon: b.minLon, MaxLon: b.maxLon}
}

func (b *boxFlags) times() (int64, int64, error) {
	start, err := parseTime(b.start)
	if err != nil {
		return 0, 0, fmt.Errorf("bad --start: %w", err)
	}
	end, err := parseTime(b.end)
	if err != nil {
		return 0, 0, fmt.Errorf("bad --end: %w", err)
	}
	return start, end, nil
}

func parseTime(s string) (int64, error) {
	if s == "" {
		return backend.TimeUnbounded, nil
	}
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts.Unix(), nil
	}
	var epoch int64
	if _, err := fmt.Sscanf(s, "%d", &epoch); err != nil {
		return 0, fmt.Errorf("not RFC 3339 or epoch seconds: %q", s)
	}
	return epoch, nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// tileSummary is the CLI's printable view of a tile.
type tileSummary struct {
	ID       string  `json:"id"`
	Dataset  string  `json:"dataset,omitempty"`
	Granule  string  `json:"granule,omitempty"`
	BBox     string  `json:"bbox"`
	MinTime  int64   `json:"minTime"`
	MaxTime  int64   `json:"maxTime"`
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
	Mean     float64 `json:"mean"`
	Count    int     `json:"count"`
	HasData  bool    `json:"hasData"`
	Unmasked int     `json:"unmasked,omitempty"`
}

func summarize(tiles []*tile.Tile) []tileSummary {
	out := make([]tileSummary, 0, len(tiles))
	for _, t := range tiles {
		s := tileSummary{
			ID:      t.ID,
			Dataset: t.DatasetID,
			Granule: t.Granule,
			BBox:    t.BBox.String(),
			MinTime: t.MinTime,
			MaxTime: t.MaxTime,
			Min:     t.Stats.Min,
			Max:     t.Stats.Max,
			Mean:    t.Stats.Mean,
			Count:   t.Stats.Count,
			HasData: t.HasData(),
		}
		if t.HasData() {
			s.Unmasked = t.Data.CountUnmasked()
		}
		out = append(out, s)
	}
	return out
}

func (a *app) datasetsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "datasets",
		Short: "List configured datasets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printJSON(a.facade.Datasets())
		},
	}
}

func (a *app) queryCmd() *cobra.Command {
	var (
		flags boxFlags
		fetch bool
	)
	cmd := &cobra.Command{
		Use:   "query DATASET",
		Short: "Find tiles intersecting a box and time range",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			start, end, err := flags.times()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			var tiles []*tile.Tile
			if fetch {
				var failures []backend.FetchFailure
				tiles, failures, err = a.facade.FindTilesInBoxWithData(ctx, args[0], flags.box(), start, end)
				if err == nil && len(failures) > 0 {
					a.log.Warn().Int("failed", len(failures)).Msg("some tiles could not be materialized")
				}
			} else {
				tiles, err = a.facade.FindTilesInBox(ctx, args[0], flags.box(), start, end)
			}
			if err != nil {
				return err
			}
			return printJSON(summarize(tiles))
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&fetch, "fetch", false, "Materialize array data for matched tiles")
	return cmd
}

func (a *app) fetchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fetch DATASET TILE_ID...",
		Short: "Materialize tiles by id",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			summaries, err := a.facade.FindTilesByID(ctx, args[0], args[1:])
			if err != nil {
				return err
			}
			tiles, failures, err := a.facade.FetchDataForTiles(ctx, args[0], summaries)
			if err != nil {
				return err
			}
			if len(failures) > 0 {
				a.log.Warn().Int("failed", len(failures)).Msg("some tiles could not be materialized")
			}
			return printJSON(summarize(tiles))
		},
	}
}

func (a *app) daysCmd() *cobra.Command {
	var flags boxFlags
	cmd := &cobra.Command{
		Use:   "days DATASET",
		Short: "List distinct days with data in a box and time range",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			start, end, err := flags.times()
			if err != nil {
				return err
			}
			days, err := a.facade.FindDaysInRangeAsc(cmd.Context(), args[0], flags.box(), start, end)
			if err != nil {
				return err
			}
			out := make([]string, len(days))
			for i, d := range days {
				out[i] = time.Unix(d, 0).UTC().Format("2006-01-02")
			}
			return printJSON(out)
		},
	}
	flags.register(cmd)
	return cmd
}

func (a *app) rangeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "range DATASET",
		Short: "Show the dataset's overall time extent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			minT, maxT, err := a.facade.DateRangeForDataset(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(map[string]string{
				"start": time.Unix(minT, 0).UTC().Format(time.RFC3339),
				"end":   time.Unix(maxT, 0).UTC().Format(time.RFC3339),
			})
		},
	}
}

func (a *app) countCmd() *cobra.Command {
	var flags boxFlags
	cmd := &cobra.Command{
		Use:   "count DATASET",
		Short: "Count tiles matching a box and time range",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			start, end, err := flags.times()
			if err != nil {
				return err
			}
			box := flags.box()
			n, err := a.facade.GetTileCount(cmd.Context(), args[0], &box, start, end, nil)
			if err != nil {
				return err
			}
			return printJSON(map[string]int64{"count": n})
		},
	}
	flags.register(cmd)
	return cmd
}

func (a *app) deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete DATASET TILE_ID...",
		Short: "Delete tiles from the dataset's stores",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.facade.DeleteTiles(cmd.Context(), args[0], args[1:]); err != nil {
				return err
			}
			a.log.Info().Int("tiles", len(args)-1).Str("dataset", args[0]).Msg("deleted")
			return nil
		},
	}
}
