package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"confluenceBot/config"
	"confluenceBot/internal/adapters/binanceclient"
	"confluenceBot/internal/adapters/logger"
	"confluenceBot/internal/adapters/sqlite"
	"confluenceBot/internal/domain"
	"confluenceBot/internal/marketdata"
)

var (
	fetchStart string
	fetchEnd   string
	fetchDB    string
	fetchCSV   string
)

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Download historical candles into the local database",
	Long: `fetch pages through the exchange's historical kline endpoint for every
configured asset and timeframe and stores the candles locally for
backtesting. Works without API keys; klines are a public endpoint.`,
	RunE: runFetch,
}

func init() {
	fetchCmd.Flags().StringVar(&fetchStart, "start", "", "range start (YYYY-MM-DD or RFC3339)")
	fetchCmd.Flags().StringVar(&fetchEnd, "end", "", "range end (YYYY-MM-DD or RFC3339)")
	fetchCmd.Flags().StringVar(&fetchDB, "db", "", "candle database path (default from DB_PATH)")
	fetchCmd.Flags().StringVar(&fetchCSV, "csv", "", "also export all fetched candles to this CSV file")
	_ = fetchCmd.MarkFlagRequired("start")
	_ = fetchCmd.MarkFlagRequired("end")
	rootCmd.AddCommand(fetchCmd)
}

func runFetch(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	log := logger.NewStdLogger(cfg.LogLevel)

	start, err := parseTime(fetchStart)
	if err != nil {
		return fmt.Errorf("invalid --start: %w", err)
	}
	end, err := parseTime(fetchEnd)
	if err != nil {
		return fmt.Errorf("invalid --end: %w", err)
	}

	dbPath := cfg.DBPath
	if fetchDB != "" {
		dbPath = fetchDB
	}
	repo, err := sqlite.NewRepository(sqlite.Config{DBPath: dbPath, Logger: log})
	if err != nil {
		return err
	}
	defer repo.Close()

	client, err := binanceclient.New(binanceclient.Config{
		APIKey:     cfg.APIKey,
		SecretKey:  cfg.SecretKey,
		UseTestnet: cfg.IsTestnet,
		Logger:     log,
	})
	if err != nil {
		return err
	}

	var fetched []*domain.Candle
	for _, asset := range cfg.Assets {
		for _, tf := range cfg.Timeframes {
			candles, err := client.KlinesRange(ctx, asset, tf, start, end)
			if err != nil {
				return fmt.Errorf("fetch %s %s: %w", asset, tf, err)
			}
			if err := repo.Store(ctx, candles); err != nil {
				return fmt.Errorf("store %s %s: %w", asset, tf, err)
			}
			fetched = append(fetched, candles...)
			fmt.Fprintf(cmd.OutOrStdout(), "Fetched %d candles for %s %s\n", len(candles), asset, tf)
		}
	}

	if fetchCSV != "" {
		if err := marketdata.WriteCandlesCSV(fetched, fetchCSV); err != nil {
			return fmt.Errorf("export CSV: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Exported %d candles to %s\n", len(fetched), fetchCSV)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Stored %d candles in %s\n", len(fetched), dbPath)
	return nil
}
