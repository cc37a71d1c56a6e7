package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"confluenceBot/config"
	"confluenceBot/internal/adapters/logger"
	"confluenceBot/internal/adapters/sqlite"
	"confluenceBot/internal/domain"
	"confluenceBot/internal/stats"
)

var (
	reportDB    string
	reportAsset string
	reportLimit int
	reportJSON  bool
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Compute performance statistics from the recorded trade history",
	RunE:  runReport,
}

func init() {
	reportCmd.Flags().StringVar(&reportDB, "db", "", "trade database path (default from DB_PATH)")
	reportCmd.Flags().StringVar(&reportAsset, "asset", "", "restrict the report to one asset")
	reportCmd.Flags().IntVar(&reportLimit, "limit", 1000, "max trades when filtering by asset")
	reportCmd.Flags().BoolVar(&reportJSON, "json", false, "emit the full statistics report as JSON")
	rootCmd.AddCommand(reportCmd)
}

func runReport(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	log := logger.NewStdLogger(cfg.LogLevel)

	dbPath := cfg.DBPath
	if reportDB != "" {
		dbPath = reportDB
	}
	repo, err := sqlite.NewRepository(sqlite.Config{DBPath: dbPath, Logger: log})
	if err != nil {
		return err
	}
	defer repo.Close()

	var trades []*domain.TradeRecord
	if reportAsset != "" {
		trades, err = repo.FindByAsset(ctx, reportAsset, reportLimit)
	} else {
		trades, err = repo.FindAll(ctx)
	}
	if err != nil {
		return err
	}

	report := stats.Compute(trades, nil)

	out := cmd.OutOrStdout()
	if reportJSON {
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(data))
		return nil
	}

	fmt.Fprintf(out, "Trades:            %d (%d wins / %d losses)\n", report.TotalTrades, report.WinningTrades, report.LosingTrades)
	if report.TotalTrades == 0 {
		return nil
	}
	fmt.Fprintf(out, "Win rate:          %.1f%%\n", report.WinRate*100)
	fmt.Fprintf(out, "Total PnL:         %s\n", report.TotalPnL.StringFixed(2))
	fmt.Fprintf(out, "Profit factor:     %.2f\n", report.ProfitFactor)
	fmt.Fprintf(out, "Expectancy:        %s\n", report.Expectancy.StringFixed(2))
	fmt.Fprintf(out, "Avg R multiple:    %.2f\n", report.AvgRMultiple)
	fmt.Fprintf(out, "Kelly fraction:    %.3f\n", report.KellyFraction)
	fmt.Fprintf(out, "Max loss streak:   %d\n", report.MaxConsecutiveLosses)
	fmt.Fprintf(out, "Avg duration:      %s\n", report.AverageDuration)
	return nil
}
