package main

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"confluenceBot/config"
	"confluenceBot/internal/adapters/logger"
	"confluenceBot/internal/adapters/snapshot"
	"confluenceBot/internal/adapters/sqlite"
	"confluenceBot/internal/backtest"
	"confluenceBot/internal/marketdata"
	"confluenceBot/internal/strategy/confluence"
	"confluenceBot/internal/strategy/reasoner"
)

var (
	btStart      string
	btEnd        string
	btImportCSV  []string
	btDB         string
	btOut        string
	btTieBreak   string
	btCommission string
	btSlippage   string
	btBalance    string
)

var backtestCmd = &cobra.Command{
	Use:   "backtest",
	Short: "Run a deterministic backtest over stored candle data",
	RunE:  runBacktest,
}

func init() {
	backtestCmd.Flags().StringVar(&btStart, "start", "", "simulation start (YYYY-MM-DD or RFC3339)")
	backtestCmd.Flags().StringVar(&btEnd, "end", "", "simulation end (YYYY-MM-DD or RFC3339)")
	backtestCmd.Flags().StringArrayVar(&btImportCSV, "import-csv", nil, "candle CSV file(s) to import before the run")
	backtestCmd.Flags().StringVar(&btDB, "db", "", "candle database path (default from DB_PATH)")
	backtestCmd.Flags().StringVar(&btOut, "out", "", "result snapshot directory (default from SNAPSHOT_DIR)")
	backtestCmd.Flags().StringVar(&btTieBreak, "tie-break", "stop", "same-bar stop/target fill policy: stop or tp")
	backtestCmd.Flags().StringVar(&btCommission, "commission", "0.0004", "commission rate per side, proportional to notional")
	backtestCmd.Flags().StringVar(&btSlippage, "slippage", "0.0001", "adverse slippage rate applied to every fill")
	backtestCmd.Flags().StringVar(&btBalance, "balance", "", "starting balance (default from INITIAL_BALANCE)")
	_ = backtestCmd.MarkFlagRequired("start")
	_ = backtestCmd.MarkFlagRequired("end")
	rootCmd.AddCommand(backtestCmd)
}

func runBacktest(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	log := logger.NewStdLogger(cfg.LogLevel)

	start, err := parseTime(btStart)
	if err != nil {
		return fmt.Errorf("invalid --start: %w", err)
	}
	end, err := parseTime(btEnd)
	if err != nil {
		return fmt.Errorf("invalid --end: %w", err)
	}

	commission, err := decimal.NewFromString(btCommission)
	if err != nil {
		return fmt.Errorf("invalid --commission: %w", err)
	}
	slippage, err := decimal.NewFromString(btSlippage)
	if err != nil {
		return fmt.Errorf("invalid --slippage: %w", err)
	}
	balance := cfg.InitialBalance
	if btBalance != "" {
		if balance, err = decimal.NewFromString(btBalance); err != nil {
			return fmt.Errorf("invalid --balance: %w", err)
		}
	}
	tieBreak := backtest.StopPriority
	if btTieBreak == "tp" {
		tieBreak = backtest.TPPriority
	}

	dbPath := cfg.DBPath
	if btDB != "" {
		dbPath = btDB
	}
	repo, err := sqlite.NewRepository(sqlite.Config{DBPath: dbPath, Logger: log})
	if err != nil {
		return err
	}
	defer repo.Close()

	for _, file := range btImportCSV {
		candles, err := marketdata.ReadCandlesCSV(file)
		if err != nil {
			return fmt.Errorf("import %s: %w", file, err)
		}
		if err := repo.Store(ctx, candles); err != nil {
			return fmt.Errorf("store %s: %w", file, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Imported %d candles from %s\n", len(candles), file)
	}

	mgr, err := marketdata.NewManager(repo, log, 0)
	if err != nil {
		return err
	}
	for _, asset := range cfg.Assets {
		for _, tf := range cfg.Timeframes {
			from := start.Add(-time.Duration(cfg.Lookback) * tf.Duration())
			if err := mgr.Preload(ctx, asset, tf, from, end); err != nil {
				return err
			}
			if report := mgr.Quality(asset, tf); !report.Clean() {
				log.Warn(ctx, "Candle series has quality problems", map[string]interface{}{
					"asset": asset, "timeframe": tf,
					"gaps": len(report.Gaps), "invalid_bars": len(report.InvalidBars),
				})
			}
		}
	}

	engine, err := backtest.New(backtest.Config{
		Assets:               cfg.Assets,
		Timeframes:           cfg.Timeframes,
		BaseTimeframe:        cfg.BaseTimeframe,
		Start:                start,
		End:                  end,
		Lookback:             cfg.Lookback,
		InitialBalance:       balance,
		RiskPerTrade:         cfg.RiskPerTrade,
		MaxConcurrent:        cfg.MaxConcurrentPositions,
		CommissionRate:       commission,
		SlippageRate:         slippage,
		MinScore:             cfg.MinScore,
		MaxDailyLossPercent:  cfg.MaxDailyLossPercent,
		BreakevenActivationR: cfg.BreakevenActivationR,
		MomentumPullbackR:    cfg.MomentumPullbackR,
		TieBreak:             tieBreak,
	}, mgr, confluence.NewScorer(confluence.Config{}, log), reasoner.New(reasoner.Config{MinScore: cfg.MinScore}, log), log)
	if err != nil {
		return err
	}

	result, err := engine.Run(ctx)
	if err != nil {
		return err
	}

	outDir := cfg.SnapshotDir
	if btOut != "" {
		outDir = btOut
	}
	store, err := snapshot.NewStore(outDir, log)
	if err != nil {
		return err
	}
	name := "backtest-" + time.Now().UTC().Format("20060102-150405")
	if err := store.Save(ctx, name, result); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "\nBacktest %s -> %s on %v\n", start.Format("2006-01-02"), end.Format("2006-01-02"), cfg.Assets)
	fmt.Fprintf(out, "  Bars processed:  %d\n", result.TotalBars)
	fmt.Fprintf(out, "  Trades:          %d\n", len(result.Trades))
	fmt.Fprintf(out, "  Final balance:   %s (from %s)\n", result.FinalBalance.StringFixed(2), result.InitialBalance.StringFixed(2))
	fmt.Fprintf(out, "  Max drawdown:    %s\n", result.MaxDrawdown.StringFixed(2))
	if s := result.Statistics; s != nil && s.TotalTrades > 0 {
		fmt.Fprintf(out, "  Win rate:        %.1f%%\n", s.WinRate*100)
		fmt.Fprintf(out, "  Profit factor:   %.2f\n", s.ProfitFactor)
		fmt.Fprintf(out, "  Avg R multiple:  %.2f\n", s.AvgRMultiple)
		fmt.Fprintf(out, "  Sharpe:          %.2f\n", s.SharpeRatio)
	}
	fmt.Fprintf(out, "  Full result:     %s\n", name)
	return nil
}

// parseTime accepts a plain date or a full RFC3339 timestamp.
func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
