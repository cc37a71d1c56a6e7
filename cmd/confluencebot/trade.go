package main

import (
	"github.com/spf13/cobra"

	"confluenceBot/config"
	"confluenceBot/internal/adapters/binanceclient"
	"confluenceBot/internal/adapters/logger"
	"confluenceBot/internal/adapters/sqlite"
	"confluenceBot/internal/execguard"
	"confluenceBot/internal/live"
	"confluenceBot/internal/marketdata"
	"confluenceBot/internal/position"
	"confluenceBot/internal/risk"
	"confluenceBot/internal/strategy/confluence"
	"confluenceBot/internal/strategy/reasoner"
)

var tradeCmd = &cobra.Command{
	Use:   "trade",
	Short: "Run the live trading loop against Binance futures",
	RunE:  runTrade,
}

func init() {
	rootCmd.AddCommand(tradeCmd)
}

func runTrade(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	if err := cfg.RequireAPIKeys(); err != nil {
		return err
	}
	log := logger.NewStdLogger(cfg.LogLevel)

	repo, err := sqlite.NewRepository(sqlite.Config{DBPath: cfg.DBPath, Logger: log})
	if err != nil {
		return err
	}
	defer repo.Close()

	client, err := binanceclient.New(binanceclient.Config{
		APIKey:               cfg.APIKey,
		SecretKey:            cfg.SecretKey,
		UseTestnet:           cfg.IsTestnet,
		Logger:               log,
		ReconnectDelay:       cfg.ReconnectDelay,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
	})
	if err != nil {
		return err
	}

	// All order traffic goes through the guard: rate limiting, bounded
	// retries on idempotent calls and the consecutive-failure breaker.
	guard, err := execguard.New(client, execguard.Config{
		RequestsPerSecond: cfg.GuardRequestsPerSecond,
		Burst:             cfg.GuardBurst,
		MaxRetries:        cfg.GuardMaxRetries,
		FailureThreshold:  cfg.GuardFailureThreshold,
		OpenTimeout:       cfg.GuardOpenTimeout,
	}, log)
	if err != nil {
		return err
	}

	posMgr, err := position.NewManager(position.Config{
		TickInterval:         cfg.TickInterval,
		BreakevenActivationR: cfg.BreakevenActivationR,
		MomentumPullbackR:    cfg.MomentumPullbackR,
	}, guard, repo, log)
	if err != nil {
		return err
	}

	riskMgr, err := risk.NewManager(risk.Config{
		Limits: risk.Limits{
			MaxDailyLossPercent:          cfg.MaxDailyLossPercent,
			EmergencyLossPercent:         cfg.EmergencyLossPercent,
			MaxRiskPerTradePercent:       cfg.MaxRiskPerTradePercent,
			MaxCorrelatedExposurePercent: cfg.MaxCorrelatedExposurePercent,
			MaxConcurrentPositions:       cfg.MaxConcurrentPositions,
			MaxConsecutiveLosses:         cfg.MaxConsecutiveLosses,
			CircuitBreakerCooldown:       cfg.CircuitBreakerCooldown,
			CorrelationGroups:            cfg.CorrelationGroups,
		},
		InitialBalance: cfg.InitialBalance,
		Logger:         log,
		Metrics:        repo,
	})
	if err != nil {
		return err
	}

	mgr, err := marketdata.NewManager(repo, log, 0)
	if err != nil {
		return err
	}

	svc, err := live.NewService(live.Config{
		Assets:          cfg.Assets,
		Timeframes:      cfg.Timeframes,
		BaseTimeframe:   cfg.BaseTimeframe,
		Lookback:        cfg.Lookback,
		RiskPerTrade:    cfg.RiskPerTrade,
		MinScore:        cfg.MinScore,
		MonitorInterval: cfg.MonitorInterval,
	}, log, client, guard, mgr, repo,
		confluence.NewScorer(confluence.Config{}, log),
		reasoner.New(reasoner.Config{MinScore: cfg.MinScore}, log),
		riskMgr, posMgr)
	if err != nil {
		return err
	}

	return svc.Start(ctx)
}
