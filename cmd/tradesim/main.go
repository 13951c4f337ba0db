// Command tradesim runs the synthetic futures trading simulator: a tick
// generator, order matching engine, and HTTP/WebSocket API in one process.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"tradesim/internal/api"
	"tradesim/internal/config"
	"tradesim/internal/domain"
	"tradesim/internal/engine"
	"tradesim/internal/market"
	"tradesim/internal/store"
	"tradesim/internal/util"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:           "tradesim",
		Short:         "tradesim is a synthetic futures market and trading engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "config/tradesim.yaml", "path to the YAML config file")

	root.AddCommand(newServeCmd(&cfgPath))
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the tradesim version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "tradesim", version)
		},
	}
}

func newServeCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the market generator, trading engine, and API server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

// loadConfig reads the config file, falling back to the built-in defaults
// when the file does not exist.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		cfg = config.Default()
		return cfg, cfg.Validate()
	}
	return nil, fmt.Errorf("loading config %s: %w", path, err)
}

func serve(parent context.Context, cfg *config.Config) error {
	log := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(log)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The database may live on storage that mounts a beat after boot.
	var sq *store.SQLiteStore
	err := util.Retry(ctx, 3, time.Second, func() error {
		var err error
		sq, err = store.NewSQLiteStore(cfg.Storage.SQLitePath)
		return err
	})
	if err != nil {
		return fmt.Errorf("opening sqlite store: %w", err)
	}
	defer sq.Close()

	archive := store.NewParquetStore(cfg.Storage.DataDir)

	instruments := make([]market.Instrument, 0, len(cfg.Instruments))
	for _, in := range cfg.Instruments {
		instruments = append(instruments, market.Instrument{
			Instrument: domain.Instrument{
				Symbol:            in.Symbol,
				TickSize:          in.TickSize,
				Multiplier:        in.Multiplier,
				MarginPerContract: in.MarginPerContract,
			},
			StartPrice: in.StartPrice,
			Volatility: in.Volatility,
		})
	}

	gen, err := market.NewGenerator(market.Options{
		TickInterval:   cfg.Market.TickInterval.Std(),
		CandleInterval: cfg.Market.CandleInterval.Std(),
		SpreadTicks:    cfg.Market.SpreadTicks,
		HistoryLimit:   cfg.Market.HistoryLimit,
		Seed:           cfg.Market.Seed,
		OnCandleClose: func(c domain.Candle) {
			if err := archive.WriteCandles(context.Background(), []domain.Candle{c}); err != nil {
				log.Error("archiving candle", "symbol", c.Symbol, "error", err)
			}
		},
	}, instruments, log)
	if err != nil {
		return fmt.Errorf("creating market generator: %w", err)
	}

	eng := engine.NewEngine(gen, sq, sq, sq, engine.Options{
		StartingBalance: cfg.Trading.StartingBalance,
		SessionClose:    cfg.Market.SessionClose,
	}, log)

	gen.Start(ctx)
	defer gen.Stop()
	eng.Start(ctx)
	defer eng.Stop()

	srv := api.NewServer(cfg, gen, eng, archive, log)
	log.Info("tradesim starting", "version", version,
		"instruments", len(instruments), "addr",
		fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port))
	return srv.ListenAndServe(ctx)
}
