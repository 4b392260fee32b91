package main

import (
	"errors"
	"fmt"

	"github.com/AfshinJalili/dealrouter/libs/kafka"
	"github.com/AfshinJalili/dealrouter/services/dealrouter/internal/expiry"
	"github.com/AfshinJalili/dealrouter/services/dealrouter/internal/fee"
	"github.com/AfshinJalili/dealrouter/services/dealrouter/internal/ledger"
	"github.com/AfshinJalili/dealrouter/services/dealrouter/internal/lifecycle"
	"github.com/AfshinJalili/dealrouter/services/dealrouter/internal/lock"
	"github.com/AfshinJalili/dealrouter/services/dealrouter/internal/notify"
	"github.com/AfshinJalili/dealrouter/services/dealrouter/internal/routing"
	"github.com/AfshinJalili/dealrouter/services/dealrouter/internal/storage"
	"github.com/spf13/cobra"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "migrate [up|down|status]",
		Short:     "Apply the embedded Postgres migrations",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"up", "down", "status"},
		RunE: func(cmd *cobra.Command, args []string) error {
			direction := "up"
			if len(args) == 1 {
				direction = args[0]
			}

			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			if a.pool == nil {
				return errors.New("migrate requires postgres storage")
			}

			if err := storage.Migrate(cmd.Context(), a.pool, direction); err != nil {
				return err
			}
			a.logger.Info("migrations applied", "direction", direction)
			return nil
		},
	}
}

func newResetVolumesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-volumes",
		Short: "Zero daily volumes of aggregators not yet reset today",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			router := routing.NewRouter(a.store, nil, nil, nil, a.logger, nil, routing.Options{})
			n, err := router.ResetDailyVolumes(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reset %d aggregator(s)\n", n)
			return nil
		},
	}
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run a single expiry sweep",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			cfg := a.cfg

			var notifier lifecycle.Notifier
			if cfg.Kafka.Enabled() {
				producer, err := kafka.NewSyncProducer(cfg.Kafka.Brokers, a.logger, nil)
				if err != nil {
					return fmt.Errorf("kafka producer: %w", err)
				}
				defer producer.Close()
				notifier = notify.NewKafkaNotifier(producer, cfg.Kafka.Topics.DealsStatusChanged, cfg.NotifyTimeout, a.logger)
			}

			fees := fee.NewEngine(a.store, nil, a.logger, nil)
			transitioner := lifecycle.NewTransitioner(a.store, fees, ledger.New(a.logger, nil), notifier, a.logger, nil)

			var locker expiry.Locker
			if a.redis != nil {
				locker = lock.NewRedisLocker(a.redis, "")
			}
			watcher := expiry.NewWatcher(a.store, transitioner, locker, a.logger, nil, expiry.Config{
				Interval:  cfg.Expiry.Interval,
				BatchSize: cfg.Expiry.BatchSize,
				LeaseTTL:  cfg.Expiry.LeaseTTL,
			})

			res, err := watcher.Tick(ctx)
			if err != nil {
				return err
			}
			if res.Skipped {
				fmt.Fprintln(cmd.OutOrStdout(), "sweep skipped: another replica holds the lease")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "selected %d, expired %d, failed %d, released %s\n",
				res.Selected, res.Expired, res.Failed, res.Released.StringFixed(2))
			return nil
		},
	}
}
