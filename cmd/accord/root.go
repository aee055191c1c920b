package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/xraph/accord"
	broadcastredis "github.com/xraph/accord/broadcast/redis"
	"github.com/xraph/accord/registry"
	storeredis "github.com/xraph/accord/store/redis"
	streamredis "github.com/xraph/accord/stream/redis"
)

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("ACCORD")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:           "accord",
		Short:         "Distributed coordination over Redis streams",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().String("redis", "localhost:6379", "Redis address")
	root.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")

	run := &cobra.Command{
		Use:   "run",
		Short: "Run a coordinator instance",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := v.BindPFlags(cmd.Flags()); err != nil {
				return err
			}
			if err := v.BindPFlags(cmd.Root().PersistentFlags()); err != nil {
				return err
			}
			return runCoordinator(cmd.Context(), v)
		},
	}
	run.Flags().String("name", "", "instance name, shared by every replica of the service (required)")
	run.Flags().String("prefix", "", "namespace prefix for streams, channels, and store keys")
	run.Flags().Duration("idle-time", 0, "claim redelivery idle time (0 = library default)")
	run.Flags().Duration("ping-interval", accord.DefaultPingInterval, "dispatcher ping interval")
	run.Flags().Int("max-subscriptions", 0, "max event subscriptions per registration (0 = unlimited)")
	run.Flags().StringSlice("subscribe", nil, "events this instance subscribes to")
	run.Flags().StringSlice("cast", nil, "events this instance casts")

	root.AddCommand(run)
	return root
}

func runCoordinator(ctx context.Context, v *viper.Viper) error {
	logger := newLogger(v.GetString("log-level"))

	client := goredis.NewClient(&goredis.Options{Addr: v.GetString("redis")})
	defer client.Close()

	var subscribe []registry.Subscription
	for _, name := range v.GetStringSlice("subscribe") {
		subscribe = append(subscribe, registry.Subscription{Name: name})
	}

	c, err := accord.New(
		accord.WithInstanceName(v.GetString("name")),
		accord.WithPrefix(v.GetString("prefix")),
		accord.WithIdleTime(v.GetDuration("idle-time")),
		accord.WithMaxSubscriptions(v.GetInt("max-subscriptions")),
		accord.WithSubscriptions(subscribe, v.GetStringSlice("cast")),
		accord.WithLog(streamredis.New(client, streamredis.WithLogger(logger))),
		accord.WithStore(storeredis.New(client, storeredis.WithLogger(logger))),
		accord.WithBroker(broadcastredis.New(client, broadcastredis.WithLogger(logger))),
		accord.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	if err := c.Start(ctx); err != nil {
		return err
	}
	logger.Info("coordinator started", "origin", c.Origin().String())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-ctx.Done():
	case s := <-sig:
		logger.Info("shutting down", "signal", s.String())
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return c.Stop(stopCtx)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
