// Copyright (C) 2024 FeedSpine Authors.
// See LICENSE for copying information.

// feedspine is the host binary of the collection core: it wires configured
// JSON feeds into the collector and runs them once or on a schedule.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/feedspine/feedspine/adapter"
	"github.com/feedspine/feedspine/checkpoint"
	"github.com/feedspine/feedspine/collector"
	"github.com/feedspine/feedspine/feed"
	"github.com/feedspine/feedspine/fetch"
	"github.com/feedspine/feedspine/progress"
	"github.com/feedspine/feedspine/scheduler"
	"github.com/feedspine/feedspine/storage"
	"github.com/feedspine/feedspine/storage/sqlitedb"
	"github.com/feedspine/feedspine/storage/storelogger"
)

func main() {
	root := &cobra.Command{
		Use:           "feedspine",
		Short:         "FeedSpine feed collection core",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	registerFlags(root.PersistentFlags())

	vip := viper.New()
	vip.SetEnvPrefix("FEEDSPINE")
	vip.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	vip.AutomaticEnv()
	cobra.OnInitialize(func() {
		_ = vip.BindPFlags(root.PersistentFlags())
		if config := vip.GetString("config"); config != "" {
			vip.SetConfigFile(config)
		} else {
			vip.SetConfigName("feedspine")
			vip.AddConfigPath(".")
		}
		_ = vip.ReadInConfig()
	})

	root.AddCommand(collectCmd(vip), runCmd(vip), importCmd(vip), checkpointsCmd(vip))

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func registerFlags(flags *pflag.FlagSet) {
	flags.String("config", "", "config file (default feedspine.yaml in the working directory)")
	flags.String("database", "feedspine.db", "sqlite database path")
	flags.String("checkpoint-dir", "checkpoints", "directory for checkpoint files")
	flags.Int("concurrency", 1, "how many feeds are collected in parallel")
	flags.Bool("verbose", false, "debug logging, including storage calls")
}

func collectCmd(vip *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "collect [feed ...]",
		Short: "Run one collection pass over the named feeds (or all)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withSignals(cmd.Context())
			defer cancel()

			log, err := openLogger(vip)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			clt, cleanup, err := openCollector(ctx, log, vip, progress.NewBar(cmd.OutOrStdout()))
			if err != nil {
				return err
			}
			defer cleanup()

			result, err := clt.Collect(ctx, args...)
			if err != nil {
				return err
			}
			printResult(cmd, result)
			if !result.Success() {
				return errs.New("collection finished with errors")
			}
			return nil
		},
	}
	return cmd
}

func runCmd(vip *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scheduled collection service until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withSignals(cmd.Context())
			defer cancel()

			log, err := openLogger(vip)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			clt, cleanup, err := openCollector(ctx, log, vip, nil)
			if err != nil {
				return err
			}
			defer cleanup()

			sched := scheduler.New()
			for _, feedConfig := range feedConfigs(vip) {
				interval := feedConfig.Interval
				if interval <= 0 {
					interval = 15 * time.Minute
				}
				if err := sched.Register(feedConfig.Name, interval, true, nil); err != nil {
					return err
				}
			}

			service := collector.NewService(log.Named("service"), clt, sched, collectorConfig(vip))
			defer func() { _ = service.Close() }()
			return service.Run(ctx)
		},
	}
	return cmd
}

func importCmd(vip *viper.Viper) *cobra.Command {
	var batchSize int
	var onConflict string

	cmd := &cobra.Command{
		Use:   "import <records.json>",
		Short: "Bulk import records from a JSON array",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withSignals(cmd.Context())
			defer cancel()

			log, err := openLogger(vip)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			records, err := readRecords(args[0])
			if err != nil {
				return err
			}

			store, err := openRecords(ctx, log, vip)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			policy, err := conflictPolicy(onConflict)
			if err != nil {
				return err
			}
			count, err := store.StoreBatch(ctx, records, batchSize, policy)
			if err != nil {
				return err
			}
			cmd.Printf("imported %d of %d records\n", count, len(records))
			return nil
		},
	}
	cmd.Flags().IntVar(&batchSize, "batch-size", storage.DefaultBatchSize, "records per transaction")
	cmd.Flags().StringVar(&onConflict, "on-conflict", "skip", "conflict policy: skip, update or error")
	return cmd
}

func checkpointsCmd(vip *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoints [feed]",
		Short: "List incomplete checkpoints",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withSignals(cmd.Context())
			defer cancel()

			store, err := checkpoint.NewFileStore(vip.GetString("checkpoint-dir"))
			if err != nil {
				return err
			}
			feedName := ""
			if len(args) == 1 {
				feedName = args[0]
			}
			incomplete, err := store.ListIncomplete(ctx, feedName)
			if err != nil {
				return err
			}
			for _, ckpt := range incomplete {
				cmd.Printf("%s\t%s\tprocessed=%d\tupdated=%s\n",
					ckpt.CollectionID, ckpt.FeedName, ckpt.Processed,
					ckpt.UpdatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}

// feedConfig is one configured JSON feed.
type feedConfig struct {
	Name              string        `mapstructure:"name"`
	URL               string        `mapstructure:"url"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	ItemsPath         string        `mapstructure:"items_path"`
	KeyFields         []string      `mapstructure:"key_fields"`
	PublishedField    string        `mapstructure:"published_field"`
	Interval          time.Duration `mapstructure:"interval"`
}

func feedConfigs(vip *viper.Viper) []feedConfig {
	var configs []feedConfig
	_ = vip.UnmarshalKey("feeds", &configs)
	return configs
}

func collectorConfig(vip *viper.Viper) collector.Config {
	interval := vip.GetDuration("check-interval")
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return collector.Config{
		Concurrency:            vip.GetInt("concurrency"),
		CheckInterval:          interval,
		CheckpointSaveInterval: 100,
	}
}

func openLogger(vip *viper.Viper) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	if vip.GetBool("verbose") {
		config = zap.NewDevelopmentConfig()
	}
	log, err := config.Build()
	return log, errs.Wrap(err)
}

func openRecords(ctx context.Context, log *zap.Logger, vip *viper.Viper) (storage.Records, error) {
	db, err := sqlitedb.Open(ctx, log.Named("db"), vip.GetString("database"))
	if err != nil {
		return nil, err
	}
	if vip.GetBool("verbose") {
		return storelogger.New(log.Named("store"), db), nil
	}
	return db, nil
}

func openCollector(ctx context.Context, log *zap.Logger, vip *viper.Viper, reporter progress.Reporter) (*collector.Collector, func(), error) {
	records, err := openRecords(ctx, log, vip)
	if err != nil {
		return nil, nil, err
	}

	checkpoints, err := checkpoint.NewFileStore(vip.GetString("checkpoint-dir"))
	if err != nil {
		_ = records.Close()
		return nil, nil, err
	}

	clt := collector.New(log.Named("collector"), records, collectorConfig(vip), collector.Options{
		Reporter:    reporter,
		Checkpoints: checkpoints,
	})

	for _, config := range feedConfigs(vip) {
		rps := config.RequestsPerSecond
		if rps <= 0 {
			rps = 1
		}
		client := fetch.NewClient(log.Named("fetch"), fetch.ClientConfig{
			RequestsPerSecond: rps,
			Burst:             1,
			Retry:             fetch.DefaultRetryConfig(),
		})
		keyFields := config.KeyFields
		if len(keyFields) == 0 {
			keyFields = []string{"id", "guid", "uuid", "url"}
		}
		published := config.PublishedField
		if published == "" {
			published = "published_at"
		}
		adp := adapter.NewJSONAdapter(log.Named(config.Name), client, adapter.JSONConfig{
			Name:              config.Name,
			URL:               config.URL,
			RequestsPerSecond: rps,
			ItemsPath:         config.ItemsPath,
			PublishedField:    published,
			SourceType:        "json",
		}, adapter.Normalized(adapter.FieldKey(keyFields...)))
		if err := clt.Register(adp); err != nil {
			_ = records.Close()
			return nil, nil, err
		}
	}

	cleanup := func() {
		_ = clt.Close()
		_ = records.Close()
	}
	return clt, cleanup, nil
}

func printResult(cmd *cobra.Command, result *collector.Result) {
	for name, stats := range result.Stats {
		cmd.Printf("%s: processed=%d new=%d duplicates=%d errors=%d in %s\n",
			name, stats.Processed, stats.New, stats.Duplicates, stats.Errors,
			stats.Duration.Round(time.Millisecond))
	}
	for name, message := range result.Errors {
		cmd.Printf("%s: failed: %s\n", name, message)
	}
}

func readRecords(path string) ([]*feed.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(err)
	}
	var records []*feed.Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, errs.Wrap(err)
	}
	for _, record := range records {
		record.NaturalKey = feed.NormalizeKey(record.NaturalKey)
		if err := feed.ValidateKey(record.NaturalKey); err != nil {
			return nil, err
		}
	}
	return records, nil
}

func conflictPolicy(name string) (storage.OnConflict, error) {
	switch name {
	case "skip":
		return storage.OnConflictSkip, nil
	case "update":
		return storage.OnConflictUpdate, nil
	case "error":
		return storage.OnConflictError, nil
	}
	return 0, errs.New("unknown conflict policy %q", name)
}

func withSignals(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}
