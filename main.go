package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Limetric/recordferry/internal/entities"
	"github.com/Limetric/recordferry/internal/files"
	"github.com/Limetric/recordferry/internal/logging"
	"github.com/Limetric/recordferry/internal/migrate"
	"github.com/Limetric/recordferry/internal/store"
	"github.com/Limetric/recordferry/internal/store/pgstore"
	"github.com/Limetric/recordferry/internal/store/sqlsource"
)

const defaultConfigPath = "recordferry.toml"

var (
	configPath  string
	debugTiming bool
	dryRun      bool
	verbosity   int
)

var rootCmd = &cobra.Command{
	Use:   "recordferry [config.toml] [pairs...]",
	Short: "Migrate legacy records into the new site database",
	Long: `recordferry migrates the records of each entity pair from the legacy
database into the new one, verifies every migrated record, and commits a
pair only when verification passes. Without pair names all pairs run in
their declared order.`,
	Args:          cobra.ArbitraryArgs,
	Version:       versionString(),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runMigrations,
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to TOML config file (default "+defaultConfigPath+")")
	rootCmd.Flags().BoolVar(&debugTiming, "debug-timing", false, "log how long every record takes")
	rootCmd.Flags().BoolVar(&dryRun, "dry-run", false, "migrate and verify, then roll everything back")
	rootCmd.Flags().IntVarP(&verbosity, "verbosity", "v", -1, "0 errors, 1 warnings, 2 progress, 3 debug (default from config)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// splitArgs separates an optional leading config path from pair names.
func splitArgs(flagPath string, args []string) (string, []string) {
	if flagPath != "" {
		return flagPath, args
	}
	if len(args) > 0 && strings.HasSuffix(args[0], ".toml") {
		return args[0], args[1:]
	}
	return defaultConfigPath, args
}

func runMigrations(cmd *cobra.Command, args []string) error {
	cfgPath, names := splitArgs(configPath, args)
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		names = cfg.Migrations
	}

	logCfg := logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, FilePath: cfg.Log.File, Development: cfg.Debug}
	if verbosity >= 0 {
		logCfg.Level = logging.LevelForVerbosity(verbosity)
	}
	log, closeLog, err := logging.New(logCfg)
	if err != nil {
		return err
	}
	defer closeLog()
	defer zap.ReplaceGlobals(log)()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := migrateAll(ctx, cfg, names, log); err != nil {
		log.Error("migration failed", zap.Error(err))
		return err
	}
	return nil
}

func migrateAll(ctx context.Context, cfg *Config, names []string, log *zap.Logger) error {
	start := time.Now()
	log.Info("recordferry",
		zap.String("version", versionString()),
		zap.Bool("dry_run", dryRun),
		zap.Bool("exclusions", cfg.EnableExclusions),
		zap.String("timezone", cfg.location.String()))

	fetcher, err := cfg.fetcher(ctx)
	if err != nil {
		return err
	}
	reg, err := entities.Registry(entities.Options{
		EnableExclusions: cfg.EnableExclusions,
		MediaRoot:        cfg.Media.Root,
		Fetcher:          fetcher,
		Location:         cfg.location,
		Log:              log,
	})
	if err != nil {
		return err
	}
	pairs, err := reg.Select(names)
	if err != nil {
		return err
	}

	src, err := sqlsource.Open(ctx, cfg.Source.Type, cfg.Source.DSN)
	if err != nil {
		return err
	}
	defer src.Close()
	log.Info("connected to source", zap.String("source", src.Describe()))

	dst, err := openTarget(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := dst.Close(); err != nil {
			log.Error("close target", zap.Error(err))
		}
	}()

	if err := runHooks(ctx, dst, cfg, cfg.Hooks.BeforeRun, "before_run", log); err != nil {
		return err
	}

	driver := migrate.NewDriver(src, dst, log, migrate.Options{
		EnableExclusions: cfg.EnableExclusions,
		Debug:            cfg.Debug,
		DebugTiming:      debugTiming,
		ProgressEvery:    cfg.ProgressEvery,
	})
	reports, err := driver.RunAll(ctx, pairs)
	for _, rep := range reports {
		log.Info("pair report",
			zap.String("pair", rep.Pair),
			zap.Int("source", rep.SourceCount),
			zap.Int("dest", rep.DestCount),
			zap.Int("compared", rep.Compared),
			zap.Int("failed", rep.Failed),
			zap.Duration("verify", rep.Took))
	}
	if err != nil {
		if errors.Is(err, migrate.ErrVerificationFailed) {
			return fmt.Errorf("%w (see the log for the failing records)", err)
		}
		return err
	}

	if err := runHooks(ctx, dst, cfg, cfg.Hooks.AfterRun, "after_run", log); err != nil {
		return err
	}
	if dryRun {
		log.Info("dry run, rolling back")
	}
	log.Info("migration completed", zap.Int("pairs", len(reports)), zap.Duration("took", time.Since(start).Round(time.Millisecond)))
	return nil
}

// openTarget connects to the destination. A dry run wraps it in a single
// transaction that is rolled back on Close.
func openTarget(ctx context.Context, cfg *Config) (store.Database, error) {
	db, err := pgstore.Open(ctx, cfg.Target.DSN, cfg.Target.Schema)
	if err != nil {
		return nil, err
	}
	if !dryRun {
		return db, nil
	}
	dry, err := db.DryRun(ctx)
	if err != nil {
		db.Close()
		return nil, err
	}
	return dry, nil
}

// fetcher returns the remote media source, or nil when files only come from
// the local media root.
func (c *Config) fetcher(ctx context.Context) (files.Fetcher, error) {
	switch {
	case c.Media.DownloadURL != "":
		return files.NewHTTPFetcher(c.Media.DownloadURL), nil
	case c.Media.S3Bucket != "":
		return files.NewS3Fetcher(ctx, files.S3Options{
			Bucket:    c.Media.S3Bucket,
			Prefix:    c.Media.S3Prefix,
			Region:    c.Media.S3Region,
			AccessKey: c.Media.S3AccessKey,
			SecretKey: c.Media.S3SecretKey,
		})
	}
	return nil, nil
}
