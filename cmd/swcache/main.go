package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ericselin/swcache"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type rootFlags struct {
	config       string
	origin       string
	upstream     string
	upstreamHost string
	cacheVersion string
	store        string
	db           string
	verbose      bool
	trace        bool
	logFilename  string
}

type serveFlags struct {
	port int
}

// this is set by goreleaser
var version string

func main() {
	if version == "" {
		version = "DEV"
	}
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rf := new(rootFlags)
	sf := new(serveFlags)
	rootCmd := &cobra.Command{
		Use:     "swcache",
		Short:   "Caching interceptor for a web application and its third-party assets.",
		Version: version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging(rf)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), rf, sf)
		},
		SilenceUsage: true,
	}
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&rf.config, "config", "c", "", "Config file (yaml)")
	pf.StringVar(&rf.origin, "origin", "", "Public origin of the application (overrides config)")
	pf.StringVar(&rf.upstream, "upstream", "", "Upstream URL serving the origin (overrides config)")
	pf.StringVar(&rf.upstreamHost, "upstream-host", "", "Hostname of upstream (overrides config)")
	pf.StringVar(&rf.cacheVersion, "cache-version", "", "Current cache version tag (overrides config)")
	pf.StringVar(&rf.store, "store", "", "Store provider: memory, sqlite or redis (overrides config)")
	pf.StringVar(&rf.db, "db", "", "Cache DB file name, 'memory' for in-memory db (overrides config)")
	pf.BoolVarP(&rf.verbose, "verbose", "v", false, "Verbosity: debug logging")
	pf.BoolVar(&rf.trace, "vv", false, "Verbosity: trace logging")
	pf.StringVar(&rf.logFilename, "log-file", "", "Log file to use (in addition to stdout)")
	rootCmd.Flags().IntVarP(&sf.port, "port", "p", 8080, "Port to listen on")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "tags",
		Short: "List the stored cache versions.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return listTags(cmd.Context(), cmd.OutOrStdout(), rf)
		},
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "purge",
		Short: "Remove every cache version except the current one.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return purge(cmd.Context(), rf)
		},
	})
	return rootCmd
}

func setupLogging(rf *rootFlags) error {
	logLevel := zerolog.InfoLevel
	if rf.verbose {
		logLevel = zerolog.DebugLevel
	}
	if rf.trace {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if rf.logFilename != "" {
		logFileOutput, err := os.OpenFile(rf.logFilename, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
		if err != nil {
			return fmt.Errorf("cannot open log file: %w", err)
		}
		logOutputs = append(logOutputs, logFileOutput)
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()
	return nil
}

func loadConfig(rf *rootFlags) (swcache.FileConfig, error) {
	config := swcache.DefaultConfig()
	if rf.config != "" {
		var err error
		if config, err = swcache.GetConfig(rf.config); err != nil {
			return config, fmt.Errorf("could not read config: %w", err)
		}
	}
	if rf.origin != "" {
		config.Origin = rf.origin
	}
	if rf.upstream != "" {
		config.Upstream = rf.upstream
	}
	if rf.upstreamHost != "" {
		config.UpstreamHost = rf.upstreamHost
	}
	if rf.cacheVersion != "" {
		config.CacheVersion = rf.cacheVersion
	}
	if rf.store != "" {
		config.Store.Provider = rf.store
	}
	if rf.db != "" {
		config.Store.DB = rf.db
	}
	return config, config.Validate()
}

func serve(ctx context.Context, rf *rootFlags, sf *serveFlags) error {
	config, err := loadConfig(rf)
	if err != nil {
		return err
	}
	host, worker, err := swcache.NewFromConfig(config, &log.Logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := host.Start(ctx); err != nil {
		log.Error().Err(err).Msg("Activation incomplete")
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", sf.port),
		Handler: host,
	}
	log.Info().Str("origin", config.Origin).Str("cache", config.CacheVersion).Msg("Starting")
	return run(ctx, server, worker, host)
}

// run serves until ctx is done, then drains in order: in-flight requests,
// background refreshes and finally the store.
func run(ctx context.Context, server *http.Server, worker interface{ Wait() }, store io.Closer) error {
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Shutdown incomplete")
		}
	}()

	log.Info().Msgf("Serving on %s", server.Addr)
	err := server.ListenAndServe()
	if !errors.Is(err, http.ErrServerClosed) {
		store.Close()
		return err
	}
	<-drained
	worker.Wait()
	log.Info().Msg("Background refreshes done, closing store")
	return store.Close()
}

func listTags(ctx context.Context, out io.Writer, rf *rootFlags) error {
	config, err := loadConfig(rf)
	if err != nil {
		return err
	}
	provider, err := config.OpenProvider()
	if err != nil {
		return err
	}
	defer provider.Close()
	tags, err := provider.Tags(ctx)
	if err != nil {
		return err
	}
	for _, tag := range tags {
		marker := " "
		if tag == config.CacheVersion {
			marker = "*"
		}
		fmt.Fprintf(out, "%s %s\n", marker, tag)
	}
	return nil
}

func purge(ctx context.Context, rf *rootFlags) error {
	config, err := loadConfig(rf)
	if err != nil {
		return err
	}
	host, worker, err := swcache.NewFromConfig(config, &log.Logger)
	if err != nil {
		return err
	}
	defer host.Close()
	return worker.Activate(ctx)
}
