package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"bookstream/config"
	"bookstream/internal/bus"
	"bookstream/internal/metrics"
	"bookstream/internal/ops"
	"bookstream/logger"
	"bookstream/models"
	"bookstream/reader"
	"bookstream/reader/binance"
	"bookstream/reader/bitstamp"
	"bookstream/server"
	"bookstream/writer"
)

const usage = `usage: bookstream <command> [flags]

commands:
  server   aggregate exchange feeds and serve book summaries over gRPC
  client   subscribe to a running server and print summaries
`

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "server":
		err = runServer(log, os.Args[2:])
	case "client":
		err = runClient(log, os.Args[2:])
	case "-h", "--help", "help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		log.WithError(err).Error("bookstream exited with error")
		os.Exit(1)
	}
}

func runServer(log *logger.Log, args []string) error {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	configPath := fs.String("config", "config/config.yml", "Path to configuration file")
	symbol := fs.String("s", "", "Trading pair symbol, e.g. ethbtc (overrides "+config.EnvSymbol+")")
	addr := fs.String("addr", "", "gRPC bind address (overrides "+config.EnvServerAddr+")")
	_ = fs.Parse(args)

	cfg, err := config.LoadWithFlags(config.ResolvePath(*configPath), *symbol, *addr)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		return fmt.Errorf("failed to configure logger: %w", err)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Bookstream.Name,
		"version": cfg.Bookstream.Version,
		"symbol":  cfg.Source.Symbol,
		"sources": cfg.EnabledSources(),
	}).Info("starting bookstream")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics.Init()
	if cfg.Logging.ReportInterval > 0 {
		logger.StartReport(ctx, log, cfg.Logging.ReportInterval)
	}

	b := bus.New(cfg.Channels.BusBuffer)

	readerOpts := reader.Options{
		Symbol:               cfg.Source.Symbol,
		HandshakeTimeout:     cfg.Reader.HandshakeTimeout,
		ReadTimeout:          cfg.Reader.ReadTimeout,
		PublishWarnThreshold: cfg.Reader.PublishWarnThreshold,
		DecodeWarnThreshold:  cfg.Reader.DecodeWarnThreshold,
	}
	var readers []*reader.Reader
	if cfg.Source.Binance.Enabled {
		readers = append(readers, reader.New(binance.NewCodec(cfg.Source.Binance), b, readerOpts))
	}
	if cfg.Source.Bitstamp.Enabled {
		readers = append(readers, reader.New(bitstamp.NewCodec(cfg.Source.Bitstamp), b, readerOpts))
	}

	backoff := reader.DefaultBackoff()
	backoff.Min = cfg.Reader.Reconnect.MinDelay
	backoff.Max = cfg.Reader.Reconnect.MaxDelay
	supervisor := reader.NewSupervisor(reader.SupervisorOptions{
		Reconnect:   cfg.Reader.Reconnect.Enabled,
		Backoff:     backoff,
		StableAfter: cfg.Reader.Reconnect.StableAfter,
	}, readers...)

	grpcServer := server.New(b, server.Options{
		Depth:         cfg.Aggregator.Depth,
		SessionBuffer: cfg.Server.SessionBuffer,
	})

	var relay *writer.KafkaRelay
	if cfg.Kafka.Enabled {
		relay, err = writer.NewKafkaRelay(cfg, b)
		if err != nil {
			return fmt.Errorf("failed to create kafka relay: %w", err)
		}
	} else {
		log.WithComponent("main").Info("kafka relay disabled; skipping")
	}

	var archive *writer.ArchiveRelay
	if cfg.Archive.Enabled {
		archive, err = writer.NewArchiveRelay(ctx, cfg, b)
		if err != nil {
			return fmt.Errorf("failed to create archive relay: %w", err)
		}
	}

	var opsServer *ops.Server
	if cfg.Metrics.Enabled {
		opsServer = ops.NewServer(cfg.Metrics.Address, ops.Providers{
			Symbol:   cfg.Source.Symbol,
			Sources:  supervisor.Status,
			Bus:      b.Stats,
			Sessions: grpcServer.ActiveSessions,
		}, log)
	}

	var cwPublisher *metrics.CloudWatchPublisher
	if cfg.Metrics.CloudWatch.Enabled {
		cw := cfg.Metrics.CloudWatch
		cwPublisher, err = metrics.NewCloudWatchPublisher(ctx, cw.Region, cw.Namespace, cw.Interval)
		if err != nil {
			return fmt.Errorf("failed to create cloudwatch publisher: %w", err)
		}
	}

	var wg sync.WaitGroup
	serveErr := make(chan error, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := grpcServer.ListenAndServe(ctx, cfg.Server.ListenAddr()); err != nil {
			serveErr <- err
		}
	}()

	if err := supervisor.Start(ctx); err != nil {
		cancel()
		wg.Wait()
		return fmt.Errorf("failed to start readers: %w", err)
	}

	if relay != nil {
		if err := relay.Start(ctx); err != nil {
			log.WithError(err).Warn("kafka relay failed to start")
		}
	}

	if archive != nil {
		if err := archive.Start(ctx); err != nil {
			log.WithError(err).Warn("archive relay failed to start")
		}
	}

	if opsServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := opsServer.Run(ctx); err != nil {
				log.WithError(err).Warn("ops server stopped with error")
			}
		}()
	}

	if cwPublisher != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cwPublisher.Run(ctx)
		}()
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigChan:
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
	case runErr = <-serveErr:
		log.WithError(runErr).Error("grpc server failed")
	}

	log.Info("starting graceful shutdown")
	cancel()

	log.Info("stopping readers")
	supervisor.Stop()

	log.Info("closing distribution bus")
	b.Close()

	if relay != nil {
		log.Info("stopping kafka relay")
		relay.Stop()
	}

	if archive != nil {
		log.Info("stopping archive relay")
		archive.Stop()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("bookstream stopped")
	return runErr
}

func runClient(log *logger.Log, args []string) error {
	fs := flag.NewFlagSet("client", flag.ExitOnError)
	addr := fs.String("addr", "", "Server address (defaults to "+config.EnvServerAddr+" or the server default)")
	format := fs.String("format", "text", "Output format: text or json")
	_ = fs.Parse(args)

	target := *addr
	if target == "" {
		def := config.Default()
		if v := strings.TrimSpace(os.Getenv(config.EnvServerAddr)); v != "" {
			def.Server.Address = v
		}
		target = def.Server.ListenAddr()
	}

	var emit func(models.Summary) error
	switch *format {
	case "text":
		emit = printSummary
	case "json":
		enc := json.NewEncoder(os.Stdout)
		emit = func(s models.Summary) error { return enc.Encode(s) }
	default:
		return fmt.Errorf("unknown output format %q", *format)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := server.Dial(target)
	if err != nil {
		return err
	}
	defer client.Close()

	log.WithFields(logger.Fields{"target": target}).Info("connecting to bookstream")
	if err := client.Stream(ctx, emit); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func printSummary(s models.Summary) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "spread %.8f\n", s.Spread)
	for i := len(s.Asks) - 1; i >= 0; i-- {
		l := s.Asks[i]
		fmt.Fprintf(&sb, "  ask %-9s %.8f x %.8f\n", l.Source, l.Price, l.Quantity)
	}
	for _, l := range s.Bids {
		fmt.Fprintf(&sb, "  bid %-9s %.8f x %.8f\n", l.Source, l.Price, l.Quantity)
	}
	_, err := fmt.Fprint(os.Stdout, sb.String())
	return err
}
