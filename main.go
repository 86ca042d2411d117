package main

import (
	"flag"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/cloudvar/cloudchat/metrics"
	"github.com/cloudvar/cloudchat/poller"
	"github.com/cloudvar/cloudchat/storage"
	"github.com/cloudvar/cloudchat/userconfig"
)

func main() {
	// Log with filename and line number. This writes to stderr, so it
	// should be thread safe.
	log.Logger = log.With().Caller().Logger()

	// Intercept interrupts so we can get more visibility into them.
	// One goroutine listens exclusively for interrupts so we can
	// handle them before the main application loop in case of
	// setup issues.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func(c chan os.Signal) {
		<-sigCh
		log.Info().Msg("interrupt: exiting")
		os.Exit(0)
	}(sigCh)

	configPath := flag.String(
		"config",
		"./config.yaml",
		"path to a JSON or YAML file containing your configuration",
	)
	oneOff := flag.Bool(
		"oneoff",
		false,
		"poll every channel once, then exit",
	)
	level := flag.String(
		"level",
		"info",
		`log level: "info", "debug", or "warn"`,
	)
	flag.Parse()

	switch *level {
	case "debug":
		log.Logger = log.Logger.Level(zerolog.DebugLevel)
	case "warn":
		log.Logger = log.Logger.Level(zerolog.WarnLevel)
	default:
		log.Logger = log.Logger.Level(zerolog.InfoLevel)
	}

	log.Info().
		Str("configPath", *configPath).
		Msg("starting the application")

	f, err := os.Open(*configPath)
	if err != nil {
		log.Error().
			Str("config-path", *configPath).
			Err(err).
			Msg("We can't open the application config file")
		os.Exit(1)
	}

	config, err := userconfig.Parse(f)
	if err != nil {
		log.Error().
			Err(err).
			Msg("Problem parsing your config")
		os.Exit(1)
	}
	config.Polling.OneOff = *oneOff

	checkedConfig, err := config.CheckAndSetDefaults()
	if err != nil {
		log.Error().
			Err(err).
			Msg("Problem validating your config")
		os.Exit(1)
	}

	log.Info().Str("configPath", *configPath).Msg("successfully validated the config")

	var db storage.KeyValue
	if checkedConfig.Cache.StorageDirPath == "" {
		// One-off runs and storage-less configs skip persistence; the
		// memory tier still works.
		db = &storage.NoOpDB{}
	} else {
		bdb, err := storage.NewBadgerDB(&storage.KVConfig{
			StorageDirPath: checkedConfig.Cache.StorageDirPath,
			// Give badger's own TTL some slack past the record-level
			// expiry so reads, not compaction, decide liveness.
			KeyTTLDuration: 2 * checkedConfig.Cache.Expiry,
		})
		if err != nil {
			log.Error().Err(err).Msg("can't open the cache database")
			os.Exit(1)
		}
		db = bdb
		defer bdb.Close()
	}
	log.Info().Msg("set up the database connection successfully")

	var m *metrics.ClientMetrics
	if checkedConfig.Metrics.ListenAddress != "" {
		m = metrics.New(prometheus.DefaultRegisterer)
		go func(addr string) {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			log.Info().Str("addr", addr).Msg("serving prometheus metrics")
			if err := http.ListenAndServe(addr, mux); err != nil {
				log.Error().Err(err).Msg("the metrics listener failed")
			}
		}(checkedConfig.Metrics.ListenAddress)
	}

	svc, err := poller.New(&checkedConfig, db, m, log.Logger)
	if err != nil {
		log.Error().Err(err).Msg("can't set up the polling service")
		os.Exit(1)
	}
	defer svc.Close()

	pollCadence := time.NewTicker(checkedConfig.Polling.Interval)
	pollConfig := poller.Config{
		TickCh: pollCadence.C,
		ErrCh:  make(chan error), // errors to print
		OneOff: checkedConfig.Polling.OneOff,
	}

	go func() {
		if err := poller.StartLoop(&pollConfig, svc); err != nil {
			log.Error().Err(err).Msg("the polling loop stopped")
		}
		close(pollConfig.ErrCh)
	}()

	// At this point, the main goroutine blocks until the loop ends
	for {
		err, ok := <-pollConfig.ErrCh
		// There's no need for the error channel anymore, so we stop
		// looping and let the rest of the program complete.
		if !ok {
			break
		}
		log.Error().Err(err).Msg("error polling the variable store")
	}
}
