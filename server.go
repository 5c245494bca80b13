package main

import (
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/nci/owsd/cache"
	"github.com/nci/owsd/capabilities"
	"github.com/nci/owsd/metrics"
	"github.com/nci/owsd/ows"
	"github.com/nci/owsd/rules"
	"github.com/nci/owsd/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// server answers every call with the dispatcher built from the current
// configuration. A reload builds a new dispatcher and swaps it in, calls
// in flight finish with the one they started with.
type server struct {
	handler atomic.Value

	metricsLogger metrics.Logger
	registerer    prometheus.Registerer
	health        *health.Server

	mu      sync.Mutex
	serving map[string]bool
}

func newServer(metricsLogger metrics.Logger, registerer prometheus.Registerer, hs *health.Server) *server {
	return &server{
		metricsLogger: metricsLogger,
		registerer:    registerer,
		health:        hs,
		serving:       make(map[string]bool),
	}
}

// handlerBox wraps the stored handlers so they share a concrete type.
type handlerBox struct {
	http.Handler
}

func (s *server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h, ok := s.handler.Load().(handlerBox)
	if !ok {
		http.Error(w, "Server is starting", http.StatusServiceUnavailable)
		return
	}
	h.ServeHTTP(w, r)
}

// apply switches to config. The previous configuration stays in place
// when config cannot be applied.
func (s *server) apply(config *utils.Config) error {
	setLogLevel(config.LogLevel)

	h, err := buildHandler(config, s.metricsLogger, s.registerer)
	if err != nil {
		return err
	}
	s.handler.Store(handlerBox{h})
	s.updateHealth(config)
	log.Infof("Serving %d services", len(config.Services))
	return nil
}

func (s *server) updateHealth(config *utils.Config) {
	if s.health == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current := make(map[string]bool)
	for _, sc := range config.Services {
		current[strings.ToLower(sc.ID)] = true
	}
	for id := range s.serving {
		if !current[id] {
			s.health.SetServingStatus(id, healthpb.HealthCheckResponse_NOT_SERVING)
		}
	}
	for id := range current {
		s.health.SetServingStatus(id, healthpb.HealthCheckResponse_SERVING)
	}
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.serving = current
}

// buildHandler wires the extensions, callbacks and middleware a
// configuration asks for.
func buildHandler(config *utils.Config, metricsLogger metrics.Logger, registerer prometheus.Registerer) (http.Handler, error) {
	ext := capabilities.NewCatalog(config.Services).Extensions()
	ext.KvpParsers = append(ext.KvpParsers,
		ows.BBoxKvpParser(),
		ows.GeometryKvpParser("geometry"),
	)
	ext.Responses = append(ext.Responses,
		ows.NewProtobufResponse(),
		ows.NewStringResponse("text/plain"),
		ows.NewBytesResponse("application/octet-stream"),
	)

	if len(config.Rules) > 0 {
		checker, err := rules.NewChecker(config.Rules)
		if err != nil {
			return nil, err
		}
		ext.Callbacks = append(ext.Callbacks, checker)
	}

	var responseCache *cache.Cache
	if len(config.Cache.Servers) > 0 {
		responseCache = cache.New(config.Cache)
		dump, err := config.Dump()
		if err != nil {
			return nil, err
		}
		responseCache.Generation = dump
		ext.Callbacks = append(ext.Callbacks, responseCache)
		ext.Responses = append(ext.Responses, cache.NewDocumentResponse())
	}

	dispatchMetrics, err := metrics.NewDispatchMetrics(metricsLogger, registerer)
	if err != nil {
		return nil, err
	}
	ext.Callbacks = append(ext.Callbacks, dispatchMetrics)

	registry, err := ows.NewRegistry(ext)
	if err != nil {
		return nil, err
	}

	dc := config.Dispatcher
	cfg := ows.Config{
		CiteCompliant:               dc.CiteCompliant,
		XMLLookahead:                dc.XMLLookahead,
		XMLPostRequestLogBufferSize: dc.XMLPostRequestLogBufferSize,
		ContextPath:                 dc.ContextPath,
		ProxyBaseURL:                dc.ProxyBaseURL,
		FileItemFactory:             ows.NewDiskFileItemFactory(dc.FileSizeThreshold, dc.TempDir),
	}
	if dc.BufferedOutput {
		cfg.OutputStrategy = ows.NewBufferedOutputStrategy
	}

	var h http.Handler = metrics.RecordStatus(ows.NewDispatcher(registry, cfg))
	if responseCache != nil {
		h = responseCache.Handler(h)
	}
	if dc.MaxConcurrentRequests > 0 {
		h = utils.NewConcLimiter(dc.MaxConcurrentRequests).Handler(h)
	}
	return h, nil
}

func setLogLevel(level string) {
	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
		return
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		log.Warnf("Invalid log level %q: %v", level, err)
		return
	}
	logrus.SetLevel(lvl)
}

// newMetricsLogger builds the metrics sinks. A log directory of "-"
// writes metrics to stdout.
func newMetricsLogger(config utils.MetricsConfig, logDir string) (metrics.Logger, []io.Closer, error) {
	if logDir == "" {
		logDir = config.LogDir
	}

	var (
		loggers metrics.MultiLogger
		closers []io.Closer
	)
	switch logDir {
	case "":
	case "-":
		loggers = append(loggers, metrics.NewStdoutLogger())
	default:
		maxLogFileSize := config.MaxLogFileSize
		if val, ok := os.LookupEnv("OWSD_MAX_LOG_FILE_SIZE"); ok {
			valInt, e := strconv.ParseInt(val, 10, 64)
			if e == nil {
				maxLogFileSize = valInt
			} else {
				log.Errorf("invalid OWSD_MAX_LOG_FILE_SIZE: %v", e)
			}
		}

		maxLogFiles := config.MaxLogFiles
		if val, ok := os.LookupEnv("OWSD_MAX_LOG_FILES"); ok {
			valInt, e := strconv.ParseInt(val, 10, 32)
			if e == nil {
				maxLogFiles = int(valInt)
			} else {
				log.Errorf("invalid OWSD_MAX_LOG_FILES: %v", e)
			}
		}

		fl := metrics.NewFileLogger(logDir, maxLogFileSize, maxLogFiles, *verbose)
		loggers = append(loggers, fl)
		closers = append(closers, fl)
	}

	if config.PostgresDSN != "" {
		pl, err := metrics.NewPostgresLogger(config.PostgresDSN, config.PostgresTable)
		if err != nil {
			for _, c := range closers {
				c.Close()
			}
			return nil, nil, err
		}
		loggers = append(loggers, pl)
		closers = append(closers, pl)
	}

	switch len(loggers) {
	case 0:
		return nil, closers, nil
	case 1:
		return loggers[0], closers, nil
	}
	return loggers, closers, nil
}
