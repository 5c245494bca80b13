package main

/* owsd is a web server dispatching OGC Web Service calls to the
   services published in its configuration. Calls arrive as key value
   pairs, XML or SOAP documents or multipart uploads and are routed by
   service, version and request to an operation whose result is written
   back through the response matching its type and output format.
   Configuration of the server is specified in the ows.yaml file where
   the services, access rules, response cache and request metrics are
   defined. Sending SIGHUP reloads the configuration. */

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	reuseport "github.com/kavu/go_reuseport"
	"github.com/nci/owsd/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

var (
	port            = flag.Int("p", 8080, "Server listening port.")
	grpcPort        = flag.Int("grpc_port", 0, "gRPC health service port, overrides grpc_port of the config.")
	serverConfigDir = flag.String("conf_dir", utils.EtcDir, "Server config directory, a colon separated search path.")
	serverLogDir    = flag.String("log_dir", "", "Server metrics log directory, - for stdout.")
	validateConfig  = flag.Bool("check_conf", false, "Validate server config files.")
	dumpConfig      = flag.Bool("dump_conf", false, "Dump server config files.")
	verbose         = flag.Bool("v", false, "Verbose mode for more server outputs.")
)

var log = logrus.WithField("component", "owsd")

const shutdownTimeout = 10 * time.Second

func main() {
	flag.Parse()
	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	resolver := utils.NewRuntimeFileResolver(*serverConfigDir)
	configFile, err := resolver.Lookup(utils.ConfigFileName)
	if err != nil {
		log.Fatalf("Config file %s not found in %v", utils.ConfigFileName, resolver.DataDirs)
	}

	config, err := utils.LoadConfigFile(configFile)
	if err != nil {
		log.Fatalf("Error in loading config file: %v", err)
	}

	if *validateConfig {
		os.Exit(0)
	}

	if *dumpConfig {
		dump, err := config.Dump()
		if err != nil {
			log.Fatalf("Error in dumping config: %v", err)
		}
		fmt.Print(dump)
		os.Exit(0)
	}

	metricsLogger, closers, err := newMetricsLogger(config.Metrics, *serverLogDir)
	if err != nil {
		log.Fatalf("Error in creating metrics logger: %v", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	hs := health.NewServer()
	srv := newServer(metricsLogger, reg, hs)
	if err := srv.apply(config); err != nil {
		log.Fatalf("Error in applying config: %v", err)
	}
	stopWatch := utils.WatchConfig(configFile, srv.apply)

	var grpcServer *grpc.Server
	gport := config.GrpcPort
	if *grpcPort > 0 {
		gport = *grpcPort
	}
	if gport > 0 {
		grpcServer = grpc.NewServer()
		healthpb.RegisterHealthServer(grpcServer, hs)
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", gport))
		if err != nil {
			log.Fatalf("failed to listen: %v", err)
		}
		go func() {
			if err := grpcServer.Serve(lis); err != nil {
				log.Errorf("gRPC server: %v", err)
			}
		}()
	}

	mux := http.NewServeMux()
	if config.Metrics.Prometheus {
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}
	mux.Handle("/", srv)

	listener, err := reuseport.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", *port))
	if err != nil {
		log.Fatalf("failed to listen: %v", err)
	}
	httpServer := &http.Server{Handler: mux}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGTERM, syscall.SIGINT)
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-signals
		log.Infof("Shutting down")
		stopWatch()
		hs.Shutdown()
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			log.Errorf("HTTP shutdown: %v", err)
		}
		if grpcServer != nil {
			grpcServer.GracefulStop()
		}
	}()

	log.Infof("owsd is ready on port %d", *port)
	if err := httpServer.Serve(listener); err != http.ErrServerClosed {
		log.Fatalf("HTTP server: %v", err)
	}
	<-stopped
	closeAll(closers)
}

func closeAll(closers []io.Closer) {
	for _, c := range closers {
		if err := c.Close(); err != nil {
			log.Errorf("close: %v", err)
		}
	}
}
