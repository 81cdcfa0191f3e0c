package main

import (
	"net"
	"net/http"
	"os"
	"time"

	fthealth "github.com/Financial-Times/go-fthealth/v1a"
	"github.com/gorilla/mux"
	cli "github.com/jawher/mow.cli"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const serviceName = "function-router"

func main() {
	app := cli.App(serviceName, "Routes function invocations to backend instances discovered from ZooKeeper.")

	zookeeperURL := app.String(cli.StringOpt{
		Name:   "zookeeper",
		Value:  "127.0.0.1:2181",
		Desc:   "ZooKeeper IP:port",
		EnvVar: "ZOOKEEPER_URL",
	})

	zookeeperEnv := app.String(cli.StringOpt{
		Name:   "zookeeper-env",
		Value:  "default",
		Desc:   "ZooKeeper environment name (e.g. dev, test, default)",
		EnvVar: "ZOOKEEPER_ENV",
	})

	bindAddr := app.String(cli.StringOpt{
		Name:   "bind",
		Value:  "0.0.0.0:8000",
		Desc:   "Bind IP:port",
		EnvVar: "BIND_ADDR",
	})

	environment := app.String(cli.StringOpt{
		Name:   "environment",
		Value:  "local",
		Desc:   "Environment tag for metrics (e.g. local, pre-prod, prod)",
		EnvVar: "ENVIRONMENT",
	})

	graphiteAddress := app.String(cli.StringOpt{
		Name:   "graphite-address",
		Value:  "localhost:2003",
		Desc:   "Graphite host:port",
		EnvVar: "GRAPHITE_ADDRESS",
	})

	jaegerHost := app.String(cli.StringOpt{
		Name:   "jaeger-host",
		Value:  "localhost",
		Desc:   "Jaeger agent host",
		EnvVar: "JAEGER_AGENT_HOST",
	})

	app.Action = func() {
		initLogs()

		if err := initTracer(serviceName, *jaegerHost); err != nil {
			log.WithError(err).Fatal("Cannot initialise tracing")
		}

		monitor, err := newBackendMonitor(*zookeeperURL, *zookeeperEnv)
		if err != nil {
			log.WithError(err).Fatal("Cannot initialise backend monitor")
		}
		monitor.start()

		handler := &httpHandler{
			monitor:     monitor,
			httpClient:  newBackendHTTPClient(),
			backendPort: backendPort,
		}

		graphiteFeeder := newGraphiteFeeder(*graphiteAddress, *environment, monitor)
		go graphiteFeeder.feed()

		prometheusFeeder := newPrometheusFeeder(*environment, monitor)
		go prometheusFeeder.feed()

		listen(handler, monitor, *bindAddr)
	}

	if err := app.Run(os.Args); err != nil {
		log.WithError(err).Fatal("Cannot run the app")
	}
}

func listen(handler *httpHandler, monitor *backendMonitor, bindAddr string) {
	r := newRouter(handler, monitor)
	err := http.ListenAndServe(bindAddr, otelhttp.NewHandler(r, serviceName))
	if err != nil {
		log.WithError(err).Fatal("Cannot set up HTTP listener")
	}
}

func newRouter(handler *httpHandler, monitor *backendMonitor) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/invoke/{functionId}", handler.handleInvoke)
	r.HandleFunc("/invoke/{functionId}/", handler.handleInvoke)
	r.HandleFunc("/invoke/{functionId}/{path:.*}", handler.handleInvoke)
	r.HandleFunc("/healthz", handleHealthz).Methods("GET")
	r.HandleFunc("/__health", fthealth.Handler(serviceName, "Routes function invocations to backend instances.", monitor.registryCheck()))
	r.HandleFunc("/__gtg", monitor.handleGoodToGo)
	r.Handle("/__metrics", promhttp.Handler())
	return r
}

func newBackendHTTPClient() *http.Client {
	// No overall request timeout: response streaming from a backend may
	// legitimately outlive any fixed deadline.
	return &http.Client{
		Transport: &http.Transport{
			MaxIdleConnsPerHost: 100,
			Dial: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).Dial,
		},
	}
}

func initLogs() {
	log.SetOutput(os.Stdout)
	log.SetFormatter(&log.JSONFormatter{})
}
