package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/launchdarkly/mock-service-harness/framework"
	"github.com/launchdarkly/mock-service-harness/fullcycle"
	"github.com/launchdarkly/mock-service-harness/mockservice"
	"github.com/launchdarkly/mock-service-harness/scenario"
	"github.com/launchdarkly/mock-service-harness/servicedef"
)

const shutdownTimeout = time.Second * 15

func main() {
	var params commandParams
	if !params.Read(os.Args) {
		os.Exit(1)
	}

	mainDebugLogger := framework.NullLogger()
	if params.debugAll {
		mainDebugLogger = log.New(os.Stdout, "", log.LstdFlags)
	}

	suiteConfig, err := loadSuiteConfig(params)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %s\n", err)
		os.Exit(1)
	}

	var metrics framework.MetricsCollector
	if params.metricsPort != 0 {
		collector := framework.NewPrometheusMetricsCollector("")
		metrics = collector
		go serveMetrics(params.metricsPort, collector.Handler())
	}

	router := scenario.NewDebugRouter(mainDebugLogger)
	orchestrator := framework.NewOrchestrator(
		makeLauncher(params),
		framework.WithLogger(router),
		framework.WithMetricsCollector(metrics),
	)
	env := &scenario.Environment{
		Orchestrator: orchestrator,
		Router:       router,
	}

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-interrupts
		fmt.Fprintln(os.Stderr, "Interrupted; stopping all processes")
		shutdownAll(orchestrator)
		os.Exit(1)
	}()

	fmt.Println()
	framework.PrintFilterDescription(os.Stdout, params.filters)

	fmt.Println("Running test suite")

	testLogger := &ConsoleTestLogger{
		DebugOutputOnFailure: params.debug || params.debugAll,
		DebugOutputOnSuccess: params.debugAll,
	}

	results := fullcycle.RunTestSuite(env, fullcycle.Params{
		Suite:        suiteConfig,
		SUTURL:       params.sutURL,
		ClientID:     params.clientID,
		ClientSecret: params.clientSecret,
	}, params.filters.AsFilter, testLogger)
	shutdownAll(orchestrator)

	fmt.Println()
	framework.PrintResults(os.Stdout, results)
	if !results.OK() {
		os.Exit(1)
	}
}

func loadSuiteConfig(params commandParams) (servicedef.SuiteConfig, error) {
	if params.configFile == "" {
		return fullcycle.DefaultSuiteConfig(params.sutArgs()), nil
	}
	config, err := servicedef.LoadSuiteConfig(params.configFile)
	if err != nil {
		return config, err
	}
	if params.sutCommand != "" {
		for i, s := range config.Services {
			if s.Name == fullcycle.SUTServiceName {
				config.Services[i].Command = params.sutArgs()
			}
		}
	}
	return config, nil
}

// makeLauncher returns a launcher that runs the system under test as a child process, and the
// mock services either with the mock service executable or, if there is none, in this process.
func makeLauncher(params commandParams) framework.Launcher {
	if params.mockServicePath != "" {
		return framework.ExecLauncher{Executable: params.mockServicePath}
	}
	return framework.SplitLauncher{
		Mock:    framework.PipeLauncher{Serve: mockservice.Serve},
		Command: framework.ExecLauncher{},
	}
}

func serveMetrics(port int, handler http.Handler) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	server := &http.Server{Addr: ":" + strconv.Itoa(port), Handler: mux, ReadHeaderTimeout: time.Second * 10}
	if err := server.ListenAndServe(); err != nil {
		fmt.Fprintf(os.Stderr, "Metrics server failed: %s\n", err)
	}
}

func shutdownAll(o *framework.Orchestrator) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := o.ShutdownAll(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error stopping processes: %s\n", err)
	}
}
