// Command mockservice runs one mock service (an identity server or an API gateway). It is started
// by the harness, which sends it operations on standard input and reads its notifications from
// standard output. Log output goes to standard error.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/launchdarkly/mock-service-harness/framework"
	"github.com/launchdarkly/mock-service-harness/mockservice"
	"github.com/launchdarkly/mock-service-harness/servicedef"
)

func main() {
	var configJSON string

	fs := flag.NewFlagSet("", flag.ExitOnError)
	fs.StringVar(&configJSON, "config", "", "JSON service configuration (default: $"+framework.ConfigEnvVar+")")
	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid parameters: %s\n", err)
		os.Exit(1)
	}
	if configJSON == "" {
		configJSON = os.Getenv(framework.ConfigEnvVar)
	}
	if configJSON == "" {
		fmt.Fprintf(os.Stderr, "-config or %s is required\n", framework.ConfigEnvVar)
		os.Exit(1)
	}
	var config servicedef.MockServiceConfig
	if err := json.Unmarshal([]byte(configJSON), &config); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid service configuration: %s\n", err)
		os.Exit(1)
	}

	logger := log.New(os.Stderr, "", log.LstdFlags)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := mockservice.Serve(ctx, config, os.Stdin, os.Stdout, logger); err != nil {
		logger.Printf("Mock service failed: %s", err)
		stop()
		os.Exit(1)
	}
}
