package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/launchdarkly/mock-service-harness/framework"

	"github.com/joho/godotenv"
)

const (
	clientIDEnvVar     = "CLIENT_ID"
	clientSecretEnvVar = "CLIENT_SECRET"
	sutURLEnvVar       = "SUT_URL"
	sutCommandEnvVar   = "SUT_COMMAND"
)

type commandParams struct {
	configFile      string
	mockServicePath string
	sutCommand      string
	sutURL          string
	clientID        string
	clientSecret    string
	filters         framework.RegexFilters
	debug           bool
	debugAll        bool
	metricsPort     int
	envFile         string
}

func (c *commandParams) Read(args []string) bool {
	fs := flag.NewFlagSet("", flag.ExitOnError)
	fs.StringVar(&c.configFile, "config", "", "YAML suite configuration file (default: built-in services)")
	fs.StringVar(&c.mockServicePath, "mockservice", "", "mock service executable (default: run mock services in-process)")
	fs.StringVar(&c.sutCommand, "sut", "", "command line that starts the system under test (or $"+sutCommandEnvVar+")")
	fs.StringVar(&c.sutURL, "url", "", "base URL of the system under test (default: from its ready notification)")
	fs.StringVar(&c.clientID, "client-id", "", "OAuth2 client ID of the system under test (or $"+clientIDEnvVar+")")
	fs.StringVar(&c.clientSecret, "client-secret", "", "OAuth2 client secret of the system under test (or $"+clientSecretEnvVar+")")
	fs.Var(&c.filters.MustMatch, "run", "regex pattern(s) to select tests to run")
	fs.Var(&c.filters.MustNotMatch, "skip", "regex pattern(s) to select tests not to run")
	fs.BoolVar(&c.debug, "debug", false, "enable debug logging for failed tests")
	fs.BoolVar(&c.debugAll, "debug-all", false, "enable debug logging for all tests")
	fs.IntVar(&c.metricsPort, "metrics-port", 0, "port for serving Prometheus metrics (default: disabled)")
	fs.StringVar(&c.envFile, "env-file", ".env", "file of environment variable defaults")

	if err := fs.Parse(args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		fs.Usage()
		return false
	}

	if err := godotenv.Load(c.envFile); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Could not read %s: %s\n", c.envFile, err)
		return false
	}
	defaultFromEnv(&c.clientID, clientIDEnvVar)
	defaultFromEnv(&c.clientSecret, clientSecretEnvVar)
	defaultFromEnv(&c.sutURL, sutURLEnvVar)
	defaultFromEnv(&c.sutCommand, sutCommandEnvVar)

	if c.configFile == "" && c.sutCommand == "" {
		fmt.Fprintln(os.Stderr, "-sut is required unless -config specifies the system under test")
		fs.Usage()
		return false
	}
	return true
}

func (c *commandParams) sutArgs() []string {
	return strings.Fields(c.sutCommand)
}

func defaultFromEnv(value *string, envVar string) {
	if *value == "" {
		*value = os.Getenv(envVar)
	}
}
