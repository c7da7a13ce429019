package main

import (
	"io"
	"os"
	"strings"

	"github.com/launchdarkly/mock-service-harness/framework"

	"github.com/fatih/color"
)

var (
	testNameColor = color.New(color.Bold)
	failedColor   = color.New(color.FgRed, color.Bold)
	errorColor    = color.New(color.FgRed)
	skippedColor  = color.New(color.FgYellow)
	debugColor    = color.New(color.Faint)
)

type ConsoleTestLogger struct {
	DebugOutputOnFailure bool
	DebugOutputOnSuccess bool
	Out                  io.Writer
}

func (c *ConsoleTestLogger) out() io.Writer {
	if c.Out == nil {
		return os.Stdout
	}
	return c.Out
}

func (c *ConsoleTestLogger) TestStarted(id framework.TestID) {
	testNameColor.Fprintf(c.out(), "[%s]\n", id)
}

func (c *ConsoleTestLogger) TestError(id framework.TestID, err error) {
	for _, line := range strings.Split(err.Error(), "\n") {
		errorColor.Fprintf(c.out(), "  %s\n", line)
	}
}

func (c *ConsoleTestLogger) TestFinished(id framework.TestID, failed bool, debugOutput framework.CapturedOutput) {
	if failed {
		failedColor.Fprintf(c.out(), "  FAILED: %s\n", id)
	}
	if len(debugOutput) > 0 &&
		((failed && c.DebugOutputOnFailure) || (!failed && c.DebugOutputOnSuccess)) {
		var buf strings.Builder
		debugOutput.Dump(&buf, "    DEBUG ")
		debugColor.Fprint(c.out(), buf.String())
	}
}

func (c *ConsoleTestLogger) TestSkipped(id framework.TestID, reason string) {
	if reason == "" {
		skippedColor.Fprintf(c.out(), "  SKIPPED: %s\n", id)
	} else {
		skippedColor.Fprintf(c.out(), "  SKIPPED: %s (%s)\n", id, reason)
	}
}

var _ framework.TestLogger = (*ConsoleTestLogger)(nil)
