package framework

import (
	"fmt"
	"io"
	"strings"
)

type Results struct {
	Tests    []TestResult
	Failures []TestResult
}

type TestResult struct {
	TestID  TestID
	Errors  []error
	Skipped bool
}

func (r Results) OK() bool {
	return len(r.Failures) == 0
}

type TestID struct {
	Path []string
}

func (t TestID) String() string {
	return strings.Join(t.Path, "/")
}

type TestFailure struct {
	ID  TestID
	Err error
}

func (f TestFailure) Error() string {
	return fmt.Sprintf("[%s]: %s", f.ID, f.Err)
}

// PrintResults writes a summary of a test run: how many tests ran, and which of them failed.
func PrintResults(out io.Writer, results Results) {
	count := 0
	for _, t := range results.Tests {
		if len(t.TestID.Path) != 0 {
			count++
		}
	}
	if results.OK() {
		fmt.Fprintf(out, "All tests passed (%d)\n", count)
		return
	}
	fmt.Fprintf(out, "FAILED TESTS (%d of %d):\n", len(results.Failures), count)
	for _, f := range results.Failures {
		name := f.TestID.String()
		if name == "" {
			name = "(suite setup)"
		}
		fmt.Fprintf(out, "* %s\n", name)
		for _, err := range f.Errors {
			for _, line := range strings.Split(err.Error(), "\n") {
				fmt.Fprintf(out, "    %s\n", line)
			}
		}
	}
}
