package framework

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingTestLogger struct {
	started  []string
	finished []string
	skipped  []string
	errors   []error
}

func (r *recordingTestLogger) TestStarted(id TestID) { r.started = append(r.started, id.String()) }
func (r *recordingTestLogger) TestError(id TestID, err error) {
	r.errors = append(r.errors, err)
}
func (r *recordingTestLogger) TestFinished(id TestID, failed bool, debugOutput CapturedOutput) {
	r.finished = append(r.finished, id.String())
}
func (r *recordingTestLogger) TestSkipped(id TestID, reason string) {
	r.skipped = append(r.skipped, id.String())
}

func TestRunCollectsResults(t *testing.T) {
	logger := &recordingTestLogger{}
	results := Run(nil, logger, func(c *Context) {
		c.Run("passes", func(c *Context) {})
		c.Run("fails", func(c *Context) {
			require.Equal(c, 1, 2)
		})
		c.Run("skips", func(c *Context) {
			c.SkipWithReason("not applicable")
		})
	})
	assert.False(t, results.OK())
	require.Len(t, results.Failures, 1)
	assert.Equal(t, "fails", results.Failures[0].TestID.String())
	assert.Equal(t, []string{"passes", "fails", "skips"}, logger.started)
	assert.Equal(t, []string{"passes", "fails"}, logger.finished)
	assert.Equal(t, []string{"skips"}, logger.skipped)
	assert.Len(t, logger.errors, 1)
}

func TestRunAppliesFilter(t *testing.T) {
	var filters RegexFilters
	require.NoError(t, filters.MustNotMatch.Set("^suite/b$"))
	var ran []string
	Run(filters.AsFilter, nil, func(c *Context) {
		c.Run("suite", func(c *Context) {
			for _, name := range []string{"a", "b"} {
				c.Run(name, func(c *Context) { ran = append(ran, c.ID().String()) })
			}
		})
	})
	assert.Equal(t, []string{"suite/a"}, ran)

	var out bytes.Buffer
	PrintFilterDescription(&out, filters)
	assert.Contains(t, out.String(), `skip any matching "^suite/b$"`)
}

func TestDeferredFunctionsRunInReverseOrderEvenOnFailure(t *testing.T) {
	var calls []string
	results := Run(nil, nil, func(c *Context) {
		c.Run("test", func(c *Context) {
			c.Defer(func() { calls = append(calls, "first") })
			c.Defer(func() { calls = append(calls, "second") })
			c.Errorf("failed")
			c.FailNow()
		})
	})
	assert.Equal(t, []string{"second", "first"}, calls)
	assert.False(t, results.OK())
}

func TestUnexpectedPanicFailsTest(t *testing.T) {
	results := Run(nil, nil, func(c *Context) {
		c.Run("test", func(c *Context) {
			panic(errors.New("boom"))
		})
	})
	require.Len(t, results.Failures, 1)
	assert.Contains(t, results.Failures[0].Errors[0].Error(), "boom")
}

func TestPrefixAndMultiLogger(t *testing.T) {
	l1, l2 := &CapturingLogger{}, &CapturingLogger{}
	logger := PrefixLogger(MultiLogger(l1, l2), "[x] ")
	logger.Printf("hello %d", 1)
	assert.Equal(t, "[x] hello 1", l1.Output()[0].Message)
	assert.Equal(t, "[x] hello 1", l2.Output()[0].Message)

	assert.Equal(t, NullLogger(), PrefixLogger(NullLogger(), "[x] "))
	PrefixLogger(nil, "").Printf("nothing")
}

func TestPrintResults(t *testing.T) {
	results := Run(nil, nil, func(c *Context) {
		c.Run("good", func(c *Context) {})
		c.Run("bad", func(c *Context) {
			c.Errorf("first line\nsecond line")
		})
	})

	var buf bytes.Buffer
	PrintResults(&buf, results)
	assert.Equal(t, "FAILED TESTS (1 of 2):\n* bad\n    first line\n    second line\n", buf.String())

	buf.Reset()
	PrintResults(&buf, Run(nil, nil, func(c *Context) {
		c.Run("good", func(c *Context) {})
	}))
	assert.Equal(t, "All tests passed (1)\n", buf.String())
}
