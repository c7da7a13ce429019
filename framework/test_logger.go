package framework

// TestLogger receives progress reports from Run. TestError may be called several times for a
// test, before TestFinished; TestSkipped replaces TestFinished for skipped tests.
type TestLogger interface {
	TestStarted(id TestID)
	TestError(id TestID, err error)
	TestFinished(id TestID, failed bool, debugOutput CapturedOutput)
	TestSkipped(id TestID, reason string)
}

type nullTestLogger struct{}

func (nullTestLogger) TestStarted(TestID)                        {}
func (nullTestLogger) TestError(TestID, error)                   {}
func (nullTestLogger) TestFinished(TestID, bool, CapturedOutput) {}
func (nullTestLogger) TestSkipped(TestID, string)                {}
