package framework

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/launchdarkly/mock-service-harness/servicedef"

	"github.com/alessio/shellescape"
)

// ConfigEnvVar is the environment variable through which ExecLauncher passes the JSON-encoded
// MockServiceConfig to the child process.
const ConfigEnvVar = "MOCK_SERVICE_CONFIG"

const outputDrainTimeout = time.Second

// ProcessConn is the harness side of one running process: reading from it returns the process's
// output frames, writing to it sends input frames.
type ProcessConn interface {
	io.Reader
	io.Writer
	// CloseInput closes the process's input stream.
	CloseInput() error
	// Terminate asks the process to exit.
	Terminate() error
	// Kill stops the process without waiting for it to cooperate.
	Kill() error
	// Wait blocks until the process has exited. It can be called any number of times and always
	// returns the same result.
	Wait() error
	// Exited is closed when the process has exited.
	Exited() <-chan struct{}
	// PID returns the operating system process ID, or 0 for an in-process service.
	PID() int
}

// Launcher starts processes for the Orchestrator.
type Launcher interface {
	Launch(ctx context.Context, config servicedef.MockServiceConfig, logger Logger) (ProcessConn, error)
}

// ExecLauncher starts each mock service as a child process, speaking the protocol over its
// standard input and output. Anything the process writes to standard error goes to the logger.
//
// The command is config.Command if it is set; otherwise it is Executable followed by Args and
// "-config <json>".
type ExecLauncher struct {
	Executable string
	Args       []string
	Dir        string
}

func (l ExecLauncher) Launch(ctx context.Context, config servicedef.MockServiceConfig, logger Logger) (ProcessConn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	configJSON, err := json.Marshal(config)
	if err != nil {
		return nil, err
	}

	var argv commandBuilder
	if len(config.Command) != 0 {
		argv = append(argv, config.Command...)
	} else {
		if l.Executable == "" {
			return nil, errors.New("no mock service executable was specified")
		}
		argv = append(argv, l.Executable)
		argv = append(argv, l.Args...)
		argv = append(argv, "-config", string(configJSON))
	}
	logger.Printf("Starting: %s", argv)

	cmd := exec.Command(argv[0], argv[1:]...) //nolint:gosec
	cmd.Dir = l.Dir
	cmd.Env = os.Environ()
	for k, v := range config.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Env = append(cmd.Env, ConfigEnvVar+"="+string(configJSON))
	cmd.Stderr = &lineLogWriter{logger: logger}
	cmd.WaitDelay = outputDrainTimeout

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	// Our own pipe rather than StdoutPipe, so that Wait does not close it while frames are
	// still being read.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	cmd.Stdout = stdoutW

	if err := cmd.Start(); err != nil {
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		return nil, err
	}
	_ = stdoutW.Close()

	c := &execConn{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdoutR,
		exited: make(chan struct{}),
	}
	go c.wait()
	return c, nil
}

type execConn struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  *os.File
	exited  chan struct{}
	exitErr error
}

func (c *execConn) wait() {
	c.exitErr = c.cmd.Wait()
	close(c.exited)
	// The reader normally sees EOF when the process exits; this only matters if a descendant
	// process is still holding the output pipe open.
	time.AfterFunc(outputDrainTimeout, func() { _ = c.stdout.Close() })
}

func (c *execConn) Read(p []byte) (int, error) {
	n, err := c.stdout.Read(p)
	if err != nil && errors.Is(err, os.ErrClosed) {
		err = io.EOF
	}
	return n, err
}

func (c *execConn) Write(p []byte) (int, error) { return c.stdin.Write(p) }

func (c *execConn) CloseInput() error { return c.stdin.Close() }

func (c *execConn) Terminate() error {
	if err := c.cmd.Process.Signal(os.Interrupt); err != nil {
		select {
		case <-c.exited:
			return nil
		default:
		}
		// Interrupt is not supported on every platform
		return c.cmd.Process.Kill()
	}
	return nil
}

func (c *execConn) Kill() error {
	err := c.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func (c *execConn) Wait() error {
	<-c.exited
	return c.exitErr
}

func (c *execConn) Exited() <-chan struct{} { return c.exited }

func (c *execConn) PID() int { return c.cmd.Process.Pid }

type lineLogWriter struct {
	logger Logger
	buf    bytes.Buffer
	lock   sync.Mutex
}

func (w *lineLogWriter) Write(p []byte) (int, error) {
	w.lock.Lock()
	defer w.lock.Unlock()
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			w.buf.WriteString(line) // incomplete line, keep it for the next write
			break
		}
		w.logger.Printf("%s", strings.TrimRight(line, "\r\n"))
	}
	return len(p), nil
}

type commandBuilder []string

func (b commandBuilder) String() string {
	quoted := make([]string, 0, len(b))
	for _, a := range b {
		quoted = append(quoted, shellescape.Quote(a))
	}
	return strings.Join(quoted, " ")
}

// ServeFunc runs a mock service until ctx is cancelled or its input is closed, reading operation
// frames from in and writing notification frames to out.
type ServeFunc func(ctx context.Context, config servicedef.MockServiceConfig, in io.Reader, out io.Writer, logger Logger) error

// PipeLauncher runs each mock service in the current process on its own goroutine, connected by
// in-memory pipes. It behaves like ExecLauncher from the harness's point of view.
type PipeLauncher struct {
	Serve ServeFunc
}

func (l PipeLauncher) Launch(ctx context.Context, config servicedef.MockServiceConfig, logger Logger) (ProcessConn, error) {
	if l.Serve == nil {
		return nil, errors.New("PipeLauncher has no ServeFunc")
	}
	if len(config.Command) != 0 {
		return nil, fmt.Errorf("PipeLauncher cannot run external command for %q", config.Name)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	serveCtx, cancel := context.WithCancel(context.Background())
	c := &pipeConn{
		inW:    inW,
		outR:   outR,
		cancel: cancel,
		exited: make(chan struct{}),
	}
	go func() {
		err := l.Serve(serveCtx, config, inR, outW, logger)
		_ = inR.Close()
		_ = outW.Close()
		c.finish(err)
	}()
	return c, nil
}

var errKilled = errors.New("killed")

type pipeConn struct {
	inW        *io.PipeWriter
	outR       *io.PipeReader
	cancel     context.CancelFunc
	exited     chan struct{}
	exitErr    error
	finishOnce sync.Once
}

func (c *pipeConn) finish(err error) {
	c.finishOnce.Do(func() {
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		c.exitErr = err
		close(c.exited)
	})
}

func (c *pipeConn) Read(p []byte) (int, error) { return c.outR.Read(p) }

func (c *pipeConn) Write(p []byte) (int, error) { return c.inW.Write(p) }

func (c *pipeConn) CloseInput() error { return c.inW.Close() }

func (c *pipeConn) Terminate() error {
	c.cancel()
	return nil
}

func (c *pipeConn) Kill() error {
	c.cancel()
	_ = c.inW.CloseWithError(errKilled)
	_ = c.outR.CloseWithError(io.EOF)
	c.finish(errKilled)
	return nil
}

func (c *pipeConn) Wait() error {
	<-c.exited
	return c.exitErr
}

func (c *pipeConn) Exited() <-chan struct{} { return c.exited }

func (c *pipeConn) PID() int { return 0 }

// SplitLauncher sends configs that have a Command to Command and all others to Mock. This lets
// mock services run in-process while the system under test is still a real child process.
type SplitLauncher struct {
	Mock    Launcher
	Command Launcher
}

func (l SplitLauncher) Launch(ctx context.Context, config servicedef.MockServiceConfig, logger Logger) (ProcessConn, error) {
	target := l.Mock
	if len(config.Command) != 0 {
		target = l.Command
	}
	if target == nil {
		return nil, fmt.Errorf("no launcher is configured for %q", config.Name)
	}
	return target.Launch(ctx, config, logger)
}
