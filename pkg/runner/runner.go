// Package runner spawns a node's command and streams its standard output
// line by line while the process runs.
package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrSpawn is returned when the command cannot be started.
	ErrSpawn = errors.New("spawn")
	// ErrLogFileOpen is reported (as a warning) when the per-node log file cannot be opened.
	ErrLogFileOpen = errors.New("open log file")
)

// MaxLineSize is the longest output line the stream accepts.
const MaxLineSize = 1 << 20

// waitDelay bounds how long Close waits for stdout to be released after the
// process was killed (grandchildren may hold the pipe open).
const waitDelay = 2 * time.Second

// Options configures a single command run.
type Options struct {
	// LogFile, when set, receives a copy of every output line.
	LogFile string
	// Stderr receives the command's standard error. Nil discards it.
	Stderr io.Writer
}

// Stream is a lazy, finite, non-restartable sequence of output lines.
type Stream struct {
	argv    []string
	cmd     *exec.Cmd
	ctx     context.Context
	stdout  io.ReadCloser
	scanner *bufio.Scanner
	logFile *os.File
	log     *zap.Logger

	line     string
	lines    int
	err      error
	drained  bool
	closed   bool
	exitCode int
}

// Start splits command on whitespace into argv and spawns it. No shell
// quoting is applied. The process is killed when ctx is done.
func Start(ctx context.Context, command string, opts Options, log *zap.Logger) (*Stream, error) {
	argv := strings.Fields(command)
	if len(argv) == 0 {
		return nil, fmt.Errorf("%w: empty command", ErrSpawn)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...) //#nosec G204 -- command comes from the execution tree authored by the operator
	cmd.Stderr = opts.Stderr
	cmd.WaitDelay = waitDelay

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrSpawn, argv[0], err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrSpawn, argv[0], err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxLineSize)

	s := &Stream{
		argv:    argv,
		cmd:     cmd,
		ctx:     ctx,
		stdout:  stdout,
		scanner: scanner,
		log:     log,
	}
	if opts.LogFile != "" {
		f, err := openLogFile(opts.LogFile)
		if err != nil {
			log.Warn("failed to open log file for writing", zap.String("path", opts.LogFile), zap.Error(err))
		} else {
			s.logFile = f
		}
	}
	return s, nil
}

func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLogFileOpen, err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLogFileOpen, err)
	}
	return f, nil
}

// Next advances to the next output line, blocking until one is available.
// It returns false when the output is exhausted or reading failed.
func (s *Stream) Next() bool {
	if s.drained || s.closed {
		return false
	}
	if !s.scanner.Scan() {
		s.drained = true
		if err := s.scanner.Err(); err != nil {
			s.err = fmt.Errorf("read output of %q: %w", s.argv[0], err)
		}
		return false
	}
	s.line = strings.TrimSuffix(s.scanner.Text(), "\r")
	s.lines++
	s.log.Debug("output", zap.String("line", s.line))
	if s.logFile != nil {
		if _, err := io.WriteString(s.logFile, s.line+"\n"); err != nil {
			s.log.Warn("failed to write log file, disabling it", zap.String("path", s.logFile.Name()), zap.Error(err))
			s.logFile.Close()
			s.logFile = nil
		}
	}
	return true
}

// Line returns the current line without its trailing newline.
func (s *Stream) Line() string {
	return s.line
}

// Lines returns the number of lines read so far.
func (s *Stream) Lines() int {
	return s.lines
}

// Err returns the read error that ended the stream, if any.
func (s *Stream) Err() error {
	return s.err
}

// ExitCode returns the process exit code once Close has returned.
func (s *Stream) ExitCode() int {
	return s.exitCode
}

// Close releases the log file and waits for the process. A stream that is
// closed before its output is exhausted kills the process first.
// A non-zero exit status is not an error; cancellation and timeouts are.
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	if s.logFile != nil {
		s.logFile.Close()
		s.logFile = nil
	}
	if !s.drained && s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}

	err := s.cmd.Wait()
	if s.cmd.ProcessState != nil {
		s.exitCode = s.cmd.ProcessState.ExitCode()
	}
	if err == nil {
		return nil
	}
	// A process that exited on its own is done, whatever ctx did afterwards.
	if s.cmd.ProcessState != nil && s.cmd.ProcessState.Exited() {
		s.log.Debug("command exited", zap.Int("exit_code", s.exitCode))
		return nil
	}
	if ctxErr := s.ctx.Err(); ctxErr != nil {
		return fmt.Errorf("command %q: %w", s.argv[0], ctxErr)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	if s.drained {
		return fmt.Errorf("wait %q: %w", s.argv[0], err)
	}
	return nil
}
