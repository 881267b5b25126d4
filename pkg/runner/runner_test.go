package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires POSIX echo/sh")
	}
}

func collect(t *testing.T, s *Stream) []string {
	t.Helper()
	var lines []string
	for s.Next() {
		lines = append(lines, s.Line())
	}
	if err := s.Err(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	return lines
}

func TestStart_EchoWithLogFile(t *testing.T) {
	skipOnWindows(t)
	logFile := filepath.Join(t.TempDir(), "echo.log")

	s, err := Start(context.Background(), "echo foo", Options{LogFile: logFile}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	lines := collect(t, s)
	if len(lines) != 1 || lines[0] != "foo" {
		t.Errorf("lines = %q, want [foo]", lines)
	}

	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "foo\n" {
		t.Errorf("log file = %q, want %q", data, "foo\n")
	}
}

func TestStart_WhitespaceSplit(t *testing.T) {
	skipOnWindows(t)
	s, err := Start(context.Background(), "  echo   a\tb  ", Options{}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	lines := collect(t, s)
	if len(lines) != 1 || lines[0] != "a b" {
		t.Errorf("lines = %q", lines)
	}
}

func TestStart_MultipleLinesInOrder(t *testing.T) {
	skipOnWindows(t)
	s, err := Start(context.Background(), `printf one\ntwo\r\nthree`, Options{}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	lines := collect(t, s)
	want := []string{"one", "two", "three"}
	if len(lines) != len(want) {
		t.Fatalf("lines = %q, want %q", lines, want)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, lines[i], want[i])
		}
	}
	if s.Lines() != 3 {
		t.Errorf("Lines() = %d", s.Lines())
	}
}

func TestStart_SpawnError(t *testing.T) {
	_, err := Start(context.Background(), "definitely-not-a-real-binary-xyz --flag", Options{}, zap.NewNop())
	if !errors.Is(err, ErrSpawn) {
		t.Errorf("err = %v, want ErrSpawn", err)
	}
}

func TestStart_EmptyCommand(t *testing.T) {
	_, err := Start(context.Background(), "   ", Options{}, zap.NewNop())
	if !errors.Is(err, ErrSpawn) {
		t.Errorf("err = %v, want ErrSpawn", err)
	}
}

func TestStart_LogFileOpenFailureIsNonFatal(t *testing.T) {
	skipOnWindows(t)
	core, logs := observer.New(zapcore.WarnLevel)
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	// The parent "directory" is a regular file, so the log file cannot be created.
	s, err := Start(context.Background(), "echo foo", Options{LogFile: filepath.Join(blocker, "x.log")}, zap.New(core))
	if err != nil {
		t.Fatal(err)
	}
	lines := collect(t, s)
	if len(lines) != 1 {
		t.Errorf("lines = %q", lines)
	}
	if logs.FilterMessage("failed to open log file for writing").Len() != 1 {
		t.Errorf("expected warning, got %v", logs.All())
	}
}

func TestStart_NonZeroExitIsNotAnError(t *testing.T) {
	skipOnWindows(t)
	s, err := Start(context.Background(), "false", Options{}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	for s.Next() {
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close() = %v, want nil", err)
	}
	if s.ExitCode() != 1 {
		t.Errorf("exit code = %d, want 1", s.ExitCode())
	}
}

func TestStart_Timeout(t *testing.T) {
	skipOnWindows(t)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	s, err := Start(ctx, "sleep 10", Options{}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	for s.Next() {
	}
	err = s.Close()
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Close() = %v, want DeadlineExceeded", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("timeout did not stop the command")
	}
}

func TestStream_CloseEarlyKillsProcess(t *testing.T) {
	skipOnWindows(t)
	s, err := Start(context.Background(), "yes", Options{}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if !s.Next() {
		t.Fatal("expected at least one line")
	}
	if s.Line() != "y" {
		t.Errorf("line = %q", s.Line())
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}
	if s.Next() {
		t.Error("Next after Close must return false")
	}
}

func TestStream_CancelAfterCleanExitIsNotAnError(t *testing.T) {
	skipOnWindows(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := Start(ctx, "echo done", Options{}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	for s.Next() {
	}
	// Let the process exit on its own before the deadline passes.
	time.Sleep(100 * time.Millisecond)
	cancel()

	if err := s.Close(); err != nil {
		t.Errorf("Close() = %v, want nil", err)
	}
	if s.ExitCode() != 0 {
		t.Errorf("exit code = %d, want 0", s.ExitCode())
	}
}
