package process

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestRun_CapturesOutput(t *testing.T) {
	r := NewRunner()

	res, err := r.Run(context.Background(), Command{
		Name:   "echo",
		Binary: "/bin/sh",
		Args:   []string{"-c", "echo hello; echo oops >&2"},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := strings.TrimSpace(string(res.Stdout)); got != "hello" {
		t.Errorf("Stdout = %q, want hello", got)
	}
	if got := strings.TrimSpace(string(res.Stderr)); got != "oops" {
		t.Errorf("Stderr = %q, want oops", got)
	}
	if res.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", res.ExitCode)
	}
}

func TestRun_Stdin(t *testing.T) {
	r := NewRunner()

	res, err := r.Run(context.Background(), Command{
		Binary: "/bin/cat",
		Stdin:  []byte("frame"),
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if string(res.Stdout) != "frame" {
		t.Errorf("Stdout = %q, want frame", res.Stdout)
	}
}

func TestRun_EnvAndWorkDir(t *testing.T) {
	dir := t.TempDir()
	r := NewRunner()

	_, err := r.Run(context.Background(), Command{
		Binary:  "/bin/sh",
		Args:    []string{"-c", `printf "%s" "$PICAMERA_TEST" > out.txt`},
		Env:     []string{"PICAMERA_TEST=value"},
		WorkDir: dir,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "out.txt"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(data) != "value" {
		t.Errorf("out.txt = %q, want value", data)
	}
}

func TestRun_NonZeroExit(t *testing.T) {
	r := NewRunner()

	res, err := r.Run(context.Background(), Command{
		Name:   "fail",
		Binary: "/bin/sh",
		Args:   []string{"-c", "echo broken >&2; exit 3"},
	})

	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("Run() error = %v, want *ExitError", err)
	}
	if exitErr.ExitCode != 3 || res.ExitCode != 3 {
		t.Errorf("exit code = %d / %d, want 3", exitErr.ExitCode, res.ExitCode)
	}
	if exitErr.Stderr != "broken" {
		t.Errorf("Stderr = %q, want broken", exitErr.Stderr)
	}
	if !strings.Contains(err.Error(), "fail exited with status 3") {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestRun_EmptyBinary(t *testing.T) {
	r := NewRunner()
	if _, err := r.Run(context.Background(), Command{}); !errors.Is(err, ErrEmptyCommand) {
		t.Errorf("Run() error = %v, want ErrEmptyCommand", err)
	}
}

func TestRun_MissingBinary(t *testing.T) {
	r := NewRunner()
	_, err := r.Run(context.Background(), Command{Binary: "/nonexistent/picamera-binary"})
	if err == nil {
		t.Fatal("Run() should fail for a missing binary")
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		t.Errorf("Run() error = %v, want start error", err)
	}
}

func TestRun_CancelTerminatesProcessGroup(t *testing.T) {
	r := NewRunner()
	r.SetGracefulTimeout(time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := r.Run(ctx, Command{
		Name:   "sleeper",
		Binary: "/bin/sh",
		Args:   []string{"-c", "sleep 30 & wait"},
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run() error = %v, want DeadlineExceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Run() took %v after cancellation", elapsed)
	}
}

func TestRun_CancelEscalatesToKill(t *testing.T) {
	r := NewRunner()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := r.Run(ctx, Command{
		Name:            "stubborn",
		Binary:          "/bin/sh",
		Args:            []string{"-c", `trap "" TERM; sleep 30`},
		GracefulTimeout: 200 * time.Millisecond,
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run() error = %v, want DeadlineExceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Run() took %v, SIGKILL was not sent", elapsed)
	}
}

func TestCommand_String(t *testing.T) {
	tests := []struct {
		cmd  Command
		want string
	}{
		{Command{Binary: "reboot"}, "reboot"},
		{Command{Binary: "sudo", Args: []string{"systemctl", "restart", "dhcpcd"}}, "sudo systemctl restart dhcpcd"},
	}
	for _, tt := range tests {
		if got := tt.cmd.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestTruncate(t *testing.T) {
	long := strings.Repeat("x", stderrLogLimit+10)
	got := truncate([]byte(long))
	if len(got) != stderrLogLimit+3 || !strings.HasSuffix(got, "...") {
		t.Errorf("truncate() length = %d", len(got))
	}
	if got := truncate([]byte("  short \n")); got != "short" {
		t.Errorf("truncate() = %q, want short", got)
	}
}
