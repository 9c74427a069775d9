//go:build unix

package proc

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/goplus/nativebind/internal/stage"
	"golang.org/x/sys/unix"
)

func sh(script string) Cmd {
	return Cmd{Name: "/bin/sh", Args: []string{"-c", script}}
}

func TestRunSuccess(t *testing.T) {
	if err := Run(context.Background(), sh("echo hello")); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
}

func TestRunStream(t *testing.T) {
	var buf bytes.Buffer
	c := sh("echo out; echo err >&2")
	c.Stream = &buf
	if err := Run(context.Background(), c); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	got := buf.String()
	if !strings.Contains(got, "out") || !strings.Contains(got, "err") {
		t.Errorf("streamed output = %q", got)
	}
}

func TestRunFailureCarriesTail(t *testing.T) {
	err := Run(context.Background(), sh("for i in 1 2 3 4 5; do echo line$i; done; echo boom >&2; exit 3"))
	if err == nil {
		t.Fatal("expected error")
	}
	var ee *ExitError
	if !errors.As(err, &ee) {
		t.Fatalf("error %T is not *ExitError", err)
	}
	if !strings.HasSuffix(ee.OutputTail(), "boom") {
		t.Errorf("tail = %q, want suffix boom", ee.OutputTail())
	}
	if !strings.Contains(ee.OutputTail(), "line5") {
		t.Errorf("tail = %q, missing stdout", ee.OutputTail())
	}
}

func TestRunNotFound(t *testing.T) {
	err := Run(context.Background(), Cmd{Name: "nativebind-no-such-tool"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestOutput(t *testing.T) {
	out, err := Output(context.Background(), sh("echo stdout; echo stderr >&2"))
	if err != nil {
		t.Fatalf("Output failed: %v", err)
	}
	if strings.TrimSpace(string(out)) != "stdout" {
		t.Errorf("Output = %q, want stdout only", out)
	}
}

func TestRunEnv(t *testing.T) {
	c := sh(`test "$NATIVEBIND_PROC_TEST" = yes`)
	c.Env = map[string]string{"NATIVEBIND_PROC_TEST": "yes"}
	if err := Run(context.Background(), c); err != nil {
		t.Fatalf("env override not applied: %v", err)
	}
}

func TestRunTimeoutKillsGroup(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "pid")
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := Run(ctx, sh("sleep 30 & echo $! > "+pidFile+"; wait"))
	if !errors.Is(err, stage.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("Run took %s after timeout", elapsed)
	}

	data, err := os.ReadFile(pidFile)
	if err != nil {
		t.Fatalf("read pid: %v", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		t.Fatalf("parse pid: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for {
		if err := unix.Kill(pid, 0); errors.Is(err, unix.ESRCH) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("grandchild %d still alive", pid)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestRunCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	err := Run(ctx, sh("sleep 30"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if errors.Is(err, stage.ErrTimeout) {
		t.Error("cancellation reported as timeout")
	}
}

func TestTailBuffer(t *testing.T) {
	tb := newTailBuffer(8)
	tb.Write([]byte("abc\n"))
	tb.Write([]byte("defgh\n"))
	if got := tb.Lines(10); got != "c\ndefgh" {
		t.Errorf("Lines = %q", got)
	}
	tb.Write([]byte("0123456789"))
	if got := tb.Lines(10); got != "23456789" {
		t.Errorf("Lines after overflow = %q", got)
	}
	tb2 := newTailBuffer(100)
	tb2.Write([]byte("a\nb\nc\n"))
	if got := tb2.Lines(2); got != "b\nc" {
		t.Errorf("Lines(2) = %q", got)
	}
}

func TestMergeEnv(t *testing.T) {
	got := mergeEnv([]string{"A=1", "B=2"}, map[string]string{"B": "3", "C": "4"})
	want := "A=1 B=3 C=4"
	if strings.Join(got, " ") != want {
		t.Errorf("mergeEnv = %v, want %s", got, want)
	}
}
