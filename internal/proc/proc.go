// Copyright 2024 The nativebind Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package proc runs external tools (git, cmake, pkg-config) as scoped child
// processes. Every child is started in its own process group, and the whole
// group is killed when the context is done or the call returns.
package proc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/goplus/nativebind/internal/stage"
)

// waitDelay bounds how long Wait blocks on output pipes held open by
// descendants after the child itself was killed.
const waitDelay = 5 * time.Second

// ErrNotFound is returned when the tool binary is not on PATH.
var ErrNotFound = exec.ErrNotFound

// Cmd describes one tool invocation.
type Cmd struct {
	Name string
	Args []string
	Dir  string
	// Env entries override the inherited environment.
	Env map[string]string
	// Stream, if set, receives combined output live (verbose mode).
	Stream io.Writer
}

func (c Cmd) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

// ExitError reports a failed invocation together with the tail of its output.
type ExitError struct {
	Cmd  string
	Err  error
	Tail string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s: %v", e.Cmd, e.Err)
}

func (e *ExitError) Unwrap() error { return e.Err }

// OutputTail returns the last lines the process wrote.
func (e *ExitError) OutputTail() string { return e.Tail }

// Run executes c and waits for it. Stdout and stderr are captured together;
// only the tail is kept and attached to the returned error.
func Run(ctx context.Context, c Cmd) error {
	tail := newTailBuffer(tailBytes)
	var w io.Writer = tail
	if c.Stream != nil {
		w = io.MultiWriter(tail, c.Stream)
	}
	return run(ctx, c, w, w, tail)
}

// Output executes c and returns its stdout. Stderr is captured as the tail.
func Output(ctx context.Context, c Cmd) ([]byte, error) {
	tail := newTailBuffer(tailBytes)
	var stderr io.Writer = tail
	if c.Stream != nil {
		stderr = io.MultiWriter(tail, c.Stream)
	}
	var stdout bytes.Buffer
	if err := run(ctx, c, &stdout, stderr, tail); err != nil {
		return nil, err
	}
	return stdout.Bytes(), nil
}

// LookPath reports where name lives on PATH.
func LookPath(name string) (string, error) {
	return exec.LookPath(name)
}

func run(ctx context.Context, c Cmd, stdout, stderr io.Writer, tail *tailBuffer) error {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = mergeEnv(os.Environ(), c.Env)
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = waitDelay
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return &ExitError{Cmd: c.String(), Err: err}
	}
	err := cmd.Wait()
	// Reap anything the child left behind in its group.
	killProcessGroup(cmd.Process.Pid)
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		err = fmt.Errorf("killed at deadline: %w", stage.ErrTimeout)
	case errors.Is(ctx.Err(), context.Canceled):
		err = fmt.Errorf("killed: %w", context.Canceled)
	}
	return &ExitError{Cmd: c.String(), Err: err, Tail: tail.Lines(tailLines)}
}

func mergeEnv(base []string, override map[string]string) []string {
	envMap := make(map[string]string, len(base)+len(override))
	for _, kv := range base {
		if k, v, ok := strings.Cut(kv, "="); ok {
			envMap[k] = v
		}
	}
	for k, v := range override {
		envMap[k] = v
	}
	keys := make([]string, 0, len(envMap))
	for k := range envMap {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+envMap[k])
	}
	return out
}
