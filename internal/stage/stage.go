// Copyright 2024 The nativebind Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package stage defines the pipeline states and the stage-tagged error
// taxonomy shared by every step of a nativebind run.
package stage

import (
	"errors"
	"fmt"
	"strings"
)

// State is the position of one pipeline run in its lifecycle.
type State int

const (
	Uncloned State = iota
	Cloned
	Configured
	Built
	Installed
	Resolved
	Errored
)

var stateNames = [...]string{
	Uncloned:   "uncloned",
	Cloned:     "cloned",
	Configured: "configured",
	Built:      "built",
	Installed:  "installed",
	Resolved:   "resolved",
	Errored:    "errored",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// Next returns the state reached when the step leaving s succeeds.
// Resolved and Errored are terminal and return themselves.
func (s State) Next() State {
	switch s {
	case Resolved, Errored:
		return s
	}
	return s + 1
}

// Error kinds. Match them with errors.Is.
var (
	ErrAcquisition   = errors.New("acquisition error")
	ErrConfiguration = errors.New("configuration error")
	ErrBuild         = errors.New("build error")
	ErrInstall       = errors.New("install error")
	ErrResolution    = errors.New("resolution error")

	// ErrTimeout is the cause attached when a caller-supplied timeout
	// killed a subprocess.
	ErrTimeout = errors.New("timed out")
)

// Error is a failure tagged with the repository, the state the run was in
// when the failing step started, and the error kind.
type Error struct {
	Repo  string
	Stage State
	Kind  error
	Err   error
	// Tail holds the last lines of subprocess output, if any.
	Tail string
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Repo != "" {
		b.WriteString(e.Repo)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.Error())
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// tailer is implemented by errors that captured subprocess output.
type tailer interface {
	OutputTail() string
}

// Wrap tags err with kind. If err already is an *Error, its kind is kept and
// only missing fields are filled in. Wrap returns nil for a nil err.
func Wrap(kind error, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	e := &Error{Kind: kind, Err: err}
	var t tailer
	if errors.As(err, &t) {
		e.Tail = t.OutputTail()
	}
	return e
}

// Errorf is a shorthand for Wrap(kind, fmt.Errorf(format, args...)).
func Errorf(kind error, format string, args ...any) error {
	return Wrap(kind, fmt.Errorf(format, args...))
}

// Tag sets the repository and state on err if it is an *Error and returns it.
// Other errors are wrapped with kind first.
func Tag(err error, kind error, repo string, at State) error {
	if err == nil {
		return nil
	}
	var se *Error
	if !errors.As(Wrap(kind, err), &se) {
		return err
	}
	if se.Repo == "" {
		se.Repo = repo
	}
	se.Stage = at
	return se
}
