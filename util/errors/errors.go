// Copyright 2024 The StratoFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package errors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// ErrorTrace wraps an error with a trace of annotated call sites.
type ErrorTrace struct {
	msg   string
	cause error
}

func (e *ErrorTrace) Error() string {
	return e.msg
}

func (e *ErrorTrace) Unwrap() error {
	return e.cause
}

// New returns an error with the supplied message.
func New(msg string) error {
	return errors.New(msg)
}

// NewErrorf returns an error with the formatted message, annotated
// with the caller's position.
func NewErrorf(format string, a ...interface{}) error {
	msg := fmt.Sprintf(format, a...)
	return &ErrorTrace{msg: annotate(msg, 2)}
}

// NewError wraps a raw error, annotated with the caller's position.
func NewError(err error) error {
	if err == nil {
		return nil
	}
	return &ErrorTrace{msg: annotate(err.Error(), 2), cause: err}
}

// Trace annotates err with the caller's position and an optional
// formatted message, preserving the cause for errors.Is/As.
func Trace(err error, format string, a ...interface{}) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, a...)
	if msg == "" {
		msg = err.Error()
	} else {
		msg = msg + ": " + err.Error()
	}
	cause := err
	if t, ok := err.(*ErrorTrace); ok && t.cause != nil {
		cause = t.cause
	}
	return &ErrorTrace{msg: annotate(msg, 2), cause: cause}
}

// Cause returns the innermost wrapped error.
func Cause(err error) error {
	for {
		t, ok := err.(*ErrorTrace)
		if !ok || t.cause == nil {
			return err
		}
		err = t.cause
	}
}

// Stack renders err and, for traced errors, each annotation on its
// own line.
func Stack(err error) string {
	if err == nil {
		return ""
	}
	var sb strings.Builder
	for {
		sb.WriteString(err.Error())
		t, ok := err.(*ErrorTrace)
		if !ok || t.cause == nil {
			break
		}
		sb.WriteString("\n")
		err = t.cause
	}
	return sb.String()
}

func annotate(msg string, skip int) string {
	pc, file, line, ok := runtime.Caller(skip)
	if !ok {
		return msg
	}
	fn := runtime.FuncForPC(pc)
	name := "unknown"
	if fn != nil {
		name = fn.Name()
		if i := strings.LastIndex(name, "/"); i >= 0 {
			name = name[i+1:]
		}
	}
	if i := strings.LastIndex(file, "/"); i >= 0 {
		file = file[i+1:]
	}
	return fmt.Sprintf("[%s:%d %s] %s", file, line, name, msg)
}
