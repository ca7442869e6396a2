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
	"strings"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTracePreservesCause(t *testing.T) {
	err := Trace(syscall.EIO, "reading frame")
	require.True(t, errors.Is(err, syscall.EIO))
	require.Equal(t, syscall.EIO, Cause(err))
	require.Contains(t, err.Error(), "reading frame")

	// re-tracing keeps the innermost cause, not the wrapper
	err2 := Trace(err, "request %d", 7)
	require.True(t, errors.Is(err2, syscall.EIO))
	require.Equal(t, syscall.EIO, Cause(err2))
	require.Contains(t, err2.Error(), "request 7")
}

func TestTraceNil(t *testing.T) {
	require.NoError(t, Trace(nil, "ignored"))
	require.NoError(t, NewError(nil))
}

func TestNewErrorfAnnotates(t *testing.T) {
	err := NewErrorf("bad value %v", 42)
	require.Contains(t, err.Error(), "bad value 42")
	require.Contains(t, err.Error(), "errors_test.go")
}

func TestStack(t *testing.T) {
	err := Trace(New("inner"), "outer")
	s := Stack(err)
	require.Equal(t, 2, len(strings.Split(s, "\n")))
	require.Contains(t, s, "outer")
	require.Contains(t, s, "inner")
}
