// Package tassert provides common asserts for tests
/*
 * Copyright (c) 2020, NVIDIA CORPORATION. All rights reserved.
 */
package tassert

import (
	"bytes"
	"runtime/debug"
	"testing"
)

func CheckFatal(tb testing.TB, err error) {
	if err != nil {
		debug.PrintStack()
		tb.Fatal(err.Error())
	}
}

func CheckError(tb testing.TB, err error) {
	if err != nil {
		debug.PrintStack()
		tb.Error(err.Error())
	}
}

func Fatalf(tb testing.TB, cond bool, msg string, args ...interface{}) {
	if !cond {
		debug.PrintStack()
		tb.Fatalf(msg, args...)
	}
}

func Errorf(tb testing.TB, cond bool, msg string, args ...interface{}) {
	if !cond {
		debug.PrintStack()
		tb.Errorf(msg, args...)
	}
}

// BytesEqual compares payloads without drowning the log in hex dumps.
func BytesEqual(tb testing.TB, got, want []byte, what string) {
	if len(got) != len(want) {
		tb.Fatalf("%s: length mismatch: got %d, want %d", what, len(got), len(want))
	}
	if !bytes.Equal(got, want) {
		for i := range got {
			if got[i] != want[i] {
				tb.Fatalf("%s: first mismatch at byte %d: got %#x, want %#x", what, i, got[i], want[i])
			}
		}
	}
}
