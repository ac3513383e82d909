// Package debug provides assertions that guard internal invariants
/*
 * Copyright (c) 2020, NVIDIA CORPORATION. All rights reserved.
 */
package debug

import (
	"fmt"

	"github.com/golang/glog"
)

// Invariant violations are bugs, not runtime conditions: every assert aborts.

func Assert(cond bool) {
	if !cond {
		glog.Flush()
		panic("assertion failed")
	}
}

func AssertMsg(cond bool, msg string) {
	if !cond {
		glog.Flush()
		panic("assertion failed: " + msg)
	}
}

func Assertf(cond bool, format string, a ...interface{}) {
	if !cond {
		glog.Flush()
		panic("assertion failed: " + fmt.Sprintf(format, a...))
	}
}

func AssertNoErr(err error) {
	if err != nil {
		glog.Flush()
		panic(err)
	}
}
