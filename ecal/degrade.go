// Package ecal implements the erasure-coded abstraction layer: page reads
// and writes striped across the cluster's persistent-memory pools
/*
 * Copyright (c) 2020, NVIDIA CORPORATION. All rights reserved.
 */
package ecal

import (
	"errors"
	"sync"

	"github.com/golang/glog"
	"go.uber.org/atomic"
)

// ErrWriteLogFull means the degraded-write log hit its capacity; further
// writes are refused until an external recovery procedure drains the log.
var ErrWriteLogFull = errors.New("ecal: degraded-write log is full")

// DegradedState tracks how many peers are currently unreachable and which
// rows were written while any peer was down. The recovery procedure that
// replays the log and resets the counter lives outside the engine.
type DegradedState struct {
	disconnects atomic.Int64

	mu  sync.Mutex
	log []uint64
	cap int
}

func NewDegradedState(logCap int) *DegradedState {
	return &DegradedState{cap: logCap}
}

// ObserveDisconnect records the loss of a peer. Peer death is sticky until
// a reconnect-driven drain; the counter only grows from the engine's side.
func (d *DegradedState) ObserveDisconnect(peerID int) {
	n := d.disconnects.Inc()
	glog.Warningf("cluster degraded: peer %d lost (%d disconnects)", peerID, n)
}

// Degraded reports whether any disconnect has been observed.
func (d *DegradedState) Degraded() bool {
	return d.disconnects.Load() > 0
}

// Disconnects returns the disconnect count.
func (d *DegradedState) Disconnects() int64 {
	return d.disconnects.Load()
}

// RecordWrite appends a row written while the cluster was degraded.
func (d *DegradedState) RecordWrite(row uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.log) >= d.cap {
		return ErrWriteLogFull
	}
	d.log = append(d.log, row)
	return nil
}

// WriteLog returns a snapshot of the logged rows.
func (d *DegradedState) WriteLog() []uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]uint64, len(d.log))
	copy(out, d.log)
	return out
}

// Drain hands the logged rows to the (external) recovery procedure and
// resets the degradation state.
func (d *DegradedState) Drain() []uint64 {
	d.mu.Lock()
	out := d.log
	d.log = nil
	d.mu.Unlock()
	d.disconnects.Store(0)
	return out
}
