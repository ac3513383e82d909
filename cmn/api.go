// Package cmn provides common low-level types and utilities for all pmstore projects
/*
 * Copyright (c) 2020, NVIDIA CORPORATION. All rights reserved.
 */
package cmn

const (
	KiB = 1024
	MiB = 1024 * KiB
	GiB = 1024 * MiB
)

const (
	// BlockBytes is the logical page size: the unit callers read and write.
	BlockBytes = 4096

	// DefDataSlices and DefParitySlices are the default EC geometry (K and P).
	// The fragment size is always BlockBytes/K.
	DefDataSlices   = 2
	DefParitySlices = 1

	// DefFragmentBytes is the on-wire fragment size for the default geometry;
	// the RPC envelope in package rpc is sized for it.
	DefFragmentBytes = BlockBytes / DefDataSlices

	MinSliceCount = 1  // minimum number of data or parity slices
	MaxSliceCount = 32 // maximum number of data or parity slices
)

const (
	// MaxNodes bounds the cluster size; node ids live in [0, MaxNodes).
	MaxNodes = 32

	// WriteLogCap bounds the in-memory degraded-write log. When the log is
	// full further degraded writes are refused until the log is drained.
	WriteLogCap = 50000

	// SockBufSize is the size of the per-peer send and recv scratch regions.
	SockBufSize = 4096

	// MaxQPDepth is the depth of the send and recv completion queues.
	MaxQPDepth = 2048
)

// Node roles. Role assignment is positional in this deployment: node 0 runs
// the directory metadata service, node 1 the file metadata service, and the
// remaining nodes are data servers (clients attach with ids past the servers).
const (
	RoleDataServer = "ds"
	RoleDMS        = "dms"
	RoleFMS        = "fms"
	RoleClient     = "client"
)
