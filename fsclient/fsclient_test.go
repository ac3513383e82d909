// Package fsclient provides the block-addressing contract between the file
// metadata plane and the ECAL engine
/*
 * Copyright (c) 2020, NVIDIA CORPORATION. All rights reserved.
 */
package fsclient

import (
	"testing"

	"github.com/google/uuid"
)

func TestBlockIndexDeterministic(t *testing.T) {
	id := uuid.MustParse("a2b6b27e-3f5d-4e62-9a3f-0123456789ab")
	const capacity = 1 << 20

	first := BlockIndex(id, 7, capacity)
	second := BlockIndex(id, 7, capacity)
	if first != second {
		t.Fatalf("hash is not stable: %d != %d", first, second)
	}
	if first >= capacity {
		t.Fatalf("index %d outside capacity %d", first, capacity)
	}
}

func TestBlockIndexSpread(t *testing.T) {
	id := uuid.MustParse("a2b6b27e-3f5d-4e62-9a3f-0123456789ab")
	const capacity = 1 << 20

	seen := make(map[uint64]int)
	for b := uint64(0); b < 1000; b++ {
		seen[BlockIndex(id, b, capacity)]++
	}
	// consecutive blocks of one file must not pile onto a handful of rows
	if len(seen) < 990 {
		t.Fatalf("only %d distinct indices for 1000 blocks", len(seen))
	}

	other := uuid.MustParse("00000000-0000-4000-8000-000000000001")
	if BlockIndex(id, 0, capacity) == BlockIndex(other, 0, capacity) {
		t.Error("different files mapped block 0 to the same index")
	}
}
