// Package pmem maps a persistent-memory device into the process and carves
// it into fixed-size block slots
/*
 * Copyright (c) 2020, NVIDIA CORPORATION. All rights reserved.
 */
package pmem

import (
	"path/filepath"
	"testing"

	"github.com/NVIDIA/pmstore/devtools/tutils/tassert"
)

func TestAnonymousRegion(t *testing.T) {
	region, err := OpenRegion("", 64*1024)
	tassert.CheckFatal(t, err)
	defer region.Close()

	tassert.Fatalf(t, region.Len() == 64*1024, "region length = %d", region.Len())
	b := region.Bytes()
	b[0], b[len(b)-1] = 0xAB, 0xCD
	tassert.Fatalf(t, region.Bytes()[0] == 0xAB, "write through Bytes lost")
	tassert.CheckFatal(t, region.Flush(0, 4096))
}

func TestRegionRejectsBadSize(t *testing.T) {
	if _, err := OpenRegion("", 0); err == nil {
		t.Error("zero size accepted")
	}
	if _, err := OpenRegion("", 1000); err == nil {
		t.Error("unaligned size accepted")
	}
}

func TestFileBackedRegionPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool.img")

	region, err := OpenRegion(path, 16*4096)
	tassert.CheckFatal(t, err)
	copy(region.Bytes(), []byte("pmstore"))
	tassert.CheckFatal(t, region.FullSync())
	tassert.CheckFatal(t, region.Close())

	region, err = OpenRegion(path, 16*4096)
	tassert.CheckFatal(t, err)
	defer region.Close()
	tassert.BytesEqual(t, region.Bytes()[:7], []byte("pmstore"), "reopened region")
}

func TestPoolGeometry(t *testing.T) {
	region, err := OpenRegion("", 64*1024)
	tassert.CheckFatal(t, err)
	defer region.Close()

	pool, err := NewPool(region, 2048)
	tassert.CheckFatal(t, err)
	tassert.Fatalf(t, pool.Capacity() == 32, "capacity = %d, want 32", pool.Capacity())
	tassert.Fatalf(t, pool.SlotSize() == 2048, "slot size = %d", pool.SlotSize())

	for _, row := range []uint64{0, 1, 31} {
		tassert.Fatalf(t, pool.OffsetOf(row) == row*2048, "offset of row %d = %d", row, pool.OffsetOf(row))
		slot := pool.At(row)
		tassert.Fatalf(t, len(slot) == 2048, "slot length = %d", len(slot))
	}

	// slots alias the region at their offsets
	pool.At(3)[0] = 0x5A
	tassert.Fatalf(t, region.Bytes()[3*2048] == 0x5A, "slot does not alias the region")
	tassert.CheckFatal(t, pool.Flush(3))
}

func TestPoolRejectsOversizedSlot(t *testing.T) {
	region, err := OpenRegion("", 4096)
	tassert.CheckFatal(t, err)
	defer region.Close()
	if _, err := NewPool(region, 8192); err == nil {
		t.Error("slot larger than region accepted")
	}
}
