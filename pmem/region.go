// Package pmem maps a persistent-memory device into the process and carves
// it into fixed-size block slots
/*
 * Copyright (c) 2020, NVIDIA CORPORATION. All rights reserved.
 */
package pmem

import (
	"fmt"
	"os"

	"github.com/golang/glog"
	"golang.org/x/sys/unix"
)

const pageSize = 4096

// Region is a contiguous PM-backed byte range. The whole region is
// registered with the transport as a single memory region; the engine and
// remote peers address it by byte offset from the start of the region.
type Region struct {
	b      []byte
	device string
	fd     int
	mapped bool // device-backed (as opposed to anonymous)
}

// OpenRegion maps size bytes of the given PM device or backing file.
// An empty device name selects an anonymous volatile mapping, which keeps
// tests and PM-less development hosts working.
func OpenRegion(device string, size int64) (*Region, error) {
	if size <= 0 || size%pageSize != 0 {
		return nil, fmt.Errorf("region size %d must be a positive multiple of %d", size, pageSize)
	}
	if device == "" {
		b, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE,
			unix.MAP_PRIVATE|unix.MAP_ANON)
		if err != nil {
			return nil, fmt.Errorf("anonymous mmap of %d bytes failed: %w", size, err)
		}
		glog.Warningf("pmem: no device configured, using a volatile mapping of %d bytes", size)
		return &Region{b: b, fd: -1}, nil
	}

	fd, err := unix.Open(device, unix.O_RDWR|unix.O_CREAT, 0o644)
	if err != nil {
		return nil, fmt.Errorf("cannot open pmem device %q: %w", device, err)
	}
	if fi, err := os.Stat(device); err == nil && fi.Mode().IsRegular() && fi.Size() < size {
		if err := unix.Ftruncate(fd, size); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("cannot grow backing file %q to %d bytes: %w", device, size, err)
		}
	}
	b, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("mmap of %q (%d bytes) failed: %w", device, size, err)
	}
	glog.Infof("pmem: mapped %q, %d bytes", device, size)
	return &Region{b: b, device: device, fd: fd, mapped: true}, nil
}

// Bytes exposes the raw region. The engine is the sole local writer for
// rows whose placement maps to this node; remote peers write other rows
// through the transport - the writer sets never overlap.
func (r *Region) Bytes() []byte { return r.b }

// Len returns the region size in bytes.
func (r *Region) Len() int64 { return int64(len(r.b)) }

// Flush persists the byte range [off, off+length). On a device-backed
// mapping the range is widened to page granularity and msync'ed;
// anonymous mappings have nothing to persist.
func (r *Region) Flush(off, length int64) error {
	if !r.mapped {
		return nil
	}
	lo := off &^ (pageSize - 1)
	hi := (off + length + pageSize - 1) &^ (pageSize - 1)
	return unix.Msync(r.b[lo:hi], unix.MS_SYNC)
}

// FullSync persists the whole region.
func (r *Region) FullSync() error {
	if !r.mapped {
		return nil
	}
	return unix.Msync(r.b, unix.MS_SYNC)
}

// Close unmaps the region.
func (r *Region) Close() error {
	if r.b == nil {
		return nil
	}
	err := unix.Munmap(r.b)
	r.b = nil
	if r.fd >= 0 {
		unix.Close(r.fd)
		r.fd = -1
	}
	return err
}
