// Package transport provides one-sided remote memory operations and
// two-sided datagrams between pmstore cluster peers
/*
 * Copyright (c) 2020, NVIDIA CORPORATION. All rights reserved.
 */
package transport

import (
	"bytes"
	"testing"

	"github.com/NVIDIA/pmstore/devtools/tutils/tassert"
)

func TestFrameHeaderRoundTrip(t *testing.T) {
	in := frameHdr{
		Op:   opReadResp,
		Task: 17,
		Imm:  0xDEADBEEF,
		Addr: 0x7f00_0000_1000,
		Len:  2048,
	}
	var b [frameHdrSize]byte
	in.put(b[:])

	var out frameHdr
	out.get(b[:])
	tassert.Fatalf(t, in == out, "header round trip: %+v != %+v", in, out)
}

func TestFrameReadWrite(t *testing.T) {
	var (
		buf  bytes.Buffer
		hdr  = frameHdr{Op: opWrite, Task: 3, Addr: 4096}
		data = []byte("fragment payload")
	)
	var hb [frameHdrSize]byte
	hdr.Len = uint32(len(data))
	hdr.put(hb[:])
	buf.Write(hb[:])
	buf.Write(data)

	var (
		got     frameHdr
		scratch = make([]byte, 64)
	)
	payload, err := readFrame(&buf, &got, scratch)
	tassert.CheckFatal(t, err)
	tassert.Fatalf(t, got.Op == opWrite && got.Task == 3 && got.Addr == 4096, "header = %+v", got)
	tassert.BytesEqual(t, payload, data, "payload")
}

func TestFrameRejectsOversizedPayload(t *testing.T) {
	var (
		buf bytes.Buffer
		hdr = frameHdr{Op: opSend, Len: 1024}
	)
	var hb [frameHdrSize]byte
	hdr.put(hb[:])
	buf.Write(hb[:])

	var got frameHdr
	if _, err := readFrame(&buf, &got, make([]byte, 16)); err == nil {
		t.Error("oversized payload accepted")
	}
}

func TestMemRegionDescriptor(t *testing.T) {
	in := MemRegion{Base: 0x7f12_3456_7000, RKey: 0xCAFE}
	var b [MemRegionSize]byte
	in.Marshal(b[:])

	var out MemRegion
	tassert.CheckFatal(t, out.Unmarshal(b[:]))
	tassert.Fatalf(t, in == out, "descriptor round trip: %+v != %+v", in, out)

	if err := out.Unmarshal(b[:10]); err == nil {
		t.Error("short descriptor accepted")
	}
}

func TestWRIDPacking(t *testing.T) {
	wrid := MakeWRID(7, 42)
	tassert.Fatalf(t, WRIDPeer(wrid) == 7, "peer = %d", WRIDPeer(wrid))
	tassert.Fatalf(t, WRIDTask(wrid) == 42, "task = %d", WRIDTask(wrid))
}
