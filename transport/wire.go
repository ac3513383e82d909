// Package transport provides one-sided remote memory operations and
// two-sided datagrams between pmstore cluster peers
/*
 * Copyright (c) 2020, NVIDIA CORPORATION. All rights reserved.
 */
package transport

import (
	"encoding/binary"
	"fmt"
	"io"
)

// The wire protocol carries the native verbs of the fabric: sends with
// immediate, one-sided writes (optionally with immediate), and one-sided
// reads split into a request and a response frame. Every frame is a fixed
// header followed by hdr.Len payload bytes.

const (
	opSend = iota + 1
	opWrite
	opWriteImm
	opWriteAck
	opReadReq
	opReadResp
)

const frameHdrSize = 1 + 4 + 4 + 8 + 4

type frameHdr struct {
	Op   uint8
	Task uint32
	Imm  uint32
	Addr uint64 // remote virtual address for write/read
	Len  uint32 // payload bytes following the header
}

func (h *frameHdr) put(b []byte) {
	b[0] = h.Op
	binary.LittleEndian.PutUint32(b[1:], h.Task)
	binary.LittleEndian.PutUint32(b[5:], h.Imm)
	binary.LittleEndian.PutUint64(b[9:], h.Addr)
	binary.LittleEndian.PutUint32(b[17:], h.Len)
}

func (h *frameHdr) get(b []byte) {
	h.Op = b[0]
	h.Task = binary.LittleEndian.Uint32(b[1:])
	h.Imm = binary.LittleEndian.Uint32(b[5:])
	h.Addr = binary.LittleEndian.Uint64(b[9:])
	h.Len = binary.LittleEndian.Uint32(b[17:])
}

func readFrame(r io.Reader, hdr *frameHdr, payload []byte) ([]byte, error) {
	var hb [frameHdrSize]byte
	if _, err := io.ReadFull(r, hb[:]); err != nil {
		return nil, err
	}
	hdr.get(hb[:])
	if hdr.Len == 0 {
		return payload[:0], nil
	}
	if int(hdr.Len) > cap(payload) {
		return nil, fmt.Errorf("frame payload %d exceeds buffer %d", hdr.Len, cap(payload))
	}
	payload = payload[:hdr.Len]
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// MemRegionSize is the fixed size of the descriptor exchanged at connection
// setup: u64 base address, u32 access key, padded.
const MemRegionSize = 40

// MemRegion describes a peer's registered memory region. Remote one-sided
// operations address base + offset and must present the access key.
type MemRegion struct {
	Base uint64
	RKey uint32
}

func (mr *MemRegion) Marshal(b []byte) {
	binary.LittleEndian.PutUint64(b, mr.Base)
	binary.LittleEndian.PutUint32(b[8:], mr.RKey)
	for i := 12; i < MemRegionSize; i++ {
		b[i] = 0
	}
}

func (mr *MemRegion) Unmarshal(b []byte) error {
	if len(b) < MemRegionSize {
		return fmt.Errorf("short memory-region descriptor: %d bytes", len(b))
	}
	mr.Base = binary.LittleEndian.Uint64(b)
	mr.RKey = binary.LittleEndian.Uint32(b[8:])
	return nil
}
