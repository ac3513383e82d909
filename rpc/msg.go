// Package rpc provides the two-sided request/response envelope spoken
// between pmstore nodes and the metadata plane
/*
 * Copyright (c) 2020, NVIDIA CORPORATION. All rights reserved.
 */
package rpc

import (
	"encoding/binary"
	"fmt"

	"github.com/NVIDIA/pmstore/cmn"
)

// Operation codes. The core consumes only OpMemRead and OpMemWrite (the
// degraded-read fallback data path); the rest are the metadata-plane
// contract exported to DMS/FMS and the client facade.
type Op uint32

const (
	OpConnect Op = iota + 1
	OpDisconnect
	OpTest
	OpOpen
	OpAccess
	OpCreate
	OpRead
	OpWrite
	OpRemove
	OpFileStat
	OpDirStat
	OpMkdir
	OpRmdir
	OpOpenDir
	OpReadDir
	OpMemRead
	OpMemWrite
)

const (
	// MaxPathLen bounds path arguments.
	MaxPathLen = 255

	// RawCap is the capacity of a raw response.
	RawCap = 4090

	// envelope: u32 op (high bit marks a response), u32 slot
	envSize  = 8
	respFlag = 1 << 31
)

// Fixed wire sizes (native integer layout, little-endian).
const (
	MemRequestSize           = 8 + cmn.DefFragmentBytes
	MemResponseSize          = cmn.DefFragmentBytes
	PureValueSize            = 8
	ValueWithPathRequestSize = 8 + 4 + MaxPathLen + 1
	RawResponseSize          = 4 + RawCap
)

type (
	// MemRequest writes one fragment at a byte offset of the remote pool.
	MemRequest struct {
		Addr uint64
		Data [cmn.DefFragmentBytes]byte
	}

	// MemResponse carries one fragment read from the remote pool.
	MemResponse struct {
		Data [cmn.DefFragmentBytes]byte
	}

	PureValueRequest  struct{ Value int64 }
	PureValueResponse struct{ Value int64 }

	ValueWithPathRequest struct {
		Value int64
		Path  string
	}

	RawResponse struct {
		Raw []byte
	}
)

func (m *MemRequest) Marshal(b []byte) int {
	binary.LittleEndian.PutUint64(b, m.Addr)
	copy(b[8:], m.Data[:])
	return MemRequestSize
}

func (m *MemRequest) Unmarshal(b []byte) error {
	if len(b) < MemRequestSize {
		return fmt.Errorf("rpc: short MemRequest: %d bytes", len(b))
	}
	m.Addr = binary.LittleEndian.Uint64(b)
	copy(m.Data[:], b[8:MemRequestSize])
	return nil
}

func (m *MemResponse) Marshal(b []byte) int {
	copy(b, m.Data[:])
	return MemResponseSize
}

func (m *MemResponse) Unmarshal(b []byte) error {
	if len(b) < MemResponseSize {
		return fmt.Errorf("rpc: short MemResponse: %d bytes", len(b))
	}
	copy(m.Data[:], b[:MemResponseSize])
	return nil
}

func (m *PureValueRequest) Marshal(b []byte) int {
	binary.LittleEndian.PutUint64(b, uint64(m.Value))
	return PureValueSize
}

func (m *PureValueRequest) Unmarshal(b []byte) error {
	if len(b) < PureValueSize {
		return fmt.Errorf("rpc: short PureValueRequest: %d bytes", len(b))
	}
	m.Value = int64(binary.LittleEndian.Uint64(b))
	return nil
}

func (m *PureValueResponse) Marshal(b []byte) int {
	binary.LittleEndian.PutUint64(b, uint64(m.Value))
	return PureValueSize
}

func (m *PureValueResponse) Unmarshal(b []byte) error {
	if len(b) < PureValueSize {
		return fmt.Errorf("rpc: short PureValueResponse: %d bytes", len(b))
	}
	m.Value = int64(binary.LittleEndian.Uint64(b))
	return nil
}

func (m *ValueWithPathRequest) Marshal(b []byte) int {
	if len(m.Path) > MaxPathLen {
		m.Path = m.Path[:MaxPathLen]
	}
	binary.LittleEndian.PutUint64(b, uint64(m.Value))
	binary.LittleEndian.PutUint32(b[8:], uint32(len(m.Path)))
	n := copy(b[12:12+MaxPathLen+1], m.Path)
	for i := 12 + n; i < ValueWithPathRequestSize; i++ {
		b[i] = 0
	}
	return ValueWithPathRequestSize
}

func (m *ValueWithPathRequest) Unmarshal(b []byte) error {
	if len(b) < ValueWithPathRequestSize {
		return fmt.Errorf("rpc: short ValueWithPathRequest: %d bytes", len(b))
	}
	m.Value = int64(binary.LittleEndian.Uint64(b))
	l := binary.LittleEndian.Uint32(b[8:])
	if l > MaxPathLen {
		return fmt.Errorf("rpc: path length %d exceeds %d", l, MaxPathLen)
	}
	m.Path = string(b[12 : 12+l])
	return nil
}

func (m *RawResponse) Marshal(b []byte) int {
	raw := m.Raw
	if len(raw) > RawCap {
		raw = raw[:RawCap]
	}
	binary.LittleEndian.PutUint32(b, uint32(len(raw)))
	copy(b[4:], raw)
	return 4 + len(raw)
}

func (m *RawResponse) Unmarshal(b []byte) error {
	if len(b) < 4 {
		return fmt.Errorf("rpc: short RawResponse: %d bytes", len(b))
	}
	l := binary.LittleEndian.Uint32(b)
	if l > RawCap || int(l) > len(b)-4 {
		return fmt.Errorf("rpc: bad RawResponse length %d", l)
	}
	m.Raw = append(m.Raw[:0], b[4:4+l]...)
	return nil
}

func putEnvelope(b []byte, op Op, slot uint32, resp bool) {
	v := uint32(op)
	if resp {
		v |= respFlag
	}
	binary.LittleEndian.PutUint32(b, v)
	binary.LittleEndian.PutUint32(b[4:], slot)
}

func getEnvelope(b []byte) (op Op, slot uint32, resp bool, err error) {
	if len(b) < envSize {
		return 0, 0, false, fmt.Errorf("rpc: short envelope: %d bytes", len(b))
	}
	v := binary.LittleEndian.Uint32(b)
	return Op(v &^ respFlag), binary.LittleEndian.Uint32(b[4:]), v&respFlag != 0, nil
}
