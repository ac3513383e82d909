// Package ecal implements the erasure-coded abstraction layer: page reads
// and writes striped across the cluster's persistent-memory pools
/*
 * Copyright (c) 2020, NVIDIA CORPORATION. All rights reserved.
 */
package ecal

import (
	"fmt"

	"github.com/NVIDIA/pmstore/rpc"
)

// The fallback data path moves fragments through the two-sided MEMREAD /
// MEMWRITE envelope instead of one-sided operations. It exists for fabrics
// where one-sided verbs are unavailable and is selected per engine.

// RPCCaller is the slice of the RPC interface the fallback consumes.
type RPCCaller interface {
	Call(peerID int, op rpc.Op, req rpc.Marshaler, resp rpc.Unmarshaler) error
}

// readFragmentRPC fetches one remote fragment through MEMREAD.
func (e *ECAL) readFragmentRPC(peer int, shift uint64, dst []byte) error {
	var (
		req  = rpc.PureValueRequest{Value: int64(shift)}
		resp rpc.MemResponse
	)
	if err := e.rpc.Call(peer, rpc.OpMemRead, &req, &resp); err != nil {
		return fmt.Errorf("ecal: MEMREAD from peer %d failed: %w", peer, err)
	}
	copy(dst, resp.Data[:len(dst)])
	return nil
}

// writeFragmentRPC places one remote fragment through MEMWRITE.
func (e *ECAL) writeFragmentRPC(peer int, shift uint64, frag []byte) error {
	var (
		req  = rpc.MemRequest{Addr: shift}
		resp rpc.PureValueResponse
	)
	copy(req.Data[:], frag)
	if err := e.rpc.Call(peer, rpc.OpMemWrite, &req, &resp); err != nil {
		return fmt.Errorf("ecal: MEMWRITE to peer %d failed: %w", peer, err)
	}
	if resp.Value != 0 {
		return fmt.Errorf("ecal: MEMWRITE to peer %d refused: %d", peer, resp.Value)
	}
	return nil
}
