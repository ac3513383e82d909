// Package rpc provides the two-sided request/response envelope spoken
// between pmstore nodes and the metadata plane
/*
 * Copyright (c) 2020, NVIDIA CORPORATION. All rights reserved.
 */
package rpc

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/NVIDIA/pmstore/cluster"
	"github.com/NVIDIA/pmstore/cmn"
	"github.com/NVIDIA/pmstore/devtools/tutils/tassert"
	"github.com/NVIDIA/pmstore/pmem"
	"github.com/NVIDIA/pmstore/transport"
)

func TestEnvelope(t *testing.T) {
	var b [envSize]byte
	putEnvelope(b[:], OpMemWrite, 13, false)
	op, slot, isResp, err := getEnvelope(b[:])
	tassert.CheckFatal(t, err)
	tassert.Fatalf(t, op == OpMemWrite && slot == 13 && !isResp, "envelope = %v %d %t", op, slot, isResp)

	putEnvelope(b[:], OpMemRead, 31, true)
	op, slot, isResp, err = getEnvelope(b[:])
	tassert.CheckFatal(t, err)
	tassert.Fatalf(t, op == OpMemRead && slot == 31 && isResp, "envelope = %v %d %t", op, slot, isResp)

	if _, _, _, err := getEnvelope(b[:4]); err == nil {
		t.Error("short envelope accepted")
	}
}

func TestMemMessages(t *testing.T) {
	req := MemRequest{Addr: 0x2000}
	for i := range req.Data {
		req.Data[i] = byte(i)
	}
	buf := make([]byte, MemRequestSize)
	n := req.Marshal(buf)
	tassert.Fatalf(t, n == MemRequestSize, "marshal wrote %d bytes", n)

	var out MemRequest
	tassert.CheckFatal(t, out.Unmarshal(buf))
	tassert.Fatalf(t, out.Addr == req.Addr, "addr = %#x", out.Addr)
	tassert.BytesEqual(t, out.Data[:], req.Data[:], "fragment")

	if err := out.Unmarshal(buf[:100]); err == nil {
		t.Error("short MemRequest accepted")
	}
}

func TestValueWithPath(t *testing.T) {
	in := ValueWithPathRequest{Value: -7, Path: "/a/b/c"}
	buf := make([]byte, ValueWithPathRequestSize)
	in.Marshal(buf)

	var out ValueWithPathRequest
	tassert.CheckFatal(t, out.Unmarshal(buf))
	tassert.Fatalf(t, out.Value == -7 && out.Path == "/a/b/c", "round trip: %+v", out)
}

// rpcPair brings up a 2-node cluster with an RPC interface on each side.
func rpcPair(t *testing.T, basePort int) (*Interface, *Interface, *pmem.Pool) {
	path := filepath.Join(t.TempDir(), "cluster.conf")
	content := fmt.Sprintf("0 node-a 127.0.0.1 127.0.0.1:%d\n1 node-b 127.0.0.1 127.0.0.1:%d\n",
		basePort, basePort+1)
	tassert.CheckFatal(t, os.WriteFile(path, []byte(content), 0o644))

	var (
		socks = make([]*transport.Socket, 2)
		pools = make([]*pmem.Pool, 2)
		errCh = make(chan error, 2)
	)
	for i := 0; i < 2; i++ {
		smap, err := cluster.LoadSmap(path)
		tassert.CheckFatal(t, err)
		tassert.CheckFatal(t, smap.SetSelf(i))

		region, err := pmem.OpenRegion("", 64*cmn.KiB)
		tassert.CheckFatal(t, err)
		t.Cleanup(func() { region.Close() })
		pools[i], err = pmem.NewPool(region, cmn.DefFragmentBytes)
		tassert.CheckFatal(t, err)

		go func(i int, smap *cluster.Smap, region *pmem.Region) {
			sock, err := transport.NewSocket(&transport.Args{Smap: smap, Region: region})
			socks[i] = sock
			errCh <- err
		}(i, smap, region)
	}
	for i := 0; i < 2; i++ {
		tassert.CheckFatal(t, <-errCh)
	}

	if0 := New(socks[0], 0, pools[0])
	if1 := New(socks[1], 1, pools[1])
	t.Cleanup(func() {
		socks[0].Shutdown()
		socks[1].Shutdown()
		if0.Stop()
		if1.Stop()
	})
	return if0, if1, pools[1]
}

func TestMemReadWriteRoundTrip(t *testing.T) {
	if0, _, pool1 := rpcPair(t, 29420)

	// MEMWRITE a fragment into node 1's pool at row 3
	var req MemRequest
	req.Addr = pool1.OffsetOf(3)
	for i := range req.Data {
		req.Data[i] = byte(255 - i%256)
	}
	var vresp PureValueResponse
	tassert.CheckFatal(t, if0.Call(1, OpMemWrite, &req, &vresp))
	tassert.Fatalf(t, vresp.Value == 0, "MEMWRITE response = %d", vresp.Value)
	tassert.BytesEqual(t, pool1.At(3), req.Data[:], "remote pool row 3")

	// MEMREAD it back
	var resp MemResponse
	tassert.CheckFatal(t, if0.Call(1, OpMemRead, &PureValueRequest{Value: int64(req.Addr)}, &resp))
	tassert.BytesEqual(t, resp.Data[:], req.Data[:], "MEMREAD payload")
}

func TestConnectHandshake(t *testing.T) {
	if0, _, _ := rpcPair(t, 29424)
	var resp PureValueResponse
	tassert.CheckFatal(t, if0.Call(1, OpConnect, &PureValueRequest{Value: 0}, &resp))
	tassert.Fatalf(t, resp.Value == 1, "CONNECT answered by node %d, want 1", resp.Value)
}

func TestMetadataOpRefused(t *testing.T) {
	if0, _, _ := rpcPair(t, 29428)
	var resp PureValueResponse
	tassert.CheckFatal(t, if0.Call(1, OpMkdir, &PureValueRequest{Value: 0}, &resp))
	tassert.Fatalf(t, resp.Value == -1, "MKDIR on a data server must be refused, got %d", resp.Value)
}
