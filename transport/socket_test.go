// Package transport provides one-sided remote memory operations and
// two-sided datagrams between pmstore cluster peers
/*
 * Copyright (c) 2020, NVIDIA CORPORATION. All rights reserved.
 */
package transport

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/NVIDIA/pmstore/cluster"
	"github.com/NVIDIA/pmstore/cmn"
	"github.com/NVIDIA/pmstore/devtools/tutils/tassert"
	"github.com/NVIDIA/pmstore/pmem"
)

// twoNodeCluster brings up both endpoints of a 2-node cluster inside this
// process, each with its own registered region.
func twoNodeCluster(t *testing.T, basePort int, args0, args1 *Args) (*Socket, *Socket) {
	path := filepath.Join(t.TempDir(), "cluster.conf")
	content := fmt.Sprintf("0 node-a 127.0.0.1 127.0.0.1:%d\n1 node-b 127.0.0.1 127.0.0.1:%d\n",
		basePort, basePort+1)
	tassert.CheckFatal(t, os.WriteFile(path, []byte(content), 0o644))

	socks := make([]*Socket, 2)
	errCh := make(chan error, 2)
	for i, args := range []*Args{args0, args1} {
		smap, err := cluster.LoadSmap(path)
		tassert.CheckFatal(t, err)
		tassert.CheckFatal(t, smap.SetSelf(i))
		args.Smap = smap

		region, err := pmem.OpenRegion("", 64*cmn.KiB)
		tassert.CheckFatal(t, err)
		t.Cleanup(func() { region.Close() })
		args.Region = region

		go func(i int, args *Args) {
			sock, err := NewSocket(args)
			socks[i] = sock
			errCh <- err
		}(i, args)
	}
	for i := 0; i < 2; i++ {
		tassert.CheckFatal(t, <-errCh)
	}
	t.Cleanup(func() {
		socks[0].Shutdown()
		socks[1].Shutdown()
	})
	return socks[0], socks[1]
}

func TestSocketOneSidedWriteRead(t *testing.T) {
	s0, s1 := twoNodeCluster(t, 29380, &Args{}, &Args{})

	tassert.Fatalf(t, s0.IsAlive(1) && s1.IsAlive(0), "peers must be alive after bring-up")
	tassert.Fatalf(t, s0.IsAlive(0), "a node is always alive to itself")

	// one-sided write into peer 1's region at offset 8192
	const shift = 8192
	wr := s0.WriteRegion(1)[:2048]
	for i := range wr {
		wr[i] = byte(i % 251)
	}
	tassert.CheckFatal(t, s0.PostWrite(1, shift, wr, -1))

	var wcs [1]Completion
	n := s0.PollSend(wcs[:])
	tassert.Fatalf(t, n == 1, "PollSend = %d", n)
	tassert.Fatalf(t, wcs[0].Status == StatusSuccess && wcs[0].Opcode == OpWrite,
		"write completion = %+v", wcs[0])
	tassert.BytesEqual(t, s1.region.Bytes()[shift:shift+2048], wr, "remote region")

	// one-sided read of the same bytes back through peer 0's read region
	rd := s0.ReadRegion(1)[:2048]
	tassert.CheckFatal(t, s0.PostRead(1, shift, rd, 5))
	n = s0.PollSend(wcs[:])
	tassert.Fatalf(t, n == 1, "PollSend = %d", n)
	tassert.Fatalf(t, wcs[0].Opcode == OpRead && WRIDTask(wcs[0].WRID) == 5 && WRIDPeer(wcs[0].WRID) == 1,
		"read completion = %+v", wcs[0])
	tassert.BytesEqual(t, rd, wr, "read-back")
}

func TestSocketSendRecv(t *testing.T) {
	s0, s1 := twoNodeCluster(t, 29384, &Args{}, &Args{})

	msg := []byte("hello from node 0")
	copy(s0.SendRegion(1), msg)
	tassert.CheckFatal(t, s0.PostSend(1, len(msg)))

	var wcs [1]Completion
	n := s1.PollRecv(wcs[:])
	tassert.Fatalf(t, n == 1, "PollRecv = %d", n)
	wc := wcs[0]
	tassert.Fatalf(t, wc.Opcode == OpRecv && wc.Imm == 0, "recv completion = %+v", wc)
	tassert.Fatalf(t, int(wc.Len) == len(msg), "recv length = %d", wc.Len)
	tassert.BytesEqual(t, s1.RecvRegion(0)[:wc.Len], msg, "recv region")
}

func TestSocketWriteWithImmediate(t *testing.T) {
	var (
		gotPeer = make(chan int, 1)
		gotImm  = make(chan uint32, 1)
	)
	s0, s1 := twoNodeCluster(t, 29388, &Args{}, &Args{
		OnWriteImm: func(peerID int, imm uint32) {
			gotPeer <- peerID
			gotImm <- imm
		},
	})

	wr := s0.WriteRegion(1)[:128]
	tassert.CheckFatal(t, s0.PostWrite(1, 0, wr, 1234))
	var wcs [1]Completion
	tassert.Fatalf(t, s0.PollSend(wcs[:]) == 1, "write completion missing")

	// a plain send afterwards gives PollRecv something to return once the
	// immediate has been observed and skipped
	copy(s0.SendRegion(1), "x")
	tassert.CheckFatal(t, s0.PostSend(1, 1))
	n := s1.PollRecv(wcs[:])
	tassert.Fatalf(t, n == 1 && wcs[0].Opcode == OpRecv, "completion = %+v", wcs[0])

	tassert.Fatalf(t, <-gotPeer == 0, "immediate attributed to wrong peer")
	tassert.Fatalf(t, <-gotImm == 1234, "immediate value lost")
}

func TestSocketDisconnectDegrades(t *testing.T) {
	lost := make(chan int, 1)
	s0, s1 := twoNodeCluster(t, 29392, &Args{
		OnDisconnect: func(peerID int) { lost <- peerID },
	}, &Args{})

	s1.Shutdown()
	tassert.Fatalf(t, <-lost == 1, "disconnect observer not called for peer 1")
	tassert.Fatalf(t, !s0.IsAlive(1), "peer 1 still alive after disconnect")

	err := s0.PostWrite(1, 0, s0.WriteRegion(1)[:16], -1)
	tassert.Fatalf(t, err == ErrPeerDead, "write to dead peer: %v", err)
}

func TestSocketPostAfterShutdown(t *testing.T) {
	s0, _ := twoNodeCluster(t, 29396, &Args{}, &Args{})
	s0.Shutdown()
	tassert.Fatalf(t, s0.PostSend(1, 8) == ErrShutdown, "send after shutdown must fail")
	var wcs [1]Completion
	tassert.Fatalf(t, s0.PollSend(wcs[:]) == 0, "poll after shutdown must return 0")
}
