// Package main runs a pmstore data-server node
/*
 * Copyright (c) 2020, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/NVIDIA/pmstore/cluster"
	"github.com/NVIDIA/pmstore/cmn"
	"github.com/NVIDIA/pmstore/ecal"
	"github.com/NVIDIA/pmstore/pmem"
	"github.com/NVIDIA/pmstore/rpc"
	"github.com/NVIDIA/pmstore/transport"
	"github.com/golang/glog"
	"github.com/urfave/cli"
)

func main() {
	app := cli.NewApp()
	app.Name = "pmnode"
	app.Usage = "erasure-coded persistent-memory block server"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "config", Value: "pmstore.json", Usage: "node-local config file"},
		cli.IntFlag{Name: "id", Value: -1, Usage: "node id override (default: resolve by hostname)"},
		cli.BoolFlag{Name: "use-rpc", Usage: "move fragments through the two-sided RPC envelope"},
	}
	app.Action = run
	if err := app.Run(os.Args); err != nil {
		glog.Errorf("%v", err)
		glog.Flush()
		os.Exit(1)
	}
	glog.Flush()
}

func run(c *cli.Context) error {
	conf, err := cmn.LoadConfig(c.String("config"))
	if err != nil {
		return err
	}
	smap, err := cluster.LoadSmap(conf.ClusterFile)
	if err != nil {
		return err
	}
	if id := c.Int("id"); id >= 0 {
		err = smap.SetSelf(id)
	} else {
		err = smap.ResolveSelf()
	}
	if err != nil {
		return err
	}
	self := smap.Myself()
	glog.Infof("starting %s", self)

	size, err := conf.PMem.SizeBytes()
	if err != nil {
		return err
	}
	region, err := pmem.OpenRegion(conf.PMem.Device, size)
	if err != nil {
		return err
	}
	defer region.Close()

	fragSize := cmn.BlockBytes / conf.EC.DataSlices
	pool, err := pmem.NewPool(region, fragSize)
	if err != nil {
		return err
	}

	deg := ecal.NewDegradedState(cmn.WriteLogCap)
	sock, err := transport.NewSocket(&transport.Args{
		Smap:         smap,
		Region:       region,
		Port:         conf.Net.DataPort,
		Recover:      conf.Recover,
		OnDisconnect: deg.ObserveDisconnect,
		OnWriteImm: func(peerID int, imm uint32) {
			if deg.Degraded() {
				if err := deg.RecordWrite(uint64(imm)); err != nil {
					glog.Errorf("peer %d wrote row %d while degraded: %v", peerID, imm, err)
				}
			}
		},
	})
	if err != nil {
		return err
	}
	defer sock.Shutdown()

	rpcIf := rpc.New(sock, self.ID, pool)
	defer rpcIf.Stop()

	engine, err := ecal.New(&ecal.Args{
		Smap:         smap,
		Pool:         pool,
		RMT:          sock,
		Deg:          deg,
		DataSlices:   conf.EC.DataSlices,
		ParitySlices: conf.EC.ParitySlices,
		UseRPC:       c.Bool("use-rpc"),
		RPC:          rpcIf,
	})
	if err != nil {
		return err
	}
	glog.Infof("serving %d pages", engine.Capacity())
	fmt.Printf("pmnode up: node %d, capacity %d pages\n", self.ID, engine.Capacity())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	glog.Infof("received %v, shutting down", sig)
	return nil
}
