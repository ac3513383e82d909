// Package main drives read/write load against a pmstore cluster node
/*
 * Copyright (c) 2020, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"fmt"
	"math/rand"
	"os"
	"sync"

	"github.com/NVIDIA/pmstore/cluster"
	"github.com/NVIDIA/pmstore/cmn"
	"github.com/NVIDIA/pmstore/ecal"
	"github.com/NVIDIA/pmstore/pmem"
	"github.com/NVIDIA/pmstore/transport"
	"github.com/golang/glog"
	"github.com/urfave/cli"
	"github.com/vbauerster/mpb/v4"
	"github.com/vbauerster/mpb/v4/decor"
	"golang.org/x/sync/errgroup"
)

func main() {
	app := cli.NewApp()
	app.Name = "pmbench"
	app.Usage = "write/read-verify load generator for the ECAL engine"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "config", Value: "pmstore.json", Usage: "node-local config file"},
		cli.IntFlag{Name: "id", Value: -1, Usage: "node id override (default: resolve by hostname)"},
		cli.Uint64Flag{Name: "pages", Value: 1024, Usage: "number of pages to exercise"},
		cli.IntFlag{Name: "workers", Value: 4, Usage: "concurrent workers"},
		cli.BoolFlag{Name: "verify", Usage: "read back and compare every page"},
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

	size, err := conf.PMem.SizeBytes()
	if err != nil {
		return err
	}
	region, err := pmem.OpenRegion(conf.PMem.Device, size)
	if err != nil {
		return err
	}
	defer region.Close()
	pool, err := pmem.NewPool(region, cmn.BlockBytes/conf.EC.DataSlices)
	if err != nil {
		return err
	}

	deg := ecal.NewDegradedState(cmn.WriteLogCap)
	sock, err := transport.NewSocket(&transport.Args{
		Smap:         smap,
		Region:       region,
		Port:         conf.Net.DataPort,
		OnDisconnect: deg.ObserveDisconnect,
	})
	if err != nil {
		return err
	}
	defer sock.Shutdown()

	engine, err := ecal.New(&ecal.Args{
		Smap:         smap,
		Pool:         pool,
		RMT:          sock,
		Deg:          deg,
		DataSlices:   conf.EC.DataSlices,
		ParitySlices: conf.EC.ParitySlices,
	})
	if err != nil {
		return err
	}

	pages := c.Uint64("pages")
	if pages > engine.Capacity() {
		pages = engine.Capacity()
	}
	workers := c.Int("workers")
	verify := c.Bool("verify")

	progress := mpb.New()
	bar := progress.AddBar(int64(pages),
		mpb.PrependDecorators(decor.Name("pages"), decor.CountersNoUnit(" %d/%d")),
		mpb.AppendDecorators(decor.Percentage()),
	)

	// the per-peer scratch regions are single-slot, so engine calls are
	// serialized; workers overlap only payload generation
	var engineMu sync.Mutex
	group := errgroup.Group{}
	chunk := (pages + uint64(workers) - 1) / uint64(workers)
	for w := 0; w < workers; w++ {
		lo := uint64(w) * chunk
		hi := lo + chunk
		if hi > pages {
			hi = pages
		}
		if lo >= hi {
			break
		}
		seed := int64(w)
		group.Go(func() error {
			var (
				rnd  = rand.New(rand.NewSource(seed))
				page ecal.Page
				out  ecal.Page
			)
			for idx := lo; idx < hi; idx++ {
				page.Index = idx
				rnd.Read(page.Data[:])
				engineMu.Lock()
				err := engine.WriteBlock(&page)
				if err == nil && verify {
					if err = engine.ReadBlock(idx, &out); err == nil && out.Data != page.Data {
						err = fmt.Errorf("page %d: read-back mismatch", idx)
					}
				}
				engineMu.Unlock()
				if err != nil {
					return fmt.Errorf("page %d: %w", idx, err)
				}
				bar.Increment()
			}
			return nil
		})
	}
	err = group.Wait()
	progress.Wait()
	if err != nil {
		return err
	}
	fmt.Printf("done: %d pages, %d workers, verify=%t\n", pages, workers, verify)
	return nil
}
