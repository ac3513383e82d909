// Package cmn provides common low-level types and utilities for all pmstore projects
/*
 * Copyright (c) 2020, NVIDIA CORPORATION. All rights reserved.
 */
package cmn

import (
	"errors"
	"fmt"
	"os"

	"github.com/docker/go-units"
	jsoniter "github.com/json-iterator/go"
)

type (
	Validator interface {
		Validate() error
	}

	// Config is the node-local configuration, loaded once at startup and
	// treated as immutable afterwards. Cluster membership lives in the
	// separate plain-text cluster file (see package cluster).
	Config struct {
		ClusterFile string   `json:"cluster_file"`
		LogDir      string   `json:"log_dir"`
		Net         NetConf  `json:"net"`
		PMem        PMemConf `json:"pmem"`
		EC          ECConf   `json:"ec"`
		Recover     bool     `json:"recover"`
	}

	NetConf struct {
		DataPort int `json:"data_port"` // transport listener
		RPCPort  int `json:"rpc_port"`  // reserved for the metadata plane
	}

	PMemConf struct {
		// Device is the PM device or backing file to mmap; empty selects an
		// anonymous (volatile) mapping, which is only useful for testing.
		Device string `json:"device"`
		// Size is a human-readable region size ("4GiB", "512MiB").
		Size string `json:"size"`
	}

	ECConf struct {
		DataSlices   int `json:"data_slices"`
		ParitySlices int `json:"parity_slices"`
	}
)

var jsonConf = jsoniter.Config{EscapeHTML: false, SortMapKeys: true}.Froze()

// LoadConfig reads and validates the node-local configuration.
func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %q: %w", path, err)
	}
	conf := &Config{}
	if err := jsonConf.Unmarshal(b, conf); err != nil {
		return nil, fmt.Errorf("failed to parse config %q: %w", path, err)
	}
	if conf.EC.DataSlices == 0 {
		conf.EC.DataSlices = DefDataSlices
	}
	if conf.EC.ParitySlices == 0 {
		conf.EC.ParitySlices = DefParitySlices
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// SaveConfig writes the configuration back, pretty-printed.
func SaveConfig(path string, conf *Config) error {
	b, err := jsonConf.MarshalIndent(conf, "", "    ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

func (c *Config) Validate() error {
	if c.ClusterFile == "" {
		return errors.New("cluster_file is not set")
	}
	for _, v := range []Validator{&c.Net, &c.PMem, &c.EC} {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (c *NetConf) Validate() error {
	if c.DataPort <= 0 || c.DataPort > 65535 {
		return fmt.Errorf("invalid data_port: %d", c.DataPort)
	}
	if c.RPCPort < 0 || c.RPCPort > 65535 {
		return fmt.Errorf("invalid rpc_port: %d", c.RPCPort)
	}
	return nil
}

func (c *PMemConf) Validate() error {
	_, err := c.SizeBytes()
	return err
}

// SizeBytes parses the configured region size.
func (c *PMemConf) SizeBytes() (int64, error) {
	if c.Size == "" {
		return 0, errors.New("pmem.size is not set")
	}
	n, err := units.RAMInBytes(c.Size)
	if err != nil {
		return 0, fmt.Errorf("invalid pmem.size %q: %w", c.Size, err)
	}
	if n <= 0 || n%BlockBytes != 0 {
		return 0, fmt.Errorf("pmem.size %q must be a positive multiple of %d", c.Size, BlockBytes)
	}
	return n, nil
}

func (c *ECConf) Validate() error {
	if c.DataSlices < MinSliceCount || c.DataSlices > MaxSliceCount {
		return fmt.Errorf("invalid ec.data_slices: %d (expected %d..%d)",
			c.DataSlices, MinSliceCount, MaxSliceCount)
	}
	if c.ParitySlices < MinSliceCount || c.ParitySlices > MaxSliceCount {
		return fmt.Errorf("invalid ec.parity_slices: %d (expected %d..%d)",
			c.ParitySlices, MinSliceCount, MaxSliceCount)
	}
	if BlockBytes%c.DataSlices != 0 {
		return fmt.Errorf("ec.data_slices %d does not divide the page size %d", c.DataSlices, BlockBytes)
	}
	return nil
}
