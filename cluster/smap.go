// Package cluster provides the immutable cluster map shared by all pmstore components
/*
 * Copyright (c) 2020, NVIDIA CORPORATION. All rights reserved.
 */
package cluster

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/NVIDIA/pmstore/cmn"
	"github.com/golang/glog"
)

type (
	// Snode describes one cluster node. Instances are created by LoadSmap
	// and never mutated afterwards.
	Snode struct {
		ID          int
		Hostname    string
		PrimaryAddr string // management network
		DataAddr    string // transport (IB device) network
		Role        string
	}

	// Smap is the immutable in-process view of the cluster: node identities,
	// roles, network addresses, and the identity of the local node.
	Smap struct {
		nodes  [cmn.MaxNodes]*Snode
		byHost map[string]int
		byAddr map[string]int
		count  int
		self   int
	}
)

func (n *Snode) String() string {
	return fmt.Sprintf("node[%d %s %s]", n.ID, n.Hostname, n.Role)
}

// IsServer is true for metadata servers and data servers, false for clients.
func (n *Snode) IsServer() bool { return n.Role != cmn.RoleClient }

// LoadSmap parses the whitespace-delimited cluster file, one node per line:
//
//	<id> <hostname> <primary-ip> <transport-ip>
//
// Roles are positional: node 0 is the directory metadata server, node 1 the
// file metadata server, the rest are data servers. Duplicate ids, ids out of
// [0, MaxNodes), and oversized clusters are configuration errors.
func LoadSmap(path string) (*Smap, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot open cluster file %q: %w", path, err)
	}
	defer fh.Close()

	smap := &Smap{
		byHost: make(map[string]int),
		byAddr: make(map[string]int),
		self:   -1,
	}
	scanner := bufio.NewScanner(fh)
	for lineno := 1; scanner.Scan(); lineno++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		var (
			id                       int
			hostname, primary, cdata string
		)
		if _, err := fmt.Sscan(line, &id, &hostname, &primary, &cdata); err != nil {
			return nil, fmt.Errorf("%s:%d: malformed node line: %w", path, lineno, err)
		}
		if id < 0 || id >= cmn.MaxNodes {
			return nil, fmt.Errorf("%s:%d: node id %d out of range [0, %d)", path, lineno, id, cmn.MaxNodes)
		}
		if smap.nodes[id] != nil {
			return nil, fmt.Errorf("%s:%d: duplicate node id %d", path, lineno, id)
		}
		if smap.count >= cmn.MaxNodes {
			return nil, fmt.Errorf("%s: more than %d nodes", path, cmn.MaxNodes)
		}
		node := &Snode{ID: id, Hostname: hostname, PrimaryAddr: primary, DataAddr: cdata}
		switch id {
		case 0:
			node.Role = cmn.RoleDMS
		case 1:
			node.Role = cmn.RoleFMS
		default:
			node.Role = cmn.RoleDataServer
		}
		smap.nodes[id] = node
		smap.byHost[hostname] = id
		smap.byAddr[primary] = id
		smap.byAddr[cdata] = id
		smap.count++
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if smap.count == 0 {
		return nil, fmt.Errorf("cluster file %q lists no nodes", path)
	}
	glog.Infof("loaded cluster map: %d nodes", smap.count)
	return smap, nil
}

// Len returns the cluster size.
func (m *Smap) Len() int { return m.count }

// Get returns the node with the given id, or nil.
func (m *Smap) Get(id int) *Snode {
	if id < 0 || id >= cmn.MaxNodes {
		return nil
	}
	return m.nodes[id]
}

// ByHostname returns the node with the given hostname, or nil.
func (m *Smap) ByHostname(hostname string) *Snode {
	if id, ok := m.byHost[hostname]; ok {
		return m.nodes[id]
	}
	return nil
}

// ByAddr returns the node with the given primary or transport address, or nil.
func (m *Smap) ByAddr(addr string) *Snode {
	if id, ok := m.byAddr[addr]; ok {
		return m.nodes[id]
	}
	return nil
}

// SetSelf pins the local node's identity. It must be called exactly once,
// before Myself.
func (m *Smap) SetSelf(id int) error {
	if m.Get(id) == nil {
		return fmt.Errorf("cannot find configuration of node %d", id)
	}
	m.self = id
	return nil
}

// ResolveSelf locates the local node by hostname and pins it.
func (m *Smap) ResolveSelf() error {
	hostname, err := os.Hostname()
	if err != nil {
		return err
	}
	node := m.ByHostname(hostname)
	if node == nil {
		return fmt.Errorf("cannot find configuration of this node (hostname %q)", hostname)
	}
	m.self = node.ID
	return nil
}

// Myself returns the local node.
func (m *Smap) Myself() *Snode {
	if m.self < 0 {
		return nil
	}
	return m.nodes[m.self]
}
