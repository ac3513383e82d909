// Package cluster provides the immutable cluster map shared by all pmstore components
/*
 * Copyright (c) 2020, NVIDIA CORPORATION. All rights reserved.
 */
package cluster

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/NVIDIA/pmstore/cmn"
	"github.com/NVIDIA/pmstore/devtools/tutils/tassert"
)

func writeClusterFile(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "cluster.conf")
	tassert.CheckFatal(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadSmap(t *testing.T) {
	path := writeClusterFile(t, `
0 dms-host 10.0.0.1 10.1.0.1
1 fms-host 10.0.0.2 10.1.0.2
2 ds-host-a 10.0.0.3 10.1.0.3
3 ds-host-b 10.0.0.4 10.1.0.4
`)
	smap, err := LoadSmap(path)
	tassert.CheckFatal(t, err)
	tassert.Fatalf(t, smap.Len() == 4, "cluster size = %d, want 4", smap.Len())

	tassert.Fatalf(t, smap.Get(0).Role == cmn.RoleDMS, "node 0 role = %s", smap.Get(0).Role)
	tassert.Fatalf(t, smap.Get(1).Role == cmn.RoleFMS, "node 1 role = %s", smap.Get(1).Role)
	tassert.Fatalf(t, smap.Get(2).Role == cmn.RoleDataServer, "node 2 role = %s", smap.Get(2).Role)

	tassert.Fatalf(t, smap.ByHostname("ds-host-a").ID == 2, "lookup by hostname failed")
	tassert.Fatalf(t, smap.ByAddr("10.0.0.4").ID == 3, "lookup by primary address failed")
	tassert.Fatalf(t, smap.ByAddr("10.1.0.2").ID == 1, "lookup by transport address failed")
	tassert.Fatalf(t, smap.Get(9) == nil, "lookup of absent id must return nil")
	tassert.Fatalf(t, smap.ByHostname("nope") == nil, "lookup of absent hostname must return nil")

	tassert.CheckFatal(t, smap.SetSelf(2))
	tassert.Fatalf(t, smap.Myself().Hostname == "ds-host-a", "myself = %v", smap.Myself())
}

func TestLoadSmapDuplicateID(t *testing.T) {
	path := writeClusterFile(t, `
0 a 10.0.0.1 10.1.0.1
0 b 10.0.0.2 10.1.0.2
`)
	_, err := LoadSmap(path)
	tassert.Fatalf(t, err != nil && strings.Contains(err.Error(), "duplicate"),
		"expected duplicate-id error, got %v", err)
}

func TestLoadSmapTooManyNodes(t *testing.T) {
	var sb strings.Builder
	for i := 0; i <= cmn.MaxNodes; i++ {
		fmt.Fprintf(&sb, "%d host-%d 10.0.%d.1 10.1.%d.1\n", i, i, i, i)
	}
	_, err := LoadSmap(writeClusterFile(t, sb.String()))
	tassert.Fatalf(t, err != nil, "cluster with %d nodes must be rejected", cmn.MaxNodes+1)
}

func TestLoadSmapMalformed(t *testing.T) {
	_, err := LoadSmap(writeClusterFile(t, "zero host 10.0.0.1 10.1.0.1\n"))
	tassert.Fatalf(t, err != nil, "malformed line must be rejected")

	_, err = LoadSmap(writeClusterFile(t, ""))
	tassert.Fatalf(t, err != nil, "empty cluster file must be rejected")
}

func TestSetSelfUnknown(t *testing.T) {
	smap, err := LoadSmap(writeClusterFile(t, "0 a 10.0.0.1 10.1.0.1\n"))
	tassert.CheckFatal(t, err)
	tassert.Fatalf(t, smap.SetSelf(5) != nil, "SetSelf(5) must fail")
	tassert.Fatalf(t, smap.Myself() == nil, "Myself must be nil before SetSelf")
}
