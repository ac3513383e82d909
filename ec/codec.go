// Package ec implements the K+P Reed-Solomon codec used by the ECAL engine
/*
 * Copyright (c) 2020, NVIDIA CORPORATION. All rights reserved.
 */
package ec

import (
	"errors"
	"fmt"
	"sync"

	"github.com/NVIDIA/pmstore/cmn"
)

// The codec is stateless pure math: constructed once with (K, P, fragment
// size), it encodes P parity fragments from K data fragments and rebuilds
// missing data fragments from any K intact members of the stripe.

var (
	ErrInvalidSourceIDs = errors.New("ec: source fragment ids must be k distinct ids in [0, n)")
	ErrFragmentSize     = errors.New("ec: fragment size mismatch")
)

type Codec struct {
	k, p, n  int
	fragSize int

	// n*k Cauchy encode matrix: identity on top, parity generators below
	encodeMatrix []byte

	// decode matrices per present-id combination; there are only C(n, k)
	// of them, so they are computed once and kept
	dmtx   map[uint64][]byte
	dmtxMu sync.Mutex
}

// NewCodec validates the geometry and builds the encode matrix.
func NewCodec(k, p, fragSize int) (*Codec, error) {
	if k < cmn.MinSliceCount || k > cmn.MaxSliceCount ||
		p < cmn.MinSliceCount || p > cmn.MaxSliceCount {
		return nil, fmt.Errorf("ec: invalid geometry K=%d P=%d", k, p)
	}
	if fragSize <= 0 {
		return nil, fmt.Errorf("ec: invalid fragment size %d", fragSize)
	}
	c := &Codec{
		k:            k,
		p:            p,
		n:            k + p,
		fragSize:     fragSize,
		encodeMatrix: genCauchyMatrix(k+p, k),
		dmtx:         make(map[uint64][]byte),
	}
	return c, nil
}

func (c *Codec) K() int            { return c.k }
func (c *Codec) P() int            { return c.p }
func (c *Codec) N() int            { return c.n }
func (c *Codec) FragmentSize() int { return c.fragSize }

// EncodeParity computes the P parity fragments for the given K data
// fragments into parity, which the caller allocates.
func (c *Codec) EncodeParity(data, parity [][]byte) error {
	if len(data) != c.k || len(parity) != c.p {
		return fmt.Errorf("ec: expected %d data and %d parity fragments, got %d and %d",
			c.k, c.p, len(data), len(parity))
	}
	for _, f := range data {
		if len(f) != c.fragSize {
			return ErrFragmentSize
		}
	}
	for _, f := range parity {
		if len(f) != c.fragSize {
			return ErrFragmentSize
		}
	}
	encodeData(c.encodeMatrix[c.k*c.k:], c.k, data, parity)
	return nil
}

// Decode reconstructs the missing data fragments of a stripe. present lists
// the K fragment ids that are intact; frags holds all N fragment buffers,
// with the present slots filled and every missing data slot (id < K)
// allocated to receive reconstructed bytes. Parity slots are not rebuilt.
func (c *Codec) Decode(present []int, frags [][]byte) error {
	if len(frags) != c.n {
		return fmt.Errorf("ec: expected %d fragment slots, got %d", c.n, len(frags))
	}
	mask, err := c.presentMask(present)
	if err != nil {
		return err
	}
	for _, id := range present {
		if len(frags[id]) != c.fragSize {
			return ErrFragmentSize
		}
	}

	// canonicalize to ascending id order: the cached matrix and the source
	// arrangement must agree row for row
	ordered := make([]int, 0, c.k)
	for id := 0; id < c.n; id++ {
		if mask&(1<<uint(id)) != 0 {
			ordered = append(ordered, id)
		}
	}
	inverted, err := c.decodeMatrix(mask, ordered)
	if err != nil {
		return err
	}

	src := make([][]byte, c.k)
	for i, id := range ordered {
		src[i] = frags[id]
	}
	var (
		rows []byte
		out  [][]byte
	)
	for e := 0; e < c.k; e++ {
		if mask&(1<<uint(e)) != 0 {
			continue
		}
		if len(frags[e]) != c.fragSize {
			return ErrFragmentSize
		}
		rows = append(rows, inverted[e*c.k:e*c.k+c.k]...)
		out = append(out, frags[e])
	}
	if len(out) == 0 {
		return nil
	}
	encodeData(rows, c.k, src, out)
	return nil
}

func (c *Codec) presentMask(present []int) (uint64, error) {
	if len(present) != c.k {
		return 0, ErrInvalidSourceIDs
	}
	var mask uint64
	for _, id := range present {
		if id < 0 || id >= c.n || mask&(1<<uint(id)) != 0 {
			return 0, ErrInvalidSourceIDs
		}
		mask |= 1 << uint(id)
	}
	return mask, nil
}

// decodeMatrix returns the inverse of the encode-matrix rows selected by
// present, cached per combination.
func (c *Codec) decodeMatrix(mask uint64, present []int) ([]byte, error) {
	c.dmtxMu.Lock()
	defer c.dmtxMu.Unlock()
	if m, ok := c.dmtx[mask]; ok {
		return m, nil
	}
	var (
		b        = make([]byte, c.k*c.k)
		inverted = make([]byte, c.k*c.k)
	)
	for i, id := range present {
		copy(b[c.k*i:], c.encodeMatrix[c.k*id:c.k*id+c.k])
	}
	if err := gfInvertMatrix(b, inverted, c.k); err != nil {
		return nil, err
	}
	c.dmtx[mask] = inverted
	return inverted, nil
}
