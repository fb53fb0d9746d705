// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package bufpool pools the scratch buffers used to assemble batch
// bodies. Batch sizes are bursty, so buffers that grew past the cap are
// dropped instead of pinning their memory in the pool.
package bufpool

import (
	"bytes"
	"sync"
)

// maxPooledCap is sized for a typical NDJSON batch body; anything
// larger came from an unusually big batch and is not worth keeping.
const maxPooledCap = 256 * 1024

var pool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

// Get returns an empty buffer from the pool.
func Get() *bytes.Buffer {
	b := pool.Get().(*bytes.Buffer)
	b.Reset()
	return b
}

// Put returns a buffer to the pool unless it grew past the cap.
func Put(b *bytes.Buffer) {
	if b == nil || b.Cap() > maxPooledCap {
		return
	}
	pool.Put(b)
}
