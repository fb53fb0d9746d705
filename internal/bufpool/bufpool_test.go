// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bufpool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetReturnsEmptyBuffer(t *testing.T) {
	b := Get()
	b.WriteString(`{"id":"1","payload":"x"}`)
	Put(b)

	b2 := Get()
	assert.Zero(t, b2.Len())
	Put(b2)
}

func TestPutDiscardsOversizedBuffer(t *testing.T) {
	b := Get()
	b.Grow(maxPooledCap + 1)
	Put(b)
}

func TestPutNil(t *testing.T) {
	Put(nil)
}

func TestBufferIsWritable(t *testing.T) {
	b := Get()
	defer Put(b)

	n, err := b.WriteString("ndjson line\n")
	require.NoError(t, err)
	assert.Equal(t, 12, n)
	assert.Equal(t, "ndjson line\n", b.String())
}

func TestConcurrentGetPut(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b := Get()
			b.WriteString("batch body scratch")
			Put(b)
		}()
	}
	wg.Wait()
}
