// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package writer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/absmach/fluxlog/core"
	"github.com/absmach/fluxlog/destination"
)

func msgsOf(payloads ...string) []*core.Message {
	out := make([]*core.Message, 0, len(payloads))
	for _, p := range payloads {
		out = append(out, core.NewMessageString(p))
	}
	return out
}

func payloadsOf(batch []*core.Message) []string {
	out := make([]string, 0, len(batch))
	for _, m := range batch {
		out = append(out, string(m.Payload))
	}
	return out
}

func TestSplitBatches_Empty(t *testing.T) {
	batches, oversize := splitBatches(nil, destination.Limits{MaxBatchCount: 10})
	assert.Empty(t, batches)
	assert.Empty(t, oversize)
}

func TestSplitBatches_SingleBatchWithinLimits(t *testing.T) {
	limits := destination.Limits{MaxBatchCount: 10, MaxBatchBytes: 100, MaxMessageBytes: 50}
	batches, oversize := splitBatches(msgsOf("a", "b", "c"), limits)

	require.Len(t, batches, 1)
	assert.Equal(t, []string{"a", "b", "c"}, payloadsOf(batches[0]))
	assert.Empty(t, oversize)
}

func TestSplitBatches_CountLimit(t *testing.T) {
	limits := destination.Limits{MaxBatchCount: 2}
	batches, oversize := splitBatches(msgsOf("a", "b", "c", "d", "e"), limits)

	require.Len(t, batches, 3)
	assert.Equal(t, []string{"a", "b"}, payloadsOf(batches[0]))
	assert.Equal(t, []string{"c", "d"}, payloadsOf(batches[1]))
	assert.Equal(t, []string{"e"}, payloadsOf(batches[2]))
	assert.Empty(t, oversize)
}

func TestSplitBatches_ByteLimit(t *testing.T) {
	limits := destination.Limits{MaxBatchBytes: 10}
	batches, oversize := splitBatches(msgsOf("aaaa", "bbbb", "cccc"), limits)

	require.Len(t, batches, 2)
	assert.Equal(t, []string{"aaaa", "bbbb"}, payloadsOf(batches[0]))
	assert.Equal(t, []string{"cccc"}, payloadsOf(batches[1]))
	assert.Empty(t, oversize)

	for _, b := range batches {
		assert.LessOrEqual(t, core.TotalSize(b), 10)
	}
}

func TestSplitBatches_OrderPreservedAcrossSplits(t *testing.T) {
	limits := destination.Limits{MaxBatchCount: 3}
	in := msgsOf("1", "2", "3", "4", "5", "6", "7")
	batches, _ := splitBatches(in, limits)

	var flat []string
	for _, b := range batches {
		flat = append(flat, payloadsOf(b)...)
	}
	assert.Equal(t, []string{"1", "2", "3", "4", "5", "6", "7"}, flat)
}

func TestSplitBatches_OversizeByMessageLimit(t *testing.T) {
	limits := destination.Limits{MaxBatchCount: 10, MaxMessageBytes: 5}
	batches, oversize := splitBatches(msgsOf("fits", "does not fit", "ok"), limits)

	require.Len(t, batches, 1)
	assert.Equal(t, []string{"fits", "ok"}, payloadsOf(batches[0]))
	require.Len(t, oversize, 1)
	assert.Equal(t, "does not fit", string(oversize[0].Payload))
}

// A message larger than the whole batch byte budget can never be sent
// even when no per-message limit is set.
func TestSplitBatches_OversizeByBatchBytes(t *testing.T) {
	limits := destination.Limits{MaxBatchBytes: 8}
	big := strings.Repeat("x", 9)
	batches, oversize := splitBatches(msgsOf("a", big, "b"), limits)

	require.Len(t, batches, 1)
	assert.Equal(t, []string{"a", "b"}, payloadsOf(batches[0]))
	require.Len(t, oversize, 1)
}

// The effective per-message cap is the tighter of the two byte limits.
func TestSplitBatches_MessageLimitAboveBatchLimit(t *testing.T) {
	limits := destination.Limits{MaxBatchBytes: 10, MaxMessageBytes: 100}
	batches, oversize := splitBatches(msgsOf(strings.Repeat("y", 11)), limits)

	assert.Empty(t, batches)
	require.Len(t, oversize, 1)
}

func TestSplitBatches_NoLimits(t *testing.T) {
	batches, oversize := splitBatches(msgsOf("a", "b", "c"), destination.Limits{})

	require.Len(t, batches, 1)
	assert.Len(t, batches[0], 3)
	assert.Empty(t, oversize)
}
