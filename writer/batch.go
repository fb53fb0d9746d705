// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package writer

import (
	"github.com/absmach/fluxlog/core"
	"github.com/absmach/fluxlog/destination"
)

// splitBatches packs messages greedily in arrival order into batches
// that respect the destination limits. A message whose payload can
// never fit a batch (above the per-message maximum, or above the batch
// byte limit on its own) is returned in oversize instead and does not
// appear in any batch.
func splitBatches(msgs []*core.Message, limits destination.Limits) (batches [][]*core.Message, oversize []*core.Message) {
	maxMsg := limits.MaxMessageBytes
	if limits.MaxBatchBytes > 0 && (maxMsg <= 0 || limits.MaxBatchBytes < maxMsg) {
		maxMsg = limits.MaxBatchBytes
	}

	var cur []*core.Message
	curBytes := 0

	for _, m := range msgs {
		size := m.Size()
		if maxMsg > 0 && size > maxMsg {
			oversize = append(oversize, m)
			continue
		}

		countFull := limits.MaxBatchCount > 0 && len(cur) >= limits.MaxBatchCount
		bytesFull := limits.MaxBatchBytes > 0 && len(cur) > 0 && curBytes+size > limits.MaxBatchBytes
		if countFull || bytesFull {
			batches = append(batches, cur)
			cur = nil
			curBytes = 0
		}

		cur = append(cur, m)
		curBytes += size
	}
	if len(cur) > 0 {
		batches = append(batches, cur)
	}
	return batches, oversize
}
