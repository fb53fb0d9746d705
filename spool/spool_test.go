// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package spool

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/absmach/fluxlog/core"
)

func openTestSpool(t *testing.T, dir string) *Spool {
	t.Helper()
	s, err := Open(Config{Enabled: true, Dir: dir}, nil)
	require.NoError(t, err)
	return s
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.NoError(t, Config{Enabled: false}.Validate())
	assert.Error(t, Config{Enabled: true, Dir: ""}.Validate())
}

func TestSpool_AppendDrainRoundTrip(t *testing.T) {
	s := openTestSpool(t, t.TempDir())
	defer s.Close()

	var msgs []*core.Message
	for i := 0; i < 10; i++ {
		msgs = append(msgs, core.NewMessageString(fmt.Sprintf("event-%d", i)))
	}
	require.NoError(t, s.Append(msgs))
	assert.Equal(t, 10, s.Len())

	drained, err := s.DrainAll()
	require.NoError(t, err)
	require.Len(t, drained, 10)
	for i, m := range drained {
		assert.Equal(t, msgs[i].ID, m.ID)
		assert.Equal(t, msgs[i].Payload, m.Payload)
		assert.Equal(t, msgs[i].Timestamp.UnixNano(), m.Timestamp.UnixNano())
	}

	assert.Equal(t, 0, s.Len())
	drained, err = s.DrainAll()
	require.NoError(t, err)
	assert.Empty(t, drained)
}

func TestSpool_FIFOAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	s := openTestSpool(t, dir)
	require.NoError(t, s.Append([]*core.Message{
		core.NewMessageString("first"),
		core.NewMessageString("second"),
	}))
	require.NoError(t, s.Close())

	s = openTestSpool(t, dir)
	require.NoError(t, s.Append([]*core.Message{core.NewMessageString("third")}))

	drained, err := s.DrainAll()
	require.NoError(t, err)
	require.Len(t, drained, 3)
	assert.Equal(t, "first", string(drained[0].Payload))
	assert.Equal(t, "second", string(drained[1].Payload))
	assert.Equal(t, "third", string(drained[2].Payload))
	require.NoError(t, s.Close())
}

func TestSpool_CompressesLargePayloads(t *testing.T) {
	s := openTestSpool(t, t.TempDir())
	defer s.Close()

	// Highly compressible and well above the compression threshold.
	payload := bytes.Repeat([]byte("fluxlog "), 1024)
	msg := core.NewMessage(payload)

	encoded := s.encodeRecord(msg)
	assert.Less(t, len(encoded), len(payload))

	decoded, err := s.decodeRecord(encoded)
	require.NoError(t, err)
	assert.Equal(t, payload, decoded.Payload)
}

func TestSpool_SmallPayloadStoredRaw(t *testing.T) {
	s := openTestSpool(t, t.TempDir())
	defer s.Close()

	msg := core.NewMessageString("short")
	decoded, err := s.decodeRecord(s.encodeRecord(msg))
	require.NoError(t, err)
	assert.Equal(t, msg.Payload, decoded.Payload)
	assert.Equal(t, msg.ID, decoded.ID)
}

func TestSpool_DecodeRejectsGarbage(t *testing.T) {
	s := openTestSpool(t, t.TempDir())
	defer s.Close()

	_, err := s.decodeRecord([]byte{0xff, 0xff, 0xff})
	assert.Error(t, err)

	_, err = s.decodeRecord(nil)
	assert.Error(t, err)
}

func TestSpool_TimestampPrecision(t *testing.T) {
	s := openTestSpool(t, t.TempDir())
	defer s.Close()

	msg := &core.Message{
		ID:        "fixed",
		Timestamp: time.Unix(1700000000, 123456789),
		Payload:   []byte("x"),
	}
	decoded, err := s.decodeRecord(s.encodeRecord(msg))
	require.NoError(t, err)
	assert.True(t, msg.Timestamp.Equal(decoded.Timestamp))
}
