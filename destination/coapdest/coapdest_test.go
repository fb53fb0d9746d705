// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package coapdest

import (
	"bytes"
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/mux"
	coapnet "github.com/plgd-dev/go-coap/v3/net"
	"github.com/plgd-dev/go-coap/v3/options"
	"github.com/plgd-dev/go-coap/v3/udp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/absmach/fluxlog/core"
	"github.com/absmach/fluxlog/destination"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"psk pair", func(c *Config) { c.PSKIdentity = "dev"; c.PSKKey = "secret" }, false},
		{"empty address", func(c *Config) { c.Address = "" }, true},
		{"empty path", func(c *Config) { c.Path = "" }, true},
		{"zero timeout", func(c *Config) { c.RequestTimeout = 0 }, true},
		{"identity without key", func(c *Config) { c.PSKIdentity = "dev" }, true},
		{"key without identity", func(c *Config) { c.PSKKey = "secret" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestName_And_Limits(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Address = "10.0.0.5:5683"
	cfg.Path = "/ingest"
	cfg.MaxBatchCount = 16
	cfg.MaxMessageBytes = 512

	d, err := New(cfg, nil)
	require.NoError(t, err)

	assert.Equal(t, "coap:10.0.0.5:5683/ingest", d.Name())
	limits := d.Limits()
	assert.Equal(t, 16, limits.MaxBatchCount)
	assert.Equal(t, 512, limits.MaxMessageBytes)
	assert.Zero(t, limits.MaxBatchBytes)
}

func startTestServer(t *testing.T, handler mux.HandlerFunc) string {
	t.Helper()

	conn, err := coapnet.NewListenUDP("udp", "127.0.0.1:0")
	require.NoError(t, err)

	r := mux.NewRouter()
	require.NoError(t, r.Handle("/logs", handler))

	srv := udp.NewServer(options.WithMux(r))
	go srv.Serve(conn)
	t.Cleanup(func() {
		srv.Stop()
		conn.Close()
	})
	return conn.LocalAddr().String()
}

func reply(w mux.ResponseWriter, r *mux.Message, code codes.Code) {
	resp := w.Conn().AcquireMessage(r.Context())
	defer w.Conn().ReleaseMessage(resp)
	resp.SetCode(code)
	resp.SetToken(r.Token())
	resp.SetBody(bytes.NewReader(nil))
	_ = w.Conn().WriteMessage(resp)
}

func newTestDest(t *testing.T, addr string) *Destination {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Address = addr
	cfg.RequestTimeout = 2 * time.Second
	d, err := New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestSendBatch_AllAccepted(t *testing.T) {
	addr := startTestServer(t, func(w mux.ResponseWriter, r *mux.Message) {
		reply(w, r, codes.Changed)
	})
	d := newTestDest(t, addr)

	msgs := []*core.Message{
		core.NewMessageString("one"),
		core.NewMessageString("two"),
	}
	res, err := d.SendBatch(context.Background(), msgs)
	require.NoError(t, err)
	require.Len(t, res.Outcomes, 2)
	for _, o := range res.Outcomes {
		assert.Equal(t, destination.Sent, o)
	}
}

// A failure partway through a batch must not erase the outcomes of the
// messages the resource already accepted.
func TestSendBatch_MidBatchNotFoundKeepsPrefix(t *testing.T) {
	var posts atomic.Int32
	addr := startTestServer(t, func(w mux.ResponseWriter, r *mux.Message) {
		if posts.Add(1) == 1 {
			reply(w, r, codes.Changed)
			return
		}
		reply(w, r, codes.NotFound)
	})
	d := newTestDest(t, addr)

	msgs := []*core.Message{
		core.NewMessageString("accepted"),
		core.NewMessageString("pending-1"),
		core.NewMessageString("pending-2"),
	}
	res, err := d.SendBatch(context.Background(), msgs)
	require.NoError(t, err)
	require.Len(t, res.Outcomes, 3)
	assert.Equal(t, destination.Sent, res.Outcomes[0])
	assert.Equal(t, destination.Throttled, res.Outcomes[1])
	assert.Equal(t, destination.Throttled, res.Outcomes[2])

	// The retried remainder hits NotFound first, which reports gone.
	_, err = d.SendBatch(context.Background(), msgs[1:])
	require.Error(t, err)
	assert.ErrorIs(t, err, destination.ErrGone)
}

func TestDescribe_StatusMapping(t *testing.T) {
	addr := startTestServer(t, func(w mux.ResponseWriter, r *mux.Message) {
		reply(w, r, codes.NotFound)
	})
	d := newTestDest(t, addr)

	status, err := d.Describe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, destination.StatusMissing, status)
}

func TestThrottleFrom(t *testing.T) {
	res := destination.Result{Outcomes: []destination.Outcome{
		destination.Sent, destination.Rejected, destination.Sent, destination.Sent,
	}}
	throttleFrom(&res, 2)

	assert.Equal(t, []destination.Outcome{
		destination.Sent, destination.Rejected, destination.Throttled, destination.Throttled,
	}, res.Outcomes)
}
