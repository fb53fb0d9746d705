// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mqttdest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"qos 2", func(c *Config) { c.QoS = 2 }, false},
		{"empty broker url", func(c *Config) { c.BrokerURL = "" }, true},
		{"empty client id", func(c *Config) { c.ClientID = "" }, true},
		{"empty topic", func(c *Config) { c.Topic = "" }, true},
		{"invalid qos", func(c *Config) { c.QoS = 3 }, true},
		{"zero connect timeout", func(c *Config) { c.ConnectTimeout = 0 }, true},
		{"zero publish timeout", func(c *Config) { c.PublishTimeout = 0 }, true},
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

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Topic = ""
	_, err := New(cfg, nil)
	assert.Error(t, err)
}

func TestName_And_Limits(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Topic = "logs/app"
	cfg.MaxBatchCount = 42
	cfg.MaxMessageBytes = 1024

	d, err := New(cfg, nil)
	require.NoError(t, err)

	assert.Equal(t, "mqtt:logs/app", d.Name())
	limits := d.Limits()
	assert.Equal(t, 42, limits.MaxBatchCount)
	assert.Equal(t, 1024, limits.MaxMessageBytes)
	assert.Zero(t, limits.MaxBatchBytes)
}

func TestCreate_NoOp(t *testing.T) {
	d, err := New(DefaultConfig(), nil)
	require.NoError(t, err)
	assert.NoError(t, d.Create(context.Background()))
}
