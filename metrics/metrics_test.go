// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersAllCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)
	require.NotNil(t, m)

	m.BlockProposed()
	m.BlockCommitted(7)
	m.BlockAborted()
	m.VoteReceived("commit")
	m.ValidationFailed("safety")
	m.PacemakerTimeout()
	m.PoolTransition("Prepared")
	m.SetPoolDepth(3)
	m.ObserveProposalLatency(0.5)

	families, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}

func TestNewDuplicateRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)

	_, err = New(reg)
	require.Error(t, err)
}
