// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package pacemaker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/shardbft/config"
	nolog "github.com/luxfi/shardbft/log"
)

type recordingEvents struct {
	mu         sync.Mutex
	timeouts   []uint64
	forceBeats int
}

func (r *recordingEvents) OnLeaderTimeout(height uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timeouts = append(r.timeouts, height)
}

func (r *recordingEvents) OnForceBeat() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forceBeats++
}

func (r *recordingEvents) snapshot() ([]uint64, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint64(nil), r.timeouts...), r.forceBeats
}

func fastParams() config.Parameters {
	p := config.DefaultParameters
	p.BlockTime = 20 * time.Millisecond
	p.MaxLeaderTimeout = 40 * time.Millisecond
	return p
}

func TestPacemakerFiresHeartbeatWhenIdle(t *testing.T) {
	events := &recordingEvents{}
	pm := New(fastParams(), events, nolog.NoLog{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pm.Run(ctx)

	pm.Reset(0, 0)

	require.Eventually(t, func() bool {
		_, beats := events.snapshot()
		return beats >= 1
	}, time.Second, 5*time.Millisecond)
}

func TestPacemakerFiresLeaderTimeoutAndAdvancesHeight(t *testing.T) {
	events := &recordingEvents{}
	pm := New(fastParams(), events, nolog.NoLog{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pm.Run(ctx)

	pm.Reset(5, 5)

	require.Eventually(t, func() bool {
		timeouts, _ := events.snapshot()
		return len(timeouts) >= 1
	}, time.Second, 5*time.Millisecond)

	timeouts, _ := events.snapshot()
	require.Equal(t, uint64(6), timeouts[0])
	require.Equal(t, uint64(6), pm.CurrentHeight())
}

func TestResetReplacesInFlightTimers(t *testing.T) {
	events := &recordingEvents{}
	pm := New(fastParams(), events, nolog.NoLog{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pm.Run(ctx)

	pm.Reset(1, 1)
	time.Sleep(10 * time.Millisecond)
	pm.Reset(10, 10)

	require.Eventually(t, func() bool {
		return pm.CurrentHeight() >= 10
	}, time.Second, 5*time.Millisecond)
}
