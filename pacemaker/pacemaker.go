// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package pacemaker drives view progress independently of message
// arrival: a leader timeout that escalates the view when a proposer
// stalls, and an empty-block heartbeat that keeps the chain advancing
// when the pool is idle (spec §4.4). It is grounded on timer/select
// loops in consensus/beam.Engine's proposal-timeout select, adapted from
// a one-shot RT-certificate wait into a long-running loop with two
// independently rearmed timers.
package pacemaker

import (
	"context"
	"sync"
	"time"

	"github.com/luxfi/log"

	"github.com/luxfi/shardbft/config"
)

// Events is the set of callbacks the pacemaker invokes as it fires.
// Implementations must return quickly; OnLeaderTimeout and OnForceBeat
// are called from the pacemaker's own goroutine.
type Events interface {
	// OnLeaderTimeout is invoked with the new current height once a
	// leader timeout fires (spec §4.4 "current_height += 1, emit
	// LeaderTimedOut").
	OnLeaderTimeout(height uint64)
	// OnForceBeat is invoked when the empty-block heartbeat fires.
	OnForceBeat()
}

// request is the pacemaker's internal mailbox message, mirroring a
// PacemakerRequest enum shape as a small sum type over struct cases.
type request struct {
	reset *resetRequest
}

type resetRequest struct {
	lastSeenHeight uint64
	highQcHeight   uint64
}

// Pacemaker owns the leader-timeout and heartbeat timers for one
// replica. Callers drive it by calling Reset after processing any valid
// block with a higher QC height; Run must be started once and will
// deliver OnLeaderTimeout/OnForceBeat callbacks until ctx is canceled.
type Pacemaker struct {
	params config.Parameters
	events Events
	log    log.Logger

	mu                  sync.Mutex
	currentHeight       uint64
	currentHighQcHeight uint64

	requests chan request
}

// New returns a Pacemaker that has not yet been started; call Run to
// begin its timer loop.
func New(params config.Parameters, events Events, logger log.Logger) *Pacemaker {
	return &Pacemaker{
		params:   params,
		events:   events,
		log:      logger,
		requests: make(chan request, 16),
	}
}

// SetEvents replaces the callback target. Lets a caller whose Events
// implementation itself needs a constructed Pacemaker (the worker
// package's lifecycle owns both) build the Pacemaker first with a
// placeholder and wire the real target in before calling Run.
func (p *Pacemaker) SetEvents(events Events) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = events
}

// Reset records the highest height/high-QC height seen and rearms both
// timers (spec §4.4 "On reset"). Safe to call concurrently with Run.
func (p *Pacemaker) Reset(lastSeenHeight, highQcHeight uint64) {
	p.requests <- request{reset: &resetRequest{lastSeenHeight: lastSeenHeight, highQcHeight: highQcHeight}}
}

// CurrentHeight returns the last height Reset or a leader timeout has
// advanced to.
func (p *Pacemaker) CurrentHeight() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentHeight
}

// Run executes the pacemaker's timer loop until ctx is canceled. It
// suspends on whichever of {ctx done, reset request, leader timer,
// heartbeat timer} fires first, handling exactly one event per wake
// (spec §4.4 "Suspension points").
func (p *Pacemaker) Run(ctx context.Context) {
	leaderTimer := time.NewTimer(time.Hour)
	defer leaderTimer.Stop()
	heartbeat := time.NewTimer(time.Hour)
	defer heartbeat.Stop()
	if !leaderTimer.Stop() {
		<-leaderTimer.C
	}
	if !heartbeat.Stop() {
		<-heartbeat.C
	}

	for {
		select {
		case <-ctx.Done():
			return

		case req := <-p.requests:
			if req.reset == nil {
				continue
			}
			p.mu.Lock()
			if req.reset.lastSeenHeight > p.currentHeight {
				p.currentHeight = req.reset.lastSeenHeight
			}
			p.currentHighQcHeight = req.reset.highQcHeight
			leaderTimeout := p.params.LeaderTimeout(p.currentHeight, p.currentHighQcHeight)
			p.mu.Unlock()

			drainTimer(leaderTimer)
			leaderTimer.Reset(leaderTimeout)
			drainTimer(heartbeat)
			heartbeat.Reset(p.params.BlockTime)

		case <-heartbeat.C:
			heartbeat.Reset(p.params.BlockTime)
			p.events.OnForceBeat()

		case <-leaderTimer.C:
			p.mu.Lock()
			p.currentHeight++
			height := p.currentHeight
			leaderTimeout := p.params.LeaderTimeout(p.currentHeight, p.currentHighQcHeight)
			p.mu.Unlock()

			p.log.Debug("leader timed out", "height", height)
			p.events.OnLeaderTimeout(height)
			leaderTimer.Reset(leaderTimeout)
			drainTimer(heartbeat)
			heartbeat.Reset(p.params.BlockTime)
		}
	}
}

// drainTimer stops t and drains any pending fire, so Reset is safe to
// call on a timer that may already have fired but not yet been
// received from.
func drainTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
