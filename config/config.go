// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package config holds the tunable parameters of the consensus pipeline,
// grounded on config.Parameters's shape (config/types.go in
// github.com/luxfi/consensus): a flat, validated struct rather than a
// cascade of functional options.
package config

import "time"

// Parameters controls the pacemaker, proposer, and pool bounds. Loading
// these from disk/flags is explicitly out of scope (spec §1); callers
// construct a Parameters value directly or via DefaultParameters.
type Parameters struct {
	// BlockTime is the target spacing between proposals and the empty
	// block heartbeat interval (spec §4.4).
	BlockTime time.Duration

	// MaxLeaderTimeout bounds the exponential-backoff leader timeout at
	// block_time + 2^delta seconds (spec §4.4: "clipped to a maximum").
	MaxLeaderTimeout time.Duration

	// MaxCommandsPerBlock bounds the proposer's batch size (spec §4.5).
	MaxCommandsPerBlock int

	// QuorumNumerator/QuorumDenominator describe the BFT threshold as a
	// fraction of committee size (default 2/3). Validate checks them, but
	// model.QuorumThreshold does not read them: it always uses
	// floor(2n/3)+1.
	QuorumNumerator   int
	QuorumDenominator int

	// MissingFetchRetries is recorded as store.ParkedBlock.MaxAttempts
	// when a block is parked for missing ancestors/transactions (spec §7
	// "Network" error kind). Nothing in this module re-requests the
	// missing data or drops a parked block once the bound is reached.
	MissingFetchRetries int

	// MissingFetchBackoff is the fixed delay the worker's Sleeping stage
	// waits before posting Resume. It does not grow per attempt, and no
	// fetch-retry loop in this module reads it.
	MissingFetchBackoff time.Duration

	// VoteBufferTTL bounds how long a vote for an unknown block is kept
	// before being discarded (spec §4.7 "buffered for a bounded period").
	VoteBufferTTL time.Duration
}

// DefaultParameters mirrors the stated defaults: a 10s block time
// (spec §4.4) and a 5 minute leader-timeout ceiling.
var DefaultParameters = Parameters{
	BlockTime:           10 * time.Second,
	MaxLeaderTimeout:    5 * time.Minute,
	MaxCommandsPerBlock: 500,
	QuorumNumerator:     2,
	QuorumDenominator:   3,
	MissingFetchRetries: 5,
	MissingFetchBackoff: 500 * time.Millisecond,
	VoteBufferTTL:       30 * time.Second,
}

// Validate checks the invariants the pacemaker and proposer rely on,
// mirroring a config/errors.go sentinel-check style.
func (p Parameters) Validate() error {
	switch {
	case p.BlockTime < time.Millisecond:
		return ErrBlockTimeTooLow
	case p.MaxLeaderTimeout < p.BlockTime:
		return ErrLeaderTimeoutTooLow
	case p.MaxCommandsPerBlock < 1:
		return ErrMaxCommandsTooLow
	case p.QuorumNumerator <= 0 || p.QuorumDenominator <= 0 || p.QuorumNumerator >= p.QuorumDenominator:
		return ErrInvalidQuorumFraction
	case p.MissingFetchRetries < 0:
		return ErrInvalidFetchRetries
	default:
		return nil
	}
}

// LeaderTimeout computes block_time + 2^delta seconds, clipped to
// MaxLeaderTimeout (spec §4.4).
func (p Parameters) LeaderTimeout(currentHeight, currentHighQcHeight uint64) time.Duration {
	delta := uint(0)
	if currentHeight > currentHighQcHeight {
		delta = uint(currentHeight - currentHighQcHeight)
	}
	if delta > 32 {
		// 2^32s already dwarfs MaxLeaderTimeout; avoid overflow past here.
		delta = 32
	}
	backoff := time.Duration(1) << delta // 2^delta seconds, as a duration multiplier
	timeout := p.BlockTime + backoff*time.Second
	if timeout > p.MaxLeaderTimeout {
		return p.MaxLeaderTimeout
	}
	return timeout
}
