// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package config

import "errors"

var (
	ErrBlockTimeTooLow       = errors.New("config: block time must be >= 1ms")
	ErrLeaderTimeoutTooLow   = errors.New("config: max leader timeout must be >= block time")
	ErrMaxCommandsTooLow     = errors.New("config: max commands per block must be >= 1")
	ErrInvalidQuorumFraction = errors.New("config: quorum fraction must satisfy 0 < numerator < denominator")
	ErrInvalidFetchRetries   = errors.New("config: missing-fetch retries must be >= 0")
)
