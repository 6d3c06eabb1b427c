// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package model

import "errors"

// Sentinel errors shared across the consensus packages. Kept as plain
// stdlib errors rather than a wrapped-error framework, matching the rest
// of this stack's error style.
var (
	// ErrBlockNotFound is returned when a block id is unknown to the store.
	ErrBlockNotFound = errors.New("model: block not found")

	// ErrQcNotFound is returned when a quorum certificate id is unknown.
	ErrQcNotFound = errors.New("model: quorum certificate not found")

	// ErrTransactionNotFound is returned when a pool record is unknown.
	ErrTransactionNotFound = errors.New("model: transaction pool record not found")

	// ErrInvalidStageTransition signals an illegal pool stage transition.
	// This is a pool invariant error: fatal, never recoverable.
	ErrInvalidStageTransition = errors.New("model: illegal transaction pool stage transition")

	// ErrDecisionMismatch signals a committed/pending decision conflict.
	// Also a pool invariant error.
	ErrDecisionMismatch = errors.New("model: committed and pending decision disagree")

	// ErrPledgeConflict signals more than one pledge for the same substate.
	ErrPledgeConflict = errors.New("model: at most one pledge per substate id")

	// ErrDiffOutOfOrder signals a state-tree diff applied out of version order.
	ErrDiffOutOfOrder = errors.New("model: state tree diff version out of order")
)
