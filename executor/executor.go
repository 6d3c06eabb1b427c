// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package executor declares the transaction execution boundary the
// proposer and the on-receive-proposal pipeline both call through (spec
// §6.1 "Transaction executor"). The executor itself — fee charging,
// substate read/write semantics, VM dispatch — is an external
// collaborator; this package only shapes the call and its result the
// way wire shapes message payloads independently of net.Sender.
package executor

import (
	"context"

	"github.com/luxfi/ids"

	"github.com/luxfi/shardbft/model"
)

// Result is what running a transaction against a set of pledges
// produces: the substates it actually read, the substates it produced,
// the fee it charges, and the decision it resolves to.
type Result struct {
	Decision         model.TxDecision
	ResolvedInputs   []model.VersionedSubstateID
	ResultingOutputs []model.VersionedSubstateID
	TransactionFee   uint64
	LeaderFee        uint64
}

// Executor runs one transaction's logic against the pledges gathered for
// it so far, local and foreign. Implementations are expected to be
// deterministic: every honest replica executing the same transaction
// against the same pledges must reach the same Result, since Result
// feeds directly into the block's Merkle root (spec §4.1, §8 property 8).
type Executor interface {
	Execute(ctx context.Context, txID ids.ID, pledges []model.SubstatePledge) (Result, error)
}
