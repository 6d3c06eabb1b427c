// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package model

import (
	"sort"

	"github.com/luxfi/ids"
)

// TransactionAtom is the payload of a command that carries a
// transaction's decision and the evidence that justifies it.
type TransactionAtom struct {
	TransactionID  ids.ID
	Decision       TxDecision
	Evidence       Evidence
	TransactionFee uint64
	LeaderFee      *uint64
}

// ForeignProposalRef is the payload of a ForeignProposal command: a
// pointer at a foreign committee's block that this block's commands
// depend on for evidence.
type ForeignProposalRef struct {
	ShardGroup ShardGroup
	BlockID    ids.ID
	Height     uint64
}

// CommandVariant enumerates the command kinds a block may carry. Rank
// order below is also the deterministic ordering key (spec §3 Command
// invariant): commands sort first by variant rank, then by transaction id.
type CommandVariant uint8

const (
	CommandLocalOnly CommandVariant = iota
	CommandPrepare
	CommandLocalPrepared
	CommandAccept
	CommandLocalAccept
	CommandForeignProposal
	CommandEndEpoch
)

func (v CommandVariant) rank() int { return int(v) }

func (v CommandVariant) String() string {
	switch v {
	case CommandLocalOnly:
		return "LocalOnly"
	case CommandPrepare:
		return "Prepare"
	case CommandLocalPrepared:
		return "LocalPrepared"
	case CommandAccept:
		return "Accept"
	case CommandLocalAccept:
		return "LocalAccept"
	case CommandForeignProposal:
		return "ForeignProposal"
	case CommandEndEpoch:
		return "EndEpoch"
	default:
		return "Unknown"
	}
}

// Command is one entry in a block's command list: a variant tag plus
// exactly one of Atom (transaction-carrying variants) or ForeignRef
// (CommandForeignProposal).
type Command struct {
	Variant    CommandVariant
	Atom       *TransactionAtom
	ForeignRef *ForeignProposalRef
}

// sortKey returns the id used to break ties within a rank: the
// transaction id for atom-carrying commands, or the referenced block id
// for foreign-proposal commands.
func (c Command) sortKey() ids.ID {
	if c.Atom != nil {
		return c.Atom.TransactionID
	}
	if c.ForeignRef != nil {
		return c.ForeignRef.BlockID
	}
	return ids.ID{}
}

// SortCommands orders a block's commands deterministically: first by
// variant rank, then by transaction id ascending (spec §3).
func SortCommands(cmds []Command) {
	sort.SliceStable(cmds, func(i, j int) bool {
		ri, rj := cmds[i].Variant.rank(), cmds[j].Variant.rank()
		if ri != rj {
			return ri < rj
		}
		return idLess(cmds[i].sortKey(), cmds[j].sortKey())
	})
}

func idLess(a, b ids.ID) bool {
	ab, bb := a[:], b[:]
	for i := range ab {
		if ab[i] != bb[i] {
			return ab[i] < bb[i]
		}
	}
	return false
}
