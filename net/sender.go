// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package net carries wire messages between replicas: point-to-point
// send, committee broadcast, and topic gossip (spec §6.1 "Network
// outbound"). It is grounded on a networking/sender.Sender interface
// shape, narrowed from a frontier/accepted message set down to this
// system's Proposal/Vote/ForeignProposal/sync traffic, and on a
// networking/router style for the inbound side: a Dispatcher hands each
// decoded message to the component registered for its type.
package net

import (
	"context"

	"github.com/luxfi/ids"

	"github.com/luxfi/shardbft/wire"
)

// Sender delivers outbound messages. At-least-once delivery is assumed
// (spec §6.1); callers tolerate duplicate or dropped messages rather
// than the transport guaranteeing exactly-once.
type Sender interface {
	// Send delivers msg to a single peer.
	Send(ctx context.Context, peer ids.NodeID, msg any) error
	// Broadcast delivers msg to every member of a committee.
	Broadcast(ctx context.Context, committee []ids.NodeID, msg any) error
	// Gossip delivers msg to a topic's subscribers, not necessarily the
	// full committee. Nothing in this module calls it; the proposer sends
	// foreign proposals with Broadcast.
	Gossip(ctx context.Context, topic string, msg any) error
}

// Handler processes every inbound message type, one method per type.
// worker.Worker implements the whole interface.
type Handler interface {
	HandleProposal(ctx context.Context, from ids.NodeID, msg wire.Proposal) error
	HandleForeignProposal(ctx context.Context, from ids.NodeID, msg wire.ForeignProposal) error
	HandleVote(ctx context.Context, from ids.NodeID, msg wire.Vote) error
	HandleMissingTransactionsRequest(ctx context.Context, from ids.NodeID, msg wire.MissingTransactionsRequest) error
	HandleMissingTransactionsResponse(ctx context.Context, from ids.NodeID, msg wire.MissingTransactionsResponse) error
	HandleSyncRequest(ctx context.Context, from ids.NodeID, msg wire.SyncRequest) error
	HandleSyncResponse(ctx context.Context, from ids.NodeID, msg wire.SyncResponse) error
}

// Dispatcher routes a decoded inbound message to the Handler based on
// its concrete type, mirroring a chain router dispatching by message op
// rather than by a type switch buried in the transport.
type Dispatcher struct {
	handler Handler
}

// NewDispatcher returns a Dispatcher that routes every inbound message
// to handler.
func NewDispatcher(handler Handler) *Dispatcher {
	return &Dispatcher{handler: handler}
}

// Dispatch routes msg to the Handler method matching its type. It
// returns an error for any payload type outside the wire message set.
func (d *Dispatcher) Dispatch(ctx context.Context, from ids.NodeID, msg any) error {
	switch m := msg.(type) {
	case wire.Proposal:
		return d.handler.HandleProposal(ctx, from, m)
	case wire.ForeignProposal:
		return d.handler.HandleForeignProposal(ctx, from, m)
	case wire.Vote:
		return d.handler.HandleVote(ctx, from, m)
	case wire.MissingTransactionsRequest:
		return d.handler.HandleMissingTransactionsRequest(ctx, from, m)
	case wire.MissingTransactionsResponse:
		return d.handler.HandleMissingTransactionsResponse(ctx, from, m)
	case wire.SyncRequest:
		return d.handler.HandleSyncRequest(ctx, from, m)
	case wire.SyncResponse:
		return d.handler.HandleSyncResponse(ctx, from, m)
	default:
		return &UnknownMessageError{Type: msg}
	}
}

// UnknownMessageError is returned when Dispatch is given a payload that
// is not one of the wire message types.
type UnknownMessageError struct {
	Type any
}

func (e *UnknownMessageError) Error() string {
	return "net: no handler registered for message type"
}
