// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package metrics exposes the prometheus collectors the consensus
// pipeline registers on startup, grounded on the pattern of a single
// struct of pre-built collectors passed to a Registerer (rather than a
// generic counter/gauge registry keyed by name).
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds every collector the worker, proposer, pacemaker, and
// pool register. Components take a *Metrics at construction and call its
// methods rather than reaching into prometheus directly.
type Metrics struct {
	blocksProposed     prometheus.Counter
	blocksCommitted    prometheus.Counter
	blocksAborted      prometheus.Counter
	votesReceived      *prometheus.CounterVec
	validationFailures *prometheus.CounterVec
	pacemakerTimeouts  prometheus.Counter
	poolTransitions    *prometheus.CounterVec
	poolDepth          prometheus.Gauge
	commitHeight       prometheus.Gauge
	proposalLatency    prometheus.Histogram
}

// New builds and registers every collector against reg. Registration
// failures are returned rather than panicked on, so a caller sharing a
// registry across multiple shard workers can decide how to handle a
// duplicate-registration error.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		blocksProposed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shardbft",
			Name:      "blocks_proposed_total",
			Help:      "Number of blocks this node proposed as leader.",
		}),
		blocksCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shardbft",
			Name:      "blocks_committed_total",
			Help:      "Number of blocks committed via the three-chain rule.",
		}),
		blocksAborted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shardbft",
			Name:      "blocks_aborted_total",
			Help:      "Number of blocks whose decision resolved to Abort.",
		}),
		votesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shardbft",
			Name:      "votes_received_total",
			Help:      "Votes received, labeled by decision.",
		}, []string{"decision"}),
		validationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shardbft",
			Name:      "validation_failures_total",
			Help:      "Proposal validation failures, labeled by reason.",
		}, []string{"reason"}),
		pacemakerTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shardbft",
			Name:      "pacemaker_timeouts_total",
			Help:      "Number of leader timeouts observed.",
		}),
		poolTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shardbft",
			Name:      "pool_stage_transitions_total",
			Help:      "Transaction pool stage transitions, labeled by the destination stage.",
		}, []string{"stage"}),
		poolDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shardbft",
			Name:      "pool_depth",
			Help:      "Number of non-terminal transactions currently tracked by the pool.",
		}),
		commitHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shardbft",
			Name:      "commit_height",
			Help:      "Height of the last committed block.",
		}),
		proposalLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "shardbft",
			Name:      "proposal_latency_seconds",
			Help:      "Time between a block's proposal and its commit.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	collectors := []prometheus.Collector{
		m.blocksProposed,
		m.blocksCommitted,
		m.blocksAborted,
		m.votesReceived,
		m.validationFailures,
		m.pacemakerTimeouts,
		m.poolTransitions,
		m.poolDepth,
		m.commitHeight,
		m.proposalLatency,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// BlockProposed records that this node proposed a block as leader.
func (m *Metrics) BlockProposed() { m.blocksProposed.Inc() }

// BlockCommitted records a commit and updates the commit-height gauge.
func (m *Metrics) BlockCommitted(height uint64) {
	m.blocksCommitted.Inc()
	m.commitHeight.Set(float64(height))
}

// BlockAborted records that a block's decision resolved to Abort.
func (m *Metrics) BlockAborted() { m.blocksAborted.Inc() }

// VoteReceived records an incoming vote labeled by its decision, e.g.
// "commit" or "abort".
func (m *Metrics) VoteReceived(decision string) { m.votesReceived.WithLabelValues(decision).Inc() }

// ValidationFailed records a rejected proposal labeled by the check that
// failed, e.g. "signature", "safety", "extension".
func (m *Metrics) ValidationFailed(reason string) {
	m.validationFailures.WithLabelValues(reason).Inc()
}

// PacemakerTimeout records a leader timeout firing.
func (m *Metrics) PacemakerTimeout() { m.pacemakerTimeouts.Inc() }

// PoolTransition records a pool entry advancing into stage.
func (m *Metrics) PoolTransition(stage string) { m.poolTransitions.WithLabelValues(stage).Inc() }

// SetPoolDepth reports the pool's current non-terminal entry count.
func (m *Metrics) SetPoolDepth(n int) { m.poolDepth.Set(float64(n)) }

// ObserveProposalLatency records the seconds elapsed between a block's
// proposal and its commit.
func (m *Metrics) ObserveProposalLatency(seconds float64) { m.proposalLatency.Observe(seconds) }
