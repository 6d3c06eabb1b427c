// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package bls adapts github.com/luxfi/crypto/bls for vote signing and
// quorum certificate aggregation (spec §4.7, §6.4). All signing and
// verification runs against the real curve; TestSigner (testsigner.go)
// gives unit tests a Signer backed by a freshly generated real key, so
// its keys and signatures differ from run to run.
package bls

import (
	"fmt"

	luxbls "github.com/luxfi/crypto/bls"
)

// Signer produces a signature over a vote payload with a fixed secret
// key. Production code and TestSigner both wrap a *luxbls.SecretKey.
type Signer interface {
	PublicKey() *luxbls.PublicKey
	Sign(msg []byte) (*luxbls.Signature, error)
}

// secretKeySigner is the production Signer, backed by a real BLS secret
// key held in memory for the lifetime of the process.
type secretKeySigner struct {
	sk *luxbls.SecretKey
	pk *luxbls.PublicKey
}

// NewSigner wraps sk as a Signer.
func NewSigner(sk *luxbls.SecretKey) Signer {
	return &secretKeySigner{sk: sk, pk: sk.PublicKey()}
}

// GenerateSigner creates a fresh BLS key pair and wraps it as a Signer,
// used when a validator node is provisioned.
func GenerateSigner() (Signer, error) {
	sk, err := luxbls.NewSecretKey()
	if err != nil {
		return nil, fmt.Errorf("bls: generate secret key: %w", err)
	}
	return NewSigner(sk), nil
}

func (s *secretKeySigner) PublicKey() *luxbls.PublicKey { return s.pk }

func (s *secretKeySigner) Sign(msg []byte) (*luxbls.Signature, error) {
	return s.sk.Sign(msg)
}

// Verify checks a single validator's signature over msg.
func Verify(pk *luxbls.PublicKey, msg []byte, sig *luxbls.Signature) bool {
	return luxbls.Verify(pk, sig, msg)
}

// AggregateVerify checks an aggregated signature against the set of
// public keys that each signed the same msg. QuorumCertificate does not
// carry an aggregate; its per-validator signatures are checked one by
// one with Verify.
func AggregateVerify(pks []*luxbls.PublicKey, msg []byte, aggSig *luxbls.Signature) (bool, error) {
	if len(pks) == 0 {
		return false, fmt.Errorf("bls: cannot verify an aggregate over zero public keys")
	}
	aggPk, err := luxbls.AggregatePublicKeys(pks)
	if err != nil {
		return false, fmt.Errorf("bls: aggregate public keys: %w", err)
	}
	return luxbls.Verify(aggPk, aggSig, msg), nil
}

// Aggregate combines per-validator signatures over the same message into
// one signature. QuorumCertificate does not use it: it keeps each
// validator's signature separately (model.ValidatorSignature).
func Aggregate(sigs []*luxbls.Signature) (*luxbls.Signature, error) {
	if len(sigs) == 0 {
		return nil, fmt.Errorf("bls: cannot aggregate zero signatures")
	}
	return luxbls.AggregateSignatures(sigs)
}
