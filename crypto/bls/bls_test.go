// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bls

import (
	"testing"

	luxbls "github.com/luxfi/crypto/bls"
	"github.com/stretchr/testify/require"
)

func TestSignAndVerify(t *testing.T) {
	signer := MustTestSigner()
	msg := []byte("vote-payload")

	sig, err := signer.Sign(msg)
	require.NoError(t, err)
	require.True(t, Verify(signer.PublicKey(), msg, sig))

	other := MustTestSigner()
	require.False(t, Verify(other.PublicKey(), msg, sig))
}

func TestAggregateVerify(t *testing.T) {
	const n = 5
	msg := []byte("quorum-payload")

	signers := make([]Signer, n)
	sigs := make([]*luxbls.Signature, n)
	pks := make([]*luxbls.PublicKey, n)
	for i := range signers {
		signers[i] = MustTestSigner()
		s, err := signers[i].Sign(msg)
		require.NoError(t, err)
		sigs[i] = s
		pks[i] = signers[i].PublicKey()
	}

	agg, err := Aggregate(sigs)
	require.NoError(t, err)

	ok, err := AggregateVerify(pks, msg, agg)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestAggregateRejectsEmpty(t *testing.T) {
	_, err := Aggregate(nil)
	require.Error(t, err)

	_, err = AggregateVerify(nil, []byte("x"), nil)
	require.Error(t, err)
}
