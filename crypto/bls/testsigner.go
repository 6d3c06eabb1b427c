// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bls

// NewTestSigner generates a Signer backed by a freshly generated real BLS
// key. It exists so tests don't need a key-management story of their
// own; every signature it produces verifies against real bls.Verify.
func NewTestSigner() (Signer, error) {
	return GenerateSigner()
}

// MustTestSigner panics if key generation fails, for table-driven test
// setup where a generation error would indicate a broken environment
// rather than a test case to handle.
func MustTestSigner() Signer {
	s, err := GenerateSigner()
	if err != nil {
		panic(err)
	}
	return s
}
