package quorumcrypto_test

import (
	"context"
	"math/big"
	"testing"

	"golang.org/x/crypto/curve25519"

	"keydirectory.example/quorumcrypto"
)

func fatalIfErr(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

// publicKeyOf recomputes the public key NewX25519ChaCha would derive from
// seed, the same way a peer config file records it out of band.
func publicKeyOf(t *testing.T, seed quorumcrypto.PrivateKey) quorumcrypto.PublicKey {
	t.Helper()
	priv := seed
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	fatalIfErr(t, err)
	var out quorumcrypto.PublicKey
	copy(out[:], pub)
	return out
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	var seedA, seedB quorumcrypto.PrivateKey
	for i := range seedA {
		seedA[i] = 0x11
		seedB[i] = 0x22
	}
	aPublic := publicKeyOf(t, seedA)
	bPublic := publicKeyOf(t, seedB)

	nodeA, err := quorumcrypto.NewX25519ChaCha(seedA, map[uint64]quorumcrypto.PublicKey{2: bPublic}, &quorumcrypto.MemoryShardStore{})
	fatalIfErr(t, err)
	nodeB, err := quorumcrypto.NewX25519ChaCha(seedB, map[uint64]quorumcrypto.PublicKey{1: aPublic}, &quorumcrypto.MemoryShardStore{})
	fatalIfErr(t, err)

	ciphertext, err := nodeA.EncryptMessage(bPublic, []byte("hello quorum"), 1)
	fatalIfErr(t, err)

	plaintext, nonce, err := nodeB.DecryptMessage(ciphertext)
	fatalIfErr(t, err)
	if string(plaintext) != "hello quorum" {
		t.Fatalf("plaintext mismatch: %q", plaintext)
	}
	if nonce != 1 {
		t.Fatalf("nonce mismatch: got %d want 1", nonce)
	}
}

func TestDecryptRejectsTruncatedCiphertext(t *testing.T) {
	var seed quorumcrypto.PrivateKey
	node, err := quorumcrypto.NewX25519ChaCha(seed, nil, &quorumcrypto.MemoryShardStore{})
	fatalIfErr(t, err)

	if _, _, err := node.DecryptMessage([]byte{1, 2, 3}); err != quorumcrypto.ErrCiphertextTooShort {
		t.Fatalf("expected ErrCiphertextTooShort, got %v", err)
	}
}

// evalAt constructs a share of secret at point x under a fixed-slope
// degree-1 polynomial, mirroring a 2-of-N sharing for test purposes.
func evalAt(secret *big.Int, x int64) *big.Int {
	slope := big.NewInt(7)
	y := new(big.Int).Mul(slope, big.NewInt(x))
	y.Add(y, secret)
	return y
}

func TestGenerateCommitmentReconstructsAndSigns(t *testing.T) {
	ctx := context.Background()
	var seed quorumcrypto.PrivateKey
	for i := range seed {
		seed[i] = 0x33
	}
	node, err := quorumcrypto.NewX25519ChaCha(seed, nil, &quorumcrypto.MemoryShardStore{})
	fatalIfErr(t, err)

	secret := big.NewInt(424242)
	shares := []quorumcrypto.Shard{
		{OwnerID: 1, X: big.NewInt(1), Y: evalAt(secret, 1)},
		{OwnerID: 2, X: big.NewInt(2), Y: evalAt(secret, 2)},
	}

	var prevRoot, newRoot [32]byte
	newRoot[0] = 1
	commitment, err := node.GenerateCommitment(ctx, shares, 5, prevRoot, newRoot)
	fatalIfErr(t, err)
	if commitment.Epoch != 5 {
		t.Fatalf("epoch mismatch: got %d", commitment.Epoch)
	}
	if len(commitment.Signature) == 0 {
		t.Fatalf("expected a non-empty signature")
	}
}

func TestShardsRequiredIsMajority(t *testing.T) {
	node := &quorumcrypto.X25519ChaCha{}
	cases := map[int]int{1: 1, 2: 2, 3: 2, 4: 3, 5: 3}
	for groupSize, want := range cases {
		if got := node.ShardsRequired(groupSize); got != want {
			t.Errorf("ShardsRequired(%d) = %d, want %d", groupSize, got, want)
		}
	}
}
