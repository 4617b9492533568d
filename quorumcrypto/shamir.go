package quorumcrypto

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math/big"

	blst "github.com/supranational/blst/bindings/go"
)

// Shard is one party's plaintext share of the quorum signing key: a
// point (X, F(X)) on a Shamir polynomial over the BLS12-381 scalar
// field. It travels inside already-encrypted quorum wire messages
// (§4.2.3's EncryptedMessage envelope), so it carries no encryption of
// its own — EncryptedShard is the separately-encrypted form used for
// at-rest storage and first-contact delivery to a brand-new member.
type Shard struct {
	OwnerID uint64
	X       *big.Int
	Y       *big.Int
}

// blsScalarOrder is r, the order of the BLS12-381 G1/G2 scalar field,
// used as the modulus for Shamir polynomial arithmetic so that
// reconstructed secrets are valid blst secret-key scalars.
var blsScalarOrder, _ = new(big.Int).SetString(
	"52435875175126190479447740508185965837690552500527637822603658699938581184513", 10)

// newPolynomial draws a degree-(t-1) polynomial over the scalar field
// with the given constant term (the secret being shared).
func newPolynomial(secret *big.Int, t int) ([]*big.Int, error) {
	coeffs := make([]*big.Int, t)
	coeffs[0] = new(big.Int).Mod(secret, blsScalarOrder)
	for i := 1; i < t; i++ {
		c, err := rand.Int(rand.Reader, blsScalarOrder)
		if err != nil {
			return nil, fmt.Errorf("quorumcrypto: drawing polynomial coefficient: %w", err)
		}
		coeffs[i] = c
	}
	return coeffs, nil
}

// evalPolynomial computes f(x) mod r via Horner's method.
func evalPolynomial(coeffs []*big.Int, x *big.Int) *big.Int {
	acc := new(big.Int)
	for i := len(coeffs) - 1; i >= 0; i-- {
		acc.Mul(acc, x)
		acc.Add(acc, coeffs[i])
		acc.Mod(acc, blsScalarOrder)
	}
	return acc
}

// lagrangeRecover reconstructs f(0), the shared secret, from an
// arbitrary set of distinct-X shares via Lagrange interpolation at
// x = 0, per spec §4.2.4's "reconstructs the quorum key" step.
func lagrangeRecover(shares []Shard) (*big.Int, error) {
	if len(shares) == 0 {
		return nil, ErrReconstructFailed
	}
	secret := new(big.Int)
	for i, si := range shares {
		num := big.NewInt(1)
		den := big.NewInt(1)
		for j, sj := range shares {
			if i == j {
				continue
			}
			// num *= -x_j ; den *= (x_i - x_j)
			num.Mul(num, new(big.Int).Neg(sj.X))
			num.Mod(num, blsScalarOrder)
			diff := new(big.Int).Sub(si.X, sj.X)
			den.Mul(den, diff)
			den.Mod(den, blsScalarOrder)
		}
		denInv := new(big.Int).ModInverse(den, blsScalarOrder)
		if denInv == nil {
			return nil, fmt.Errorf("quorumcrypto: duplicate X coordinate among shares")
		}
		term := new(big.Int).Mul(si.Y, num)
		term.Mul(term, denInv)
		term.Mod(term, blsScalarOrder)
		secret.Add(secret, term)
		secret.Mod(secret, blsScalarOrder)
	}
	return secret, nil
}

func scalarToBytes(x *big.Int) [32]byte {
	var out [32]byte
	x.FillBytes(out[:])
	return out
}

// DecodeShard parses the plaintext produced by GenerateEncryptedShards
// (X and Y each as a 32-byte big-endian scalar) back into a Shard
// owned by ownerID.
func DecodeShard(ownerID uint64, plaintext []byte) (Shard, error) {
	if len(plaintext) != 64 {
		return Shard{}, fmt.Errorf("quorumcrypto: malformed shard plaintext: %d bytes", len(plaintext))
	}
	x := new(big.Int).SetBytes(plaintext[:32])
	y := new(big.Int).SetBytes(plaintext[32:])
	return Shard{OwnerID: ownerID, X: x, Y: y}, nil
}

// GenerateEncryptedShards re-shares the quorum key over a new member
// set, per spec §4.2.5/§4.2.6: the existing threshold-sized subset of
// shares is interpolated to recover the current secret, a fresh
// polynomial is drawn with that secret as its constant term, and one
// share per recipient is evaluated and encrypted directly to it (nonce
// = 0, since no prior session necessarily exists with a brand-new
// member). Each share's X coordinate is the recipient's node id plus
// one, so it stays stable across membership changes instead of
// depending on slice position.
func (c *X25519ChaCha) GenerateEncryptedShards(ctx context.Context, existing []Shard, recipients []Recipient) ([]EncryptedShard, error) {
	secret, err := lagrangeRecover(existing)
	if err != nil {
		return nil, err
	}

	newT := c.ShardsRequired(len(recipients))
	coeffs, err := newPolynomial(secret, newT)
	if err != nil {
		return nil, err
	}

	out := make([]EncryptedShard, len(recipients))
	for i, r := range recipients {
		x := big.NewInt(int64(r.NodeID) + 1)
		y := evalPolynomial(coeffs, x)

		xb, yb := scalarToBytes(x), scalarToBytes(y)
		plaintext := append(append([]byte{}, xb[:]...), yb[:]...)

		ciphertext, err := c.EncryptMessage(r.PublicKey, plaintext, 0)
		if err != nil {
			return nil, fmt.Errorf("quorumcrypto: encrypting shard for node %d: %w", r.NodeID, err)
		}
		out[i] = EncryptedShard{OwnerID: r.NodeID, Ciphertext: ciphertext}
	}
	return out, nil
}

// commitmentMessage is the byte string the quorum key signs for a given
// epoch transition.
func commitmentMessage(epoch uint64, prevRoot, newRoot [32]byte) []byte {
	buf := make([]byte, 8, 8+64)
	binary.BigEndian.PutUint64(buf, epoch)
	buf = append(buf, prevRoot[:]...)
	buf = append(buf, newRoot[:]...)
	return buf
}

// blsDST is the domain separation tag for commitment signatures.
var blsDST = []byte("KEYDIRECTORY_QUORUM_COMMITMENT_BLS_SIG_BLS12381G2_XMD:SHA-256_SSWU_RO_")

// GenerateCommitment reconstructs the quorum signing key from shards (a
// threshold-sized subset gathered by the caller, per §4.2.4's "for each
// T-subset of S, attempt generate_commitment") and signs the epoch
// transition with it.
func (c *X25519ChaCha) GenerateCommitment(ctx context.Context, shards []Shard, epoch uint64, prevRoot, newRoot [32]byte) (SignedCommitment, error) {
	secret, err := lagrangeRecover(shards)
	if err != nil {
		return SignedCommitment{}, err
	}

	skBytes := scalarToBytes(secret)
	sk := new(blst.SecretKey).Deserialize(skBytes[:])
	if sk == nil {
		return SignedCommitment{}, fmt.Errorf("quorumcrypto: reconstructed scalar is not a valid BLS secret key")
	}

	msg := commitmentMessage(epoch, prevRoot, newRoot)
	sig := new(blst.P2Affine).Sign(sk, msg, blsDST)
	if sig == nil {
		return SignedCommitment{}, fmt.Errorf("quorumcrypto: signing commitment failed")
	}

	return SignedCommitment{
		Epoch:     epoch,
		PrevRoot:  prevRoot,
		NewRoot:   newRoot,
		Signature: sig.Compress(),
	}, nil
}

// VerifyCommitment checks a SignedCommitment against the quorum's public
// key (the BLS12-381 public key corresponding to the reconstructed
// secret, published once at quorum genesis).
func VerifyCommitment(quorumPublicKey []byte, c SignedCommitment) bool {
	pk := new(blst.P1Affine).Uncompress(quorumPublicKey)
	if pk == nil {
		return false
	}
	sig := new(blst.P2Affine).Uncompress(c.Signature)
	if sig == nil {
		return false
	}
	msg := commitmentMessage(c.Epoch, c.PrevRoot, c.NewRoot)
	return sig.Verify(true, pk, true, msg, blsDST)
}
