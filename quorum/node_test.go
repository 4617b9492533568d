package quorum_test

import (
	"context"
	"math/big"
	"net"
	"testing"
	"time"

	"keydirectory.example/quorum"
	"keydirectory.example/quorumcrypto"
	"keydirectory.example/quorumnet"
)

// freeAddr reserves an ephemeral TCP port and immediately releases it,
// for transports that must know their peer's address before either
// side starts listening.
func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	fatalIfErr(t, err)
	addr := l.Addr().String()
	fatalIfErr(t, l.Close())
	return addr
}

func fatalIfErr(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

func derivePublic(t *testing.T, seed quorumcrypto.PrivateKey) quorumcrypto.PublicKey {
	t.Helper()
	node, err := quorumcrypto.NewX25519ChaCha(seed, nil, &quorumcrypto.MemoryShardStore{})
	fatalIfErr(t, err)
	return node.PublicKey()
}

// bootstrapShards splits a freshly drawn secret across two nodes using
// the same re-sharing machinery members use later on, seeding each
// node's own at-rest shard store.
func bootstrapShards(t *testing.T, ctx context.Context, genesis *quorumcrypto.X25519ChaCha, recipients []quorumcrypto.Recipient, stores map[uint64]*quorumcrypto.MemoryShardStore) {
	t.Helper()
	secret := big.NewInt(987654321)
	degenerate := []quorumcrypto.Shard{{OwnerID: 0, X: big.NewInt(0), Y: secret}}
	shards, err := genesis.GenerateEncryptedShards(ctx, degenerate, recipients)
	fatalIfErr(t, err)
	for _, s := range shards {
		fatalIfErr(t, stores[s.OwnerID].Save(ctx, s))
	}
}

func TestVerifyEpochEndToEnd(t *testing.T) {
	ctx := context.Background()

	var seed0, seed1 quorumcrypto.PrivateKey
	for i := range seed0 {
		seed0[i] = 0xA0
		seed1[i] = 0xB0
	}
	pub0 := derivePublic(t, seed0)
	pub1 := derivePublic(t, seed1)

	store0 := &quorumcrypto.MemoryShardStore{}
	store1 := &quorumcrypto.MemoryShardStore{}

	crypto0, err := quorumcrypto.NewX25519ChaCha(seed0, map[uint64]quorumcrypto.PublicKey{1: pub1}, store0)
	fatalIfErr(t, err)
	crypto1, err := quorumcrypto.NewX25519ChaCha(seed1, map[uint64]quorumcrypto.PublicKey{0: pub0}, store1)
	fatalIfErr(t, err)

	recipients := []quorumcrypto.Recipient{{NodeID: 0, PublicKey: pub0}, {NodeID: 1, PublicKey: pub1}}
	bootstrapShards(t, ctx, crypto0, recipients, map[uint64]*quorumcrypto.MemoryShardStore{0: store0, 1: store1})

	members := []quorum.Member{
		{NodeID: 0, PublicKey: pub0},
		{NodeID: 1, PublicKey: pub1},
	}
	memberStore0 := quorum.NewMemoryMemberStore(members...)
	memberStore1 := quorum.NewMemoryMemberStore(members...)

	transport1, err := quorumnet.NewHTTP2Peers(quorumnet.Config{NodeID: 1, Listen: "127.0.0.1:0"})
	fatalIfErr(t, err)

	runCtx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	fatalIfErr(t, transport1.Start(runCtx))
	time.Sleep(20 * time.Millisecond)

	// node0 is the only one that ever issues an RPC in this flow (the
	// leader fanning out VerifyRequest); node1 only ever replies, so it
	// needs no Members table of its own.
	transport0, err := quorumnet.NewHTTP2Peers(quorumnet.Config{
		NodeID: 0,
		Listen: "127.0.0.1:0",
		Members: map[uint64]quorumnet.ContactInfo{
			1: {Address: "http://" + transport1.LocalAddr()},
		},
	})
	fatalIfErr(t, err)
	fatalIfErr(t, transport0.Start(runCtx))
	time.Sleep(20 * time.Millisecond)

	cfg0 := quorum.DefaultConfig(0, 2)
	cfg1 := quorum.DefaultConfig(1, 2)

	node0 := quorum.NewNode(cfg0, transport0, crypto0, memberStore0, quorum.NewMemoryNonceStore(), nil)
	node1 := quorum.NewNode(cfg1, transport1, crypto1, memberStore1, quorum.NewMemoryNonceStore(), nil)

	go node0.Run(runCtx)
	go node1.Run(runCtx)
	time.Sleep(20 * time.Millisecond)

	var newRoot [32]byte
	newRoot[0] = 0x42
	verifyCtx, verifyCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer verifyCancel()
	commitment, err := node0.VerifyEpoch(verifyCtx, 1, [32]byte{}, newRoot, nil)
	fatalIfErr(t, err)

	if commitment.Epoch != 1 {
		t.Fatalf("epoch mismatch: got %d", commitment.Epoch)
	}
	if len(commitment.Signature) == 0 {
		t.Fatal("expected a non-empty signature")
	}
}

// TestEnrollMemberEndToEnd exercises the full add-node flow of §4.2.5:
// a two-member quorum challenges and admits a third, not-yet-enrolled
// candidate, re-sharing the quorum key across the enlarged group and
// delivering the candidate its new shard directly.
func TestEnrollMemberEndToEnd(t *testing.T) {
	ctx := context.Background()

	var seed0, seed1, seed2 quorumcrypto.PrivateKey
	for i := range seed0 {
		seed0[i] = 0xA0
		seed1[i] = 0xB0
		seed2[i] = 0xC0
	}
	pub0 := derivePublic(t, seed0)
	pub1 := derivePublic(t, seed1)
	pub2 := derivePublic(t, seed2)

	store0 := &quorumcrypto.MemoryShardStore{}
	store1 := &quorumcrypto.MemoryShardStore{}
	store2 := &quorumcrypto.MemoryShardStore{}

	crypto0, err := quorumcrypto.NewX25519ChaCha(seed0, map[uint64]quorumcrypto.PublicKey{1: pub1}, store0)
	fatalIfErr(t, err)
	crypto1, err := quorumcrypto.NewX25519ChaCha(seed1, map[uint64]quorumcrypto.PublicKey{0: pub0}, store1)
	fatalIfErr(t, err)
	// The candidate is configured with the existing group's public keys
	// out of band, so it can recognise and reply to them even before it
	// is itself a recognised member of anyone's roster.
	crypto2, err := quorumcrypto.NewX25519ChaCha(seed2, map[uint64]quorumcrypto.PublicKey{0: pub0, 1: pub1}, store2)
	fatalIfErr(t, err)

	recipients := []quorumcrypto.Recipient{{NodeID: 0, PublicKey: pub0}, {NodeID: 1, PublicKey: pub1}}
	bootstrapShards(t, ctx, crypto0, recipients, map[uint64]*quorumcrypto.MemoryShardStore{0: store0, 1: store1})

	members := []quorum.Member{
		{NodeID: 0, PublicKey: pub0},
		{NodeID: 1, PublicKey: pub1},
	}
	memberStore0 := quorum.NewMemoryMemberStore(members...)
	memberStore1 := quorum.NewMemoryMemberStore(members...)
	// The candidate knows the existing roster (needed to encrypt its
	// replies to them) without being on it.
	memberStore2 := quorum.NewMemoryMemberStore(members...)

	// node0 and node1 address each other by a fixed, pre-reserved port:
	// unlike the verify-only flow, enrollment has node1 calling node0
	// back with its vote, so both sides must know the other's address
	// before either starts listening.
	addr0, addr1 := freeAddr(t), freeAddr(t)

	runCtx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	transport0, err := quorumnet.NewHTTP2Peers(quorumnet.Config{
		NodeID: 0,
		Listen: addr0,
		Members: map[uint64]quorumnet.ContactInfo{
			1: {Address: "http://" + addr1},
		},
	})
	fatalIfErr(t, err)
	fatalIfErr(t, transport0.Start(runCtx))

	transport1, err := quorumnet.NewHTTP2Peers(quorumnet.Config{
		NodeID: 1,
		Listen: addr1,
		Members: map[uint64]quorumnet.ContactInfo{
			0: {Address: "http://" + addr0},
		},
	})
	fatalIfErr(t, err)
	fatalIfErr(t, transport1.Start(runCtx))

	// The candidate's address is carried dynamically in the
	// AddNodeInit/EnrollMember payload, never through a transport's
	// static Members table, so an ephemeral port is fine here.
	transport2, err := quorumnet.NewHTTP2Peers(quorumnet.Config{NodeID: 2, Listen: "127.0.0.1:0"})
	fatalIfErr(t, err)
	fatalIfErr(t, transport2.Start(runCtx))
	time.Sleep(20 * time.Millisecond)
	candidateContact := quorumnet.ContactInfo{Address: "http://" + transport2.LocalAddr()}

	cfg0 := quorum.DefaultConfig(0, 2)
	cfg1 := quorum.DefaultConfig(1, 2)
	cfg2 := quorum.DefaultConfig(2, 3)

	node0 := quorum.NewNode(cfg0, transport0, crypto0, memberStore0, quorum.NewMemoryNonceStore(), nil)
	node1 := quorum.NewNode(cfg1, transport1, crypto1, memberStore1, quorum.NewMemoryNonceStore(), nil)
	node2 := quorum.NewNode(cfg2, transport2, crypto2, memberStore2, quorum.NewMemoryNonceStore(), nil)

	go node0.Run(runCtx)
	go node1.Run(runCtx)
	go node2.Run(runCtx)
	time.Sleep(20 * time.Millisecond)

	candidate := quorum.Member{NodeID: 2, PublicKey: pub2, ContactInfo: candidateContact.Address}

	enrollCtx, enrollCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer enrollCancel()
	fatalIfErr(t, node0.EnrollMember(enrollCtx, candidate, candidateContact))

	finalMembers, err := memberStore0.Members(ctx)
	fatalIfErr(t, err)
	if len(finalMembers) != 3 {
		t.Fatalf("expected group size 3 after enrollment, got %d", len(finalMembers))
	}
	found := false
	for _, m := range finalMembers {
		if m.NodeID == 2 && m.PublicKey == pub2 {
			found = true
		}
	}
	if !found {
		t.Fatal("candidate was not recorded as a member after enrollment")
	}

	if _, err := crypto2.RetrieveQKShard(ctx, 2); err != nil {
		t.Fatalf("candidate did not receive its new shard: %v", err)
	}
}

// TestRemoveMemberEndToEnd exercises §4.2.5's removal flow on a
// two-member quorum where the target cannot be reached: the leader's
// own liveness test fails, SilenceMeansFailure carries the vote, and
// the key is re-shared across the single surviving member.
func TestRemoveMemberEndToEnd(t *testing.T) {
	ctx := context.Background()

	var seed0, seed1 quorumcrypto.PrivateKey
	for i := range seed0 {
		seed0[i] = 0xA0
		seed1[i] = 0xB0
	}
	pub0 := derivePublic(t, seed0)
	pub1 := derivePublic(t, seed1)

	store0 := &quorumcrypto.MemoryShardStore{}
	store1 := &quorumcrypto.MemoryShardStore{}

	crypto0, err := quorumcrypto.NewX25519ChaCha(seed0, map[uint64]quorumcrypto.PublicKey{1: pub1}, store0)
	fatalIfErr(t, err)

	recipients := []quorumcrypto.Recipient{{NodeID: 0, PublicKey: pub0}, {NodeID: 1, PublicKey: pub1}}
	bootstrapShards(t, ctx, crypto0, recipients, map[uint64]*quorumcrypto.MemoryShardStore{0: store0, 1: store1})

	members := []quorum.Member{
		{NodeID: 0, PublicKey: pub0},
		{NodeID: 1, PublicKey: pub1},
	}
	memberStore0 := quorum.NewMemoryMemberStore(members...)

	// node1's address is reserved but never listened on, so node0's
	// liveness challenge to it fails fast with a connection error
	// rather than hanging for the full RPC timeout.
	deadAddr1 := freeAddr(t)

	runCtx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	transport0, err := quorumnet.NewHTTP2Peers(quorumnet.Config{
		NodeID: 0,
		Listen: "127.0.0.1:0",
		Members: map[uint64]quorumnet.ContactInfo{
			1: {Address: "http://" + deadAddr1},
		},
	})
	fatalIfErr(t, err)
	fatalIfErr(t, transport0.Start(runCtx))
	time.Sleep(20 * time.Millisecond)

	cfg0 := quorum.DefaultConfig(0, 2)
	node0 := quorum.NewNode(cfg0, transport0, crypto0, memberStore0, quorum.NewMemoryNonceStore(), nil)
	go node0.Run(runCtx)
	time.Sleep(20 * time.Millisecond)

	removeCtx, removeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer removeCancel()
	fatalIfErr(t, node0.RemoveMember(removeCtx, 1))

	finalMembers, err := memberStore0.Members(ctx)
	fatalIfErr(t, err)
	if len(finalMembers) != 1 {
		t.Fatalf("expected group size 1 after removal, got %d", len(finalMembers))
	}
	if finalMembers[0].NodeID != 0 {
		t.Fatalf("expected the surviving member to be node 0, got %d", finalMembers[0].NodeID)
	}

	if _, err := crypto0.RetrieveQKShard(ctx, 0); err != nil {
		t.Fatalf("leader did not retain a usable shard after resharding: %v", err)
	}
}
