package quorumnet_test

import (
	"context"
	"testing"
	"time"

	"keydirectory.example/quorumnet"
)

func fatalIfErr(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

func startPeer(t *testing.T, id uint64) *quorumnet.HTTP2Peers {
	t.Helper()
	p, err := quorumnet.NewHTTP2Peers(quorumnet.Config{NodeID: id, Listen: "127.0.0.1:0"})
	fatalIfErr(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	fatalIfErr(t, p.Start(ctx))
	// Give the listener a moment to come up.
	time.Sleep(20 * time.Millisecond)
	return p
}

func TestRPCRoundTrip(t *testing.T) {
	follower := startPeer(t, 2)

	leader, err := quorumnet.NewHTTP2Peers(quorumnet.Config{
		NodeID: 1,
		Listen: "127.0.0.1:0",
		Members: map[uint64]quorumnet.ContactInfo{
			2: {Address: "http://" + follower.LocalAddr()},
		},
	})
	fatalIfErr(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	fatalIfErr(t, leader.Start(ctx))
	time.Sleep(20 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		defer close(done)
		msg, reply, err := follower.ReceiveInterNode(context.Background(), 2*time.Second)
		if err != nil {
			t.Errorf("ReceiveInterNode: %v", err)
			return
		}
		if msg.From != 1 {
			t.Errorf("expected From=1, got %d", msg.From)
		}
		reply(quorumnet.EncryptedMessage{To: 1, From: 2, CiphertextWithNonce: []byte("pong")})
	}()

	timeout := time.Second
	resp, err := leader.RPC(context.Background(), quorumnet.EncryptedMessage{
		To: 2, From: 1, CiphertextWithNonce: []byte("ping"),
	}, &timeout)
	fatalIfErr(t, err)
	if resp == nil {
		t.Fatal("expected a reply, got nil (timeout)")
	}
	if string(resp.CiphertextWithNonce) != "pong" {
		t.Fatalf("unexpected reply payload: %q", resp.CiphertextWithNonce)
	}

	<-done
}

func TestRPCUnknownPeer(t *testing.T) {
	leader, err := quorumnet.NewHTTP2Peers(quorumnet.Config{NodeID: 1, Listen: "127.0.0.1:0"})
	fatalIfErr(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	fatalIfErr(t, leader.Start(ctx))

	timeout := 100 * time.Millisecond
	_, err = leader.RPC(context.Background(), quorumnet.EncryptedMessage{To: 99}, &timeout)
	if err == nil {
		t.Fatal("expected an error for an unknown peer")
	}
}
