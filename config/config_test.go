package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"keydirectory.example/config"
)

const sampleConfig = `
node_id: 0
group_size: 2
listen: "127.0.0.1:7390"
private_key_seed: "` + "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff" +`"
peers:
  - node_id: 0
    public_key: "` + "1111111111111111111111111111111111111111111111111111111111111111"[:64] + `"
    address: "http://127.0.0.1:7390"
  - node_id: 1
    public_key: "` + "2222222222222222222222222222222222222222222222222222222222222222"[:64] + `"
    address: "http://127.0.0.1:7391"
`

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.yaml")
	if err := os.WriteFile(path, []byte(sampleConfig), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.NodeID != 0 || cfg.GroupSize != 2 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if len(cfg.Peers) != 2 {
		t.Fatalf("expected 2 peers, got %d", len(cfg.Peers))
	}

	members := cfg.Members()
	if len(members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(members))
	}

	transport := cfg.TransportConfig()
	if _, ok := transport.Members[1]; !ok {
		t.Fatal("expected peer 1 in transport members")
	}
	if _, ok := transport.Members[0]; ok {
		t.Fatal("this node itself should not appear in its own transport Members")
	}
}
