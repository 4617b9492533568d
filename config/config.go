// Package config loads the YAML configuration file a standalone
// keydirnode binary is started from, complementing the teacher's
// flag-only litewitness/litebastion entrypoints with a single file
// that also describes quorum peers (§6 of the specification).
package config

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"keydirectory.example/quorum"
	"keydirectory.example/quorumcrypto"
	"keydirectory.example/quorumnet"
)

// PeerConfig is one quorum member as recorded in the config file: its
// id, its X25519 public key (hex-encoded), and how to reach it.
type PeerConfig struct {
	NodeID    uint64 `yaml:"node_id"`
	PublicKey HexKey `yaml:"public_key"`
	Address   string `yaml:"address"`
}

// HexKey unmarshals a hex string into a fixed 32-byte key, used for
// both quorumcrypto.PublicKey and quorumcrypto.PrivateKey fields.
type HexKey [32]byte

func (k *HexKey) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("config: decoding hex key: %w", err)
	}
	if len(decoded) != 32 {
		return fmt.Errorf("config: key must be 32 bytes, got %d", len(decoded))
	}
	copy(k[:], decoded)
	return nil
}

// NodeConfig is the top-level shape of a keydirnode config file (§6).
type NodeConfig struct {
	NodeID    uint64 `yaml:"node_id"`
	GroupSize uint8  `yaml:"group_size"`

	Listen string `yaml:"listen"`

	// PrivateKeySeed seeds this node's X25519 keypair (§4.2.6's PQXDH
	// simplification to classical X25519, documented in DESIGN.md).
	PrivateKeySeed HexKey `yaml:"private_key_seed"`

	// HistoryDB/QuorumDB select the SQLite files for history/sqlstore
	// and quorum/sqlstore respectively; empty means the in-memory
	// implementations (suitable only for a disabled, single-node
	// quorum or tests).
	HistoryDB string `yaml:"history_db,omitempty"`
	QuorumDB  string `yaml:"quorum_db,omitempty"`

	// DynamoDBTable selects history/ddbstore instead of history/sqlstore
	// when set.
	DynamoDBTable string `yaml:"dynamodb_table,omitempty"`

	Peers []PeerConfig `yaml:"peers,omitempty"`

	MetricsListen string `yaml:"metrics_listen,omitempty"`

	// QuorumPublicKey is the compressed BLS12-381 public key published
	// at quorum genesis (hex-encoded), checked against every
	// reconstructed commitment before it is accepted. Empty disables
	// the check, which only a test or a not-yet-initialised quorum
	// should leave unset.
	QuorumPublicKey string `yaml:"quorum_public_key,omitempty"`
}

// Load reads and parses a NodeConfig from path.
func Load(path string) (*NodeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var cfg NodeConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return &cfg, nil
}

// QuorumConfig derives a quorum.Config from the file's node id and
// group size, using the specification's default timing constants for
// everything else.
func (c *NodeConfig) QuorumConfig() quorum.Config {
	cfg := quorum.DefaultConfig(c.NodeID, c.GroupSize)
	if c.QuorumPublicKey != "" {
		key, err := hex.DecodeString(c.QuorumPublicKey)
		if err != nil {
			slog.Error("config: ignoring malformed quorum_public_key", "err", err)
		} else {
			cfg.QuorumPublicKey = key
		}
	}
	return cfg
}

// TransportConfig derives a quorumnet.Config: every configured peer
// except this node itself becomes a known Member.
func (c *NodeConfig) TransportConfig() quorumnet.Config {
	members := make(map[uint64]quorumnet.ContactInfo, len(c.Peers))
	for _, p := range c.Peers {
		if p.NodeID == c.NodeID {
			continue
		}
		members[p.NodeID] = quorumnet.ContactInfo{Address: p.Address}
	}
	return quorumnet.Config{
		NodeID:  c.NodeID,
		Listen:  c.Listen,
		Members: members,
	}
}

// PeerPublicKeys returns every other configured peer's public key, the
// shape quorumcrypto.NewX25519ChaCha expects.
func (c *NodeConfig) PeerPublicKeys() map[uint64]quorumcrypto.PublicKey {
	out := make(map[uint64]quorumcrypto.PublicKey, len(c.Peers))
	for _, p := range c.Peers {
		if p.NodeID == c.NodeID {
			continue
		}
		out[p.NodeID] = quorumcrypto.PublicKey(p.PublicKey)
	}
	return out
}

// Members returns every configured peer, including this node itself,
// as quorum.Member values ready to seed a MemberStore.
func (c *NodeConfig) Members() []quorum.Member {
	out := make([]quorum.Member, 0, len(c.Peers))
	for _, p := range c.Peers {
		out = append(out, quorum.Member{
			NodeID:      p.NodeID,
			PublicKey:   quorumcrypto.PublicKey(p.PublicKey),
			ContactInfo: p.Address,
		})
	}
	return out
}
