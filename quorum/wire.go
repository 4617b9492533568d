package quorum

import (
	"encoding/json"
	"fmt"
)

// envelope is the plaintext carried inside every quorumcrypto-encrypted
// inter-node message, once decrypted: a type tag plus its JSON payload.
// The specification leaves wire framing unspecified beyond "an opaque
// encrypted message"; JSON keeps this symmetrical with quorumnet's own
// wireEnvelope instead of inventing a second serialisation scheme.
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func encodeEnvelope(kind string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("quorum: encoding %s payload: %w", kind, err)
	}
	return json.Marshal(envelope{Type: kind, Payload: raw})
}

func decodeEnvelope(data []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return envelope{}, fmt.Errorf("quorum: decoding envelope: %w", err)
	}
	return env, nil
}

// decodeInterNodeAck reads env as an InterNodeAck, treating anything
// else (a malformed payload, or a reply of a different type entirely)
// as a negative ack rather than a crash.
func decodeInterNodeAck(env envelope) InterNodeAck {
	if env.Type != typeInterNodeAck {
		return InterNodeAck{Ok: false, Err: "unexpected reply type " + env.Type}
	}
	var ack InterNodeAck
	if err := json.Unmarshal(env.Payload, &ack); err != nil {
		return InterNodeAck{Ok: false, Err: "malformed ack: " + err.Error()}
	}
	return ack
}

// Message type tags, one per value in the closed set of messages.go.
const (
	typeVerifyRequest        = "VerifyRequest"
	typeVerifyResponse       = "VerifyResponse"
	typeAddNodeInit          = "AddNodeInit"
	typeAddNodeTestResult    = "AddNodeTestResult"
	typeAddNodeResult        = "AddNodeResult"
	typeNewNodeTest          = "NewNodeTest"
	typeNewNodeTestResult    = "NewNodeTestResult"
	typeRemoveNodeInit       = "RemoveNodeInit"
	typeRemoveNodeTestResult = "RemoveNodeTestResult"
	typeRemoveNodeResult     = "RemoveNodeResult"
	typeInterNodeAck         = "InterNodeAck"
)
