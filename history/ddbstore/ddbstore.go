// Package ddbstore is a history.NodeStore backed by Amazon DynamoDB, the
// alternate storage backend named in the teacher's go.mod alongside its
// SQLite store. It demonstrates that the storage contract (spec.md §3.4)
// is satisfiable by a genuinely distributed KV store, not just a local
// file.
package ddbstore

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"keydirectory.example/history"
	"keydirectory.example/label"
)

// Store is a history.NodeStore backed by a single DynamoDB table. Items
// are keyed by a base64 node key (partition key "key") and carry the
// node's fields as separate attributes plus a repeated-write "epochs" set
// used to answer EpochLTE.
type Store struct {
	client *dynamodb.Client
	table  string
}

var _ history.NodeStore = (*Store)(nil)

// New returns a Store using client against the given table name. The
// table must already exist, with partition key "key" (string).
func New(client *dynamodb.Client, table string) *Store {
	return &Store{client: client, table: table}
}

func itemKey(key history.NodeKey) string {
	return base64.StdEncoding.EncodeToString(key.Bytes())
}

func (s *Store) Get(ctx context.Context, key history.NodeKey, epoch uint64) (*history.Node, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			"key": &types.AttributeValueMemberS{Value: itemKey(key)},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("ddbstore: get item: %w", err)
	}
	if out.Item == nil {
		return nil, history.ErrNotFound
	}
	node, err := nodeFromItem(key.Label, out.Item)
	if err != nil {
		return nil, err
	}

	if node.Last > epoch {
		last, err := s.EpochLTE(ctx, key.Label, epoch)
		if err != nil {
			return nil, err
		}
		node.Last = last
	}
	return node, nil
}

func (s *Store) BatchGet(ctx context.Context, keys []history.NodeKey, epoch uint64) ([]*history.Node, error) {
	out := make([]*history.Node, len(keys))
	for i, k := range keys {
		n, err := s.Get(ctx, k, epoch)
		if err != nil {
			return nil, err
		}
		out[i] = n
	}
	return out, nil
}

func (s *Store) Set(ctx context.Context, node *history.Node) error {
	key := node.Key()
	item, err := itemFromNode(key, node)
	if err != nil {
		return err
	}

	existing, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			"key": &types.AttributeValueMemberS{Value: itemKey(key)},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return fmt.Errorf("ddbstore: set: reading prior epochs: %w", err)
	}
	epochs := []string{strconv.FormatUint(node.Last, 10)}
	if existing.Item != nil {
		if ss, ok := existing.Item["epochs"].(*types.AttributeValueMemberSS); ok {
			epochs = append(epochs, ss.Value...)
		}
	}
	item["epochs"] = &types.AttributeValueMemberSS{Value: epochs}

	if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      item,
	}); err != nil {
		return fmt.Errorf("ddbstore: put item: %w", err)
	}
	return nil
}

func (s *Store) EpochLTE(ctx context.Context, l label.Label, epoch uint64) (uint64, error) {
	key := history.NodeKey{Tag: history.HistoryTreeNode, Label: l}
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			"key": &types.AttributeValueMemberS{Value: itemKey(key)},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return 0, fmt.Errorf("ddbstore: epoch_lte: %w", err)
	}
	if out.Item == nil {
		return 0, history.ErrNotFound
	}
	ss, ok := out.Item["epochs"].(*types.AttributeValueMemberSS)
	if !ok {
		return 0, history.ErrNotFound
	}
	var best uint64
	found := false
	for _, e := range ss.Value {
		v, err := strconv.ParseUint(e, 10, 64)
		if err != nil {
			continue
		}
		if v <= epoch && (!found || v > best) {
			best, found = v, true
		}
	}
	if !found {
		return 0, history.ErrNotFound
	}
	return best, nil
}

func itemFromNode(key history.NodeKey, n *history.Node) (map[string]types.AttributeValue, error) {
	b := func(v uint64) types.AttributeValue {
		return &types.AttributeValueMemberN{Value: strconv.FormatUint(v, 10)}
	}
	return map[string]types.AttributeValue{
		"key":            &types.AttributeValueMemberS{Value: itemKey(key)},
		"birth":          b(n.Birth),
		"last":           b(n.Last),
		"parent_bit_len": b(uint64(n.Parent.BitLen)),
		"parent_bytes":   &types.AttributeValueMemberB{Value: n.Parent.Bits[:]},
		"kind":           b(uint64(n.Kind)),
		"left_bit_len":   b(uint64(n.Left.BitLen)),
		"left_bytes":     &types.AttributeValueMemberB{Value: n.Left.Bits[:]},
		"right_bit_len":  b(uint64(n.Right.BitLen)),
		"right_bytes":    &types.AttributeValueMemberB{Value: n.Right.Bits[:]},
		"value":          &types.AttributeValueMemberB{Value: n.Value[:]},
		"hash":           &types.AttributeValueMemberB{Value: n.Hash[:]},
	}, nil
}

func nodeFromItem(l label.Label, item map[string]types.AttributeValue) (*history.Node, error) {
	n := &history.Node{Label: l}

	getN := func(name string) (uint64, error) {
		av, ok := item[name].(*types.AttributeValueMemberN)
		if !ok {
			return 0, fmt.Errorf("ddbstore: missing numeric attribute %q", name)
		}
		return strconv.ParseUint(av.Value, 10, 64)
	}
	getB := func(name string) []byte {
		if av, ok := item[name].(*types.AttributeValueMemberB); ok {
			return av.Value
		}
		return nil
	}

	var err error
	if n.Birth, err = getN("birth"); err != nil {
		return nil, err
	}
	if n.Last, err = getN("last"); err != nil {
		return nil, err
	}
	parentBitLen, err := getN("parent_bit_len")
	if err != nil {
		return nil, err
	}
	if n.Parent, err = label.FromBytes(uint32(parentBitLen), getB("parent_bytes")); err != nil {
		return nil, err
	}
	kind, err := getN("kind")
	if err != nil {
		return nil, err
	}
	n.Kind = history.NodeKind(kind)

	leftBitLen, err := getN("left_bit_len")
	if err != nil {
		return nil, err
	}
	if n.Left, err = label.FromBytes(uint32(leftBitLen), getB("left_bytes")); err != nil {
		return nil, err
	}
	rightBitLen, err := getN("right_bit_len")
	if err != nil {
		return nil, err
	}
	if n.Right, err = label.FromBytes(uint32(rightBitLen), getB("right_bytes")); err != nil {
		return nil, err
	}
	copy(n.Value[:], getB("value"))
	copy(n.Hash[:], getB("hash"))
	return n, nil
}
