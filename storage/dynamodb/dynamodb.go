// Package dynamodb stores the Entry and Chain tables in one Amazon DynamoDB
// table.
//
// Table schema:
//   - Partition key: tbl (string) - "<namespace>#entry" or "<namespace>#chain"
//   - Sort key: uid (binary) - the 32-byte row uid
//   - Attribute: val (binary) - the opaque row value
//
// Create table with:
//
//	aws dynamodb create-table \
//	  --table-name findex \
//	  --attribute-definitions AttributeName=tbl,AttributeType=S AttributeName=uid,AttributeType=B \
//	  --key-schema AttributeName=tbl,KeyType=HASH AttributeName=uid,KeyType=RANGE \
//	  --billing-mode PAY_PER_REQUEST
//
// Upsert uses conditional PutItem and reads the winning value from the
// failed condition check, so a lost race costs no extra read.
package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/findex/model"
	"github.com/hupe1980/findex/storage"
)

const (
	attrTable = "tbl"
	attrUID   = "uid"
	attrValue = "val"

	// DynamoDB request limits.
	maxBatchGet   = 100
	maxBatchWrite = 25
)

var (
	condAbsent   = aws.String("attribute_not_exists(#u)")
	condPrevious = aws.String("#v = :prev")
)

// ErrUnprocessed is returned when DynamoDB keeps throttling a batch.
var ErrUnprocessed = errors.New("dynamodb: batch items left unprocessed")

// Client is the subset of *dynamodb.Client used by Store.
type Client interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	BatchGetItem(ctx context.Context, params *dynamodb.BatchGetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error)
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// Options configures a Store.
type Options struct {
	// Namespace separates several indexes sharing one DynamoDB table.
	Namespace string

	// Concurrency bounds the conditional writes of one Upsert in flight.
	Concurrency int

	// MaxBatchRetries bounds the resubmissions of unprocessed batch items.
	MaxBatchRetries int

	// ConsistentRead makes Fetch and FetchAllUids strongly consistent.
	ConsistentRead bool
}

// Store is a storage.Backend over DynamoDB.
type Store struct {
	storage.Unimplemented

	client Client
	table  string
	opts   Options
}

var _ storage.Backend = (*Store)(nil)

// New creates a Store on tableName.
func New(client Client, tableName string, optFns ...func(*Options)) *Store {
	opts := Options{
		Namespace:       "findex",
		Concurrency:     16,
		MaxBatchRetries: 8,
		ConsistentRead:  true,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	return &Store{
		Unimplemented: storage.AllOps(),
		client:        client,
		table:         tableName,
		opts:          opts,
	}
}

func (s *Store) partition(t storage.Table) string {
	return s.opts.Namespace + "#" + t.String()
}

func (s *Store) key(t storage.Table, u model.Uid32) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrTable: &types.AttributeValueMemberS{Value: s.partition(t)},
		attrUID:   &types.AttributeValueMemberB{Value: u.Bytes()},
	}
}

func (s *Store) item(t storage.Table, u model.Uid32, v model.Value) map[string]types.AttributeValue {
	it := s.key(t, u)
	it[attrValue] = &types.AttributeValueMemberB{Value: v}
	return it
}

func decode(item map[string]types.AttributeValue) (model.Row, error) {
	ua, ok := item[attrUID].(*types.AttributeValueMemberB)
	if !ok {
		return model.Row{}, fmt.Errorf("dynamodb: item without binary %s", attrUID)
	}
	u, err := model.UidFromBytes(ua.Value)
	if err != nil {
		return model.Row{}, err
	}
	var v model.Value
	if va, ok := item[attrValue].(*types.AttributeValueMemberB); ok {
		v = va.Value
	}
	return model.Row{Uid: u, Value: v}, nil
}

// Fetch implements storage.Backend with BatchGetItem.
func (s *Store) Fetch(ctx context.Context, t storage.Table, uids []model.Uid32) ([]model.Row, error) {
	var rows []model.Row
	for _, chunk := range storage.Chunk(uids, maxBatchGet) {
		keys := make([]map[string]types.AttributeValue, len(chunk))
		for i, u := range chunk {
			keys[i] = s.key(t, u)
		}
		req := map[string]types.KeysAndAttributes{
			s.table: {Keys: keys, ConsistentRead: aws.Bool(s.opts.ConsistentRead)},
		}
		for attempt := 0; len(req) > 0; attempt++ {
			if attempt > s.opts.MaxBatchRetries {
				return nil, storage.Wrap(storage.OpFetch, t, ErrUnprocessed)
			}
			out, err := s.client.BatchGetItem(ctx, &dynamodb.BatchGetItemInput{RequestItems: req})
			if err != nil {
				return nil, storage.Wrap(storage.OpFetch, t, err)
			}
			for _, item := range out.Responses[s.table] {
				r, err := decode(item)
				if err != nil {
					return nil, storage.Wrap(storage.OpFetch, t, err)
				}
				rows = append(rows, r)
			}
			req = out.UnprocessedKeys
		}
	}
	return rows, nil
}

// FetchAllUids implements storage.Backend by querying the table partition.
func (s *Store) FetchAllUids(ctx context.Context, t storage.Table) ([]model.Uid32, error) {
	p := dynamodb.NewQueryPaginator(s.client, &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String("#t = :t"),
		ExpressionAttributeNames: map[string]string{
			"#t": attrTable,
			"#u": attrUID,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":t": &types.AttributeValueMemberS{Value: s.partition(t)},
		},
		ProjectionExpression: aws.String("#u"),
		ConsistentRead:       aws.Bool(s.opts.ConsistentRead),
	})

	var uids []model.Uid32
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, storage.Wrap(storage.OpFetchAllUids, t, err)
		}
		for _, item := range page.Items {
			r, err := decode(item)
			if err != nil {
				return nil, storage.Wrap(storage.OpFetchAllUids, t, err)
			}
			uids = append(uids, r.Uid)
		}
	}
	return uids, nil
}

// Upsert implements storage.Backend with one conditional PutItem per row.
func (s *Store) Upsert(ctx context.Context, t storage.Table, rows map[model.Uid32]model.EntryTableValues) (map[model.Uid32]model.Value, error) {
	type result struct {
		uid   model.Uid32
		value model.Value
	}
	lost := make(chan result, len(rows))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)
	for u, v := range rows {
		g.Go(func() error {
			cur, ok, err := s.put(gctx, t, u, v)
			if err != nil {
				return err
			}
			if !ok {
				lost <- result{uid: u, value: cur}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, storage.Wrap(storage.OpUpsert, t, err)
	}
	close(lost)

	rejected := make(map[model.Uid32]model.Value)
	for r := range lost {
		rejected[r.uid] = r.value
	}
	return rejected, nil
}

// put writes one row if its condition holds. On a failed condition it
// returns the stored value.
func (s *Store) put(ctx context.Context, t storage.Table, u model.Uid32, v model.EntryTableValues) (model.Value, bool, error) {
	in := &dynamodb.PutItemInput{
		TableName:                           aws.String(s.table),
		Item:                                s.item(t, u, v.New),
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	}
	if v.Previous.IsEmpty() {
		in.ConditionExpression = condAbsent
		in.ExpressionAttributeNames = map[string]string{"#u": attrUID}
	} else {
		in.ConditionExpression = condPrevious
		in.ExpressionAttributeNames = map[string]string{"#v": attrValue}
		in.ExpressionAttributeValues = map[string]types.AttributeValue{
			":prev": &types.AttributeValueMemberB{Value: v.Previous},
		}
	}

	_, err := s.client.PutItem(ctx, in)
	if err == nil {
		return nil, true, nil
	}
	var cf *types.ConditionalCheckFailedException
	if !errors.As(err, &cf) {
		return nil, false, err
	}
	if len(cf.Item) == 0 {
		return nil, false, nil
	}
	r, err := decode(cf.Item)
	if err != nil {
		return nil, false, err
	}
	return r.Value, false, nil
}

func (s *Store) write(ctx context.Context, reqs []types.WriteRequest) error {
	for _, chunk := range storage.Chunk(reqs, maxBatchWrite) {
		pending := map[string][]types.WriteRequest{s.table: chunk}
		for attempt := 0; len(pending) > 0; attempt++ {
			if attempt > s.opts.MaxBatchRetries {
				return ErrUnprocessed
			}
			out, err := s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
			if err != nil {
				return err
			}
			pending = out.UnprocessedItems
		}
	}
	return nil
}

// Insert implements storage.Backend with BatchWriteItem.
func (s *Store) Insert(ctx context.Context, t storage.Table, rows map[model.Uid32]model.Value) error {
	reqs := make([]types.WriteRequest, 0, len(rows))
	for _, u := range sortedUids(rows) {
		reqs = append(reqs, types.WriteRequest{PutRequest: &types.PutRequest{Item: s.item(t, u, rows[u])}})
	}
	return storage.Wrap(storage.OpInsert, t, s.write(ctx, reqs))
}

// Delete implements storage.Backend with BatchWriteItem.
func (s *Store) Delete(ctx context.Context, t storage.Table, uids []model.Uid32) error {
	reqs := make([]types.WriteRequest, 0, len(uids))
	for _, u := range uids {
		reqs = append(reqs, types.WriteRequest{DeleteRequest: &types.DeleteRequest{Key: s.key(t, u)}})
	}
	return storage.Wrap(storage.OpDelete, t, s.write(ctx, reqs))
}

// UpdateTables implements storage.Backend. DynamoDB transactions are too
// small for a whole index, so the update runs as ordered batches: chains
// and entries are written before anything is removed.
func (s *Store) UpdateTables(ctx context.Context, req storage.UpdateRequest) error {
	return storage.ApplyUpdate(ctx, s, req)
}

func sortedUids(m map[model.Uid32]model.Value) []model.Uid32 {
	uids := lo.Keys(m)
	slices.SortFunc(uids, model.Uid32.Compare)
	return uids
}
