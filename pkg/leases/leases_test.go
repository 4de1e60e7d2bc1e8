package leases

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modoterra/kclbridge/pkg/core"
)

type fakeDynamo struct {
	dynamodbiface.DynamoDBAPI

	pages   [][]map[string]*dynamodb.AttributeValue
	items   map[string]map[string]*dynamodb.AttributeValue
	err     error
	deleted []string
}

func (f *fakeDynamo) ScanPagesWithContext(_ aws.Context, in *dynamodb.ScanInput, fn func(*dynamodb.ScanOutput, bool) bool, _ ...request.Option) error {
	if f.err != nil {
		return f.err
	}
	for i, items := range f.pages {
		if !fn(&dynamodb.ScanOutput{Items: items}, i == len(f.pages)-1) {
			break
		}
	}
	return nil
}

func (f *fakeDynamo) GetItemWithContext(_ aws.Context, in *dynamodb.GetItemInput, _ ...request.Option) (*dynamodb.GetItemOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &dynamodb.GetItemOutput{Item: f.items[aws.StringValue(in.Key["leaseKey"].S)]}, nil
}

func (f *fakeDynamo) DeleteTableWithContext(_ aws.Context, in *dynamodb.DeleteTableInput, _ ...request.Option) (*dynamodb.DeleteTableOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.deleted = append(f.deleted, aws.StringValue(in.TableName))
	return &dynamodb.DeleteTableOutput{}, nil
}

func item(t *testing.T, l Lease) map[string]*dynamodb.AttributeValue {
	t.Helper()
	m, err := dynamodbattribute.MarshalMap(l)
	require.NoError(t, err)
	return m
}

func notFound() error {
	return awserr.New(dynamodb.ErrCodeResourceNotFoundException, "Requested resource not found", nil)
}

func TestListSortsAcrossPages(t *testing.T) {
	fake := &fakeDynamo{pages: [][]map[string]*dynamodb.AttributeValue{
		{item(t, Lease{ShardID: "shardId-000000000002", Owner: "w1", Counter: 4, Checkpoint: "TRIM_HORIZON"})},
		{
			item(t, Lease{ShardID: "shardId-000000000001", Owner: "w2", Counter: 9, Checkpoint: "49590338271490256608559692538361571095921575989136588898"}),
			item(t, Lease{ShardID: "shardId-000000000000", Checkpoint: "SHARD_END", Parents: []string{"shardId-x"}}),
		},
	}}
	r := NewReaderWithClient(fake, "orders-app")

	got, err := r.List(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "shardId-000000000000", got[0].ShardID)
	assert.True(t, got[0].Finished())
	assert.Equal(t, []string{"shardId-x"}, got[0].Parents)
	assert.Equal(t, "49590338271490256608559692538361571095921575989136588898", got[1].Checkpoint)
	assert.EqualValues(t, 9, got[1].Counter)

	assert.Equal(t, map[string]int{"w1": 1, "w2": 1, "": 1}, Owners(got))
}

func TestListMissingTable(t *testing.T) {
	r := NewReaderWithClient(&fakeDynamo{err: notFound()}, "orders-app")
	_, err := r.List(context.Background())
	assert.ErrorIs(t, err, ErrNoTable)
	assert.True(t, IsNotFound(err))
}

func TestListOtherError(t *testing.T) {
	r := NewReaderWithClient(&fakeDynamo{err: errors.New("connection refused")}, "orders-app")
	_, err := r.List(context.Background())
	require.Error(t, err)
	assert.False(t, IsNotFound(err))
	assert.Contains(t, err.Error(), "orders-app")
}

func TestGet(t *testing.T) {
	fake := &fakeDynamo{items: map[string]map[string]*dynamodb.AttributeValue{
		"shardId-1": item(t, Lease{ShardID: "shardId-1", Owner: "w"}),
	}}
	r := NewReaderWithClient(fake, "t")

	l, err := r.Get(context.Background(), "shardId-1")
	require.NoError(t, err)
	assert.Equal(t, "w", l.Owner)

	_, err = r.Get(context.Background(), "shardId-2")
	assert.True(t, IsNotFound(err))
}

func TestReset(t *testing.T) {
	fake := &fakeDynamo{}
	r := NewReaderWithClient(fake, "orders-app")
	require.NoError(t, r.Reset(context.Background()))
	assert.Equal(t, []string{"orders-app"}, fake.deleted)

	r = NewReaderWithClient(&fakeDynamo{err: notFound()}, "orders-app")
	assert.NoError(t, r.Reset(context.Background()), "missing table is fine")
}

func TestClientConfigLocal(t *testing.T) {
	info, err := core.NewStreamInfo("orders", core.StreamOptions{Region: core.RegionLocal, TmpDir: t.TempDir()})
	require.NoError(t, err)

	cfg := clientConfig(info, Options{})
	assert.Equal(t, core.DefaultRegion, aws.StringValue(cfg.Region))
	assert.Equal(t, "http://localhost:4569", aws.StringValue(cfg.Endpoint))
	require.NotNil(t, cfg.Credentials)
	v, err := cfg.Credentials.Get()
	require.NoError(t, err)
	assert.Equal(t, "local", v.AccessKeyID)
}

func TestClientConfigRemote(t *testing.T) {
	info, err := core.NewStreamInfo("orders", core.StreamOptions{Region: "eu-west-1", TmpDir: t.TempDir()})
	require.NoError(t, err)

	cfg := clientConfig(info, Options{})
	assert.Equal(t, "eu-west-1", aws.StringValue(cfg.Region))
	assert.Nil(t, cfg.Endpoint)
	assert.Nil(t, cfg.Credentials)

	cfg = clientConfig(info, Options{Endpoint: "http://ddb:8000", AccessKey: "a", SecretKey: "s"})
	assert.Equal(t, "http://ddb:8000", aws.StringValue(cfg.Endpoint))
	require.NotNil(t, cfg.Credentials)
}
