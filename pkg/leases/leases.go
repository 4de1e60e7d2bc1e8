// Package leases reads the DynamoDB lease table the consumer daemon keeps
// for an application: one item per shard holding the owning worker and the
// last checkpoint.
package leases

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"

	"github.com/modoterra/kclbridge/pkg/core"
)

// ErrNoTable is returned when the lease table does not exist yet. The
// daemon creates it on first start.
var ErrNoTable = errors.New("lease table does not exist")

// Lease is one shard lease. Attribute names are the daemon's.
type Lease struct {
	ShardID       string   `dynamodbav:"leaseKey" json:"shard_id"`
	Owner         string   `dynamodbav:"leaseOwner" json:"owner,omitempty"`
	Counter       int64    `dynamodbav:"leaseCounter" json:"counter"`
	Checkpoint    string   `dynamodbav:"checkpoint" json:"checkpoint,omitempty"`
	SubSequence   int64    `dynamodbav:"checkpointSubSequenceNumber" json:"sub_sequence"`
	OwnerSwitches int64    `dynamodbav:"ownerSwitchesSinceCheckpoint" json:"owner_switches"`
	Parents       []string `dynamodbav:"parentShardId,stringset,omitempty" json:"parents,omitempty"`
}

// Finished reports whether the shard was read to its end.
func (l Lease) Finished() bool { return l.Checkpoint == "SHARD_END" }

// Options configure a Reader.
type Options struct {
	// Endpoint overrides the DynamoDB endpoint, e.g. http://localhost:4569.
	// When empty and the stream is local, it is derived from the stream's
	// connection override.
	Endpoint string
	// AccessKey and SecretKey force static credentials. Local streams get
	// placeholder credentials when these are empty.
	AccessKey string
	SecretKey string
}

// Reader reads the lease table of one application.
type Reader struct {
	db    dynamodbiface.DynamoDBAPI
	table string
}

// NewReader connects to the lease table of info.AppName.
func NewReader(info core.StreamInfo, opts Options) (*Reader, error) {
	sess, err := session.NewSession()
	if err != nil {
		return nil, fmt.Errorf("aws session: %w", err)
	}
	return NewReaderWithClient(dynamodb.New(sess, clientConfig(info, opts)), info.AppName), nil
}

// NewReaderWithClient wraps an existing client.
func NewReaderWithClient(db dynamodbiface.DynamoDBAPI, table string) *Reader {
	return &Reader{db: db, table: table}
}

// Table returns the lease table name.
func (r *Reader) Table() string { return r.table }

func clientConfig(info core.StreamInfo, opts Options) *aws.Config {
	region := info.Region
	if region == core.RegionLocal || region == "" {
		region = core.DefaultRegion
	}
	cfg := aws.NewConfig().WithRegion(region)

	endpoint := opts.Endpoint
	if endpoint == "" && info.Connection != nil {
		endpoint = fmt.Sprintf("%s://%s:%d", info.Connection.Protocol(), info.Connection.Host, core.DefaultDynamoDBPort)
	}
	if endpoint != "" {
		cfg = cfg.WithEndpoint(endpoint)
	}

	access, secret := opts.AccessKey, opts.SecretKey
	if access == "" && info.Connection != nil {
		access, secret = "local", "local"
	}
	if access != "" {
		cfg = cfg.WithCredentials(credentials.NewStaticCredentials(access, secret, ""))
	}
	return cfg
}

// List returns every lease, ordered by shard ID.
func (r *Reader) List(ctx context.Context) ([]Lease, error) {
	var (
		out    []Lease
		decErr error
	)
	err := r.db.ScanPagesWithContext(ctx, &dynamodb.ScanInput{
		TableName:      aws.String(r.table),
		ConsistentRead: aws.Bool(true),
	}, func(page *dynamodb.ScanOutput, _ bool) bool {
		var batch []Lease
		if err := dynamodbattribute.UnmarshalListOfMaps(page.Items, &batch); err != nil {
			decErr = fmt.Errorf("decode leases: %w", err)
			return false
		}
		out = append(out, batch...)
		return true
	})
	if err != nil {
		return nil, r.wrap(err)
	}
	if decErr != nil {
		return nil, decErr
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ShardID < out[j].ShardID })
	return out, nil
}

// Get returns the lease of one shard.
func (r *Reader) Get(ctx context.Context, shardID string) (Lease, error) {
	resp, err := r.db.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.table),
		Key: map[string]*dynamodb.AttributeValue{
			"leaseKey": {S: aws.String(shardID)},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return Lease{}, r.wrap(err)
	}
	// Missing items come back with no attributes.
	if len(resp.Item) == 0 {
		return Lease{}, fmt.Errorf("shard %s: %w", shardID, errNoLease)
	}
	var l Lease
	if err := dynamodbattribute.UnmarshalMap(resp.Item, &l); err != nil {
		return Lease{}, fmt.Errorf("decode lease %s: %w", shardID, err)
	}
	return l, nil
}

var errNoLease = errors.New("no lease")

// IsNotFound reports whether err means the table or the lease is missing.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNoTable) || errors.Is(err, errNoLease)
}

// Reset deletes the lease table so the next daemon start begins from its
// initial position. A missing table is not an error.
func (r *Reader) Reset(ctx context.Context) error {
	_, err := r.db.DeleteTableWithContext(ctx, &dynamodb.DeleteTableInput{
		TableName: aws.String(r.table),
	})
	if err != nil {
		err = r.wrap(err)
		if errors.Is(err, ErrNoTable) {
			return nil
		}
		return err
	}
	return nil
}

// Owners counts leases per worker. Unowned leases are keyed by "".
func Owners(leases []Lease) map[string]int {
	out := make(map[string]int)
	for _, l := range leases {
		out[l.Owner]++
	}
	return out
}

func (r *Reader) wrap(err error) error {
	var aerr awserr.Error
	if errors.As(err, &aerr) && aerr.Code() == dynamodb.ErrCodeResourceNotFoundException {
		return fmt.Errorf("%s: %w", r.table, ErrNoTable)
	}
	return fmt.Errorf("lease table %s: %w", r.table, err)
}
