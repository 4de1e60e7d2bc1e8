package multilang

import (
	"encoding/json"
	"fmt"
)

// Checkpointer records progress for the current shard. An empty sequence
// number checkpoints at the last record delivered.
type Checkpointer interface {
	Checkpoint(sequenceNumber string) error
}

type InitializeInput struct {
	ShardID           string
	SequenceNumber    string
	SubSequenceNumber int64
}

type ProcessRecordsInput struct {
	// RawRecords is the records array exactly as the daemon sent it.
	RawRecords         json.RawMessage
	MillisBehindLatest int64
	Checkpointer       Checkpointer
}

// Records decodes RawRecords on demand.
func (in ProcessRecordsInput) Records() ([]Record, error) {
	if len(in.RawRecords) == 0 {
		return nil, nil
	}
	var records []Record
	if err := json.Unmarshal(in.RawRecords, &records); err != nil {
		return nil, fmt.Errorf("decode records: %w", err)
	}
	return records, nil
}

type ShutdownInput struct {
	Reason       string
	Checkpointer Checkpointer
}

type LeaseLostInput struct{}

type ShardEndedInput struct {
	Checkpointer Checkpointer
}

type ShutdownRequestedInput struct {
	Checkpointer Checkpointer
}

// RecordProcessor handles the records of one shard.
type RecordProcessor interface {
	Initialize(InitializeInput) error
	ProcessRecords(ProcessRecordsInput) error
	Shutdown(ShutdownInput) error
}

// LeaseLoser is implemented by processors that handle leaseLost. Without
// it, Shutdown is called with ReasonZombie.
type LeaseLoser interface {
	LeaseLost(LeaseLostInput) error
}

// ShardEnder is implemented by processors that handle shardEnded. Without
// it, Shutdown is called with ReasonTerminate.
type ShardEnder interface {
	ShardEnded(ShardEndedInput) error
}

// ShutdownRequester is implemented by processors that want a chance to
// checkpoint before a requested shutdown. Without it the request is only
// acknowledged.
type ShutdownRequester interface {
	ShutdownRequested(ShutdownRequestedInput) error
}
