// Package multilang implements the record-processor side of the KCL
// MultiLangDaemon protocol: newline-delimited JSON actions on stdin,
// acknowledgements and checkpoint requests on stdout.
package multilang

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Actions sent by the daemon.
const (
	ActionInitialize        = "initialize"
	ActionProcessRecords    = "processRecords"
	ActionCheckpoint        = "checkpoint"
	ActionShutdown          = "shutdown"
	ActionShutdownRequested = "shutdownRequested"
	ActionLeaseLost         = "leaseLost"
	ActionShardEnded        = "shardEnded"

	actionStatus = "status"
)

// Shutdown reasons.
const (
	ReasonTerminate = "TERMINATE"
	ReasonZombie    = "ZOMBIE"
	ReasonRequested = "REQUESTED"
)

// Checkpoint error codes reported by the daemon.
const (
	ErrCodeThrottling   = "ThrottlingException"
	ErrCodeShutdown     = "ShutdownException"
	ErrCodeInvalidState = "InvalidStateException"
)

// Record is one Kinesis record as delivered by the daemon.
type Record struct {
	Data                        string `json:"data"`
	PartitionKey                string `json:"partitionKey"`
	SequenceNumber              string `json:"sequenceNumber"`
	SubSequenceNumber           int64  `json:"subSequenceNumber,omitempty"`
	ApproximateArrivalTimestamp int64  `json:"approximateArrivalTimestamp,omitempty"`
}

// Bytes decodes the base64 payload.
func (r Record) Bytes() ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(r.Data)
	if err != nil {
		return nil, fmt.Errorf("decode record %s: %w", r.SequenceNumber, err)
	}
	return b, nil
}

// CheckpointError is returned by Checkpoint when the daemon rejects it.
type CheckpointError struct {
	Code string
}

func (e *CheckpointError) Error() string {
	return "checkpoint failed: " + e.Code
}

// Retryable reports whether the checkpoint may succeed if attempted again.
func (e *CheckpointError) Retryable() bool {
	return e.Code == ErrCodeThrottling
}

// inbound is the union of every action the daemon sends.
type inbound struct {
	Action             string          `json:"action"`
	ShardID            string          `json:"shardId,omitempty"`
	SequenceNumber     *string         `json:"sequenceNumber,omitempty"`
	SubSequenceNumber  *int64          `json:"subSequenceNumber,omitempty"`
	Records            json.RawMessage `json:"records,omitempty"`
	MillisBehindLatest int64           `json:"millisBehindLatest,omitempty"`
	Reason             string          `json:"reason,omitempty"`
	Error              string          `json:"error,omitempty"`
}

type statusMessage struct {
	Action      string `json:"action"`
	ResponseFor string `json:"responseFor"`
}

type checkpointMessage struct {
	Action         string  `json:"action"`
	SequenceNumber *string `json:"sequenceNumber"`
}
