// Package control defines the messages exchanged between a pipeline and its
// supervising goroutine, and the channel plumbing used to exchange them
// without ever blocking the packet fast path.
package control

import (
	"time"

	"github.com/google/uuid"
)

// PipelineId identifies a pipeline by the core it runs on, the NIC port it
// owns, and the RX queue it drains. It is immutable after construction and
// doubles as a log/trace tag.
type PipelineId struct {
	Core   int
	PortID int
	RXQ    int
}

func (id PipelineId) String() string {
	return "core" + itoa(id.Core) + "/port" + itoa(id.PortID) + "/rxq" + itoa(id.RXQ)
}

func itoa(v int) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// TaskType enumerates the kinds of tasks a supervisor can register with a
// pipeline.
type TaskType uint8

const (
	TaskUnknown TaskType = iota
	TaskStartInjection
	TaskStopInjection
	TaskDrainAndExit
)

func (t TaskType) String() string {
	switch t {
	case TaskStartInjection:
		return "StartInjection"
	case TaskStopInjection:
		return "StopInjection"
	case TaskDrainAndExit:
		return "DrainAndExit"
	default:
		return "Unknown"
	}
}

// Task is a unit of work the supervisor assigns to a pipeline, tagged with a
// UUID so completion can be correlated in logs.
type Task struct {
	PipelineID PipelineId
	TaskUUID   uuid.UUID
	Type       TaskType
}

// Counter reports the current value of every TcpStatistics counter kept by
// a pipeline, optionally with a time series sample if profiling is enabled.
type Counter struct {
	PipelineID PipelineId
	From, To   time.Time
	Values     map[string]uint64
	Series     []Sample // optional, nil unless profiling enabled.
}

// Sample is one profiling data point: counter values observed at Time.
type Sample struct {
	Time   time.Time
	Values map[string]uint64
}

// Record is the flushed form of a connection manager's append-only
// connection record, sent to the supervisor on request.
type Record struct {
	Port          uint16
	ClientPort    uint16
	PeerIP        [4]byte
	PeerPort      uint16
	UUID          uuid.UUID
	StateHistory  []string
	ReleaseCause  string
	PayloadPkts   uint64
}

// CRecords carries the uncompleted/flushed connection records from both
// connection managers of a pipeline.
type CRecords struct {
	PipelineID     PipelineId
	ClientRecords  []Record
	ServerRecords  []Record
}

// FetchCounter is an inbound request for the current Counter snapshot.
type FetchCounter struct {
	PipelineID PipelineId
}

// FetchCRecords is an inbound request to flush and return connection
// records.
type FetchCRecords struct {
	PipelineID PipelineId
}

// Inbound is the set of requests a supervisor may send to a pipeline. Only
// one of the fields is non-nil.
type Inbound struct {
	FetchCounter  *FetchCounter
	FetchCRecords *FetchCRecords
}

// Outbound is the set of messages a pipeline may send to its supervisor.
// Only one of the fields is non-nil.
type Outbound struct {
	Task     *Task
	Counter  *Counter
	CRecords *CRecords
}
