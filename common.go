package varys

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type ClientID string
type SlaveID string
type CoflowID string
type FlowID string
type ServerAddress string

// DataID identifies one flow's payload across the whole cluster.
type DataID struct {
	CoflowID CoflowID
	FlowID   FlowID
}

func (d DataID) String() string {
	return fmt.Sprintf("%v/%v", d.CoflowID, d.FlowID)
}

// DataType tells where the bytes of a flow originate.
type DataType int

const (
	DataInMemory DataType = iota
	DataOnDisk
	DataFake
)

func (t DataType) String() string {
	switch t {
	case DataInMemory:
		return "INMEMORY"
	case DataOnDisk:
		return "ONDISK"
	case DataFake:
		return "FAKE"
	}
	return fmt.Sprintf("DataType(%d)", int(t))
}

// FlowDescription is the central record of the catalog: one named blob and
// where its bytes can be pulled from.
type FlowDescription struct {
	DataID       DataID
	DataType     DataType
	SizeInBytes  uint64
	NumReceivers uint32
	OriginHost   string
	OriginPort   uint16

	// only meaningful for DataOnDisk
	PathToFile string
	Offset     uint64
	Length     uint64

	// only meaningful for DataInMemory; carried opaquely
	ClassName string
}

// OriginAddress is the data-plane endpoint serving this flow.
func (d *FlowDescription) OriginAddress() ServerAddress {
	return ServerAddress(fmt.Sprintf("%s:%d", d.OriginHost, d.OriginPort))
}

// NewObjectDescription describes an in-memory flow served by the publishing
// client's own data server.
func NewObjectDescription(id DataID, className string, size uint64, numReceivers uint32, host string, port uint16) FlowDescription {
	return FlowDescription{
		DataID:       id,
		DataType:     DataInMemory,
		SizeInBytes:  size,
		NumReceivers: numReceivers,
		OriginHost:   host,
		OriginPort:   port,
		ClassName:    className,
	}
}

// NewFileDescription describes an on-disk flow. The origin port is rewritten
// by the local agent before the flow reaches the coordinator.
func NewFileDescription(id DataID, path string, offset, length uint64, numReceivers uint32, host string) FlowDescription {
	return FlowDescription{
		DataID:       id,
		DataType:     DataOnDisk,
		SizeInBytes:  length,
		NumReceivers: numReceivers,
		OriginHost:   host,
		PathToFile:   path,
		Offset:       offset,
		Length:       length,
	}
}

// NewFakeDescription describes a synthetic flow of the given size.
func NewFakeDescription(id DataID, size uint64, numReceivers uint32, host string) FlowDescription {
	return FlowDescription{
		DataID:       id,
		DataType:     DataFake,
		SizeInBytes:  size,
		NumReceivers: numReceivers,
		OriginHost:   host,
	}
}

// CoflowDescription is user-supplied metadata, stored verbatim by the
// coordinator.
type CoflowDescription struct {
	Name           string
	Priority       int32
	MaxFlows       uint32
	TotalSizeHint  uint64
	DeadlineMillis int64
}

type CoflowState int

const (
	CoflowRegistered CoflowState = iota
	CoflowRunning
	CoflowFinished
)

func (s CoflowState) String() string {
	switch s {
	case CoflowRegistered:
		return "REGISTERED"
	case CoflowRunning:
		return "RUNNING"
	case CoflowFinished:
		return "FINISHED"
	}
	return fmt.Sprintf("CoflowState(%d)", int(s))
}

type ErrorCode int

const (
	UnknownError ErrorCode = iota
	ConfigError
	ConnectivityError
	ProtocolError
	NotFoundError
	TypeMismatchError
	TimeoutError
)

// extended error type with error code
type Error struct {
	Code ErrorCode
	Err  string
}

func (e Error) Error() string {
	return e.Err
}

// GetErrorCode extracts the code from an error produced by this module.
func GetErrorCode(err error) ErrorCode {
	if e, ok := err.(Error); ok {
		return e.Code
	}
	return UnknownError
}

// system config
const (
	HeartbeatInterval  = 500 * time.Millisecond
	AllocationInterval = HeartbeatInterval
	LivenessMultiple   = 3
	DialTimeout        = 1 * time.Second

	DefaultAskWait = 5000 * time.Millisecond

	// throttle
	RefillInterval = 100 * time.Millisecond
	MinBucketBits  = 8 << 10 // 1 KiB of payload

	MaxFrameSize = 64 << 20

	DefaultMasterPort     = 1605
	DefaultSlavePort      = 1606
	DefaultSlaveWebUIPort = 16016
)

// AskTimeout is the synchronous ask timeout. It honors the
// varys.framework.ask.wait property through VARYS_FRAMEWORK_ASK_WAIT
// (milliseconds).
func AskTimeout() time.Duration {
	if v := os.Getenv("VARYS_FRAMEWORK_ASK_WAIT"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return DefaultAskWait
}
