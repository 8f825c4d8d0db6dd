package varys

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// Control-plane message tags. The values are stable wire identifiers.
const (
	TagRegisterSlave         uint16 = 0x01
	TagRegisterClient        uint16 = 0x02
	TagHeartbeat             uint16 = 0x03
	TagRegisterCoflow        uint16 = 0x04
	TagUnregisterCoflow      uint16 = 0x05
	TagAddFlow               uint16 = 0x06
	TagGetFlow               uint16 = 0x07
	TagDeleteFlow            uint16 = 0x08
	TagUpdatedRates          uint16 = 0x09
	TagRequestBestRxMachines uint16 = 0x0A
	TagRequestBestTxMachines uint16 = 0x0B
	TagStopClient            uint16 = 0x0C
	TagRequestSlaveState     uint16 = 0x0D

	TagRegisteredSlave     uint16 = 0x11
	TagRegisterSlaveFailed uint16 = 0x12
	TagRegisteredClient    uint16 = 0x13
	TagRegisteredCoflow    uint16 = 0x14
	TagGotFlowDesc         uint16 = 0x17
	TagBestRxMachines      uint16 = 0x1A
	TagBestTxMachines      uint16 = 0x1B
	TagSlaveState          uint16 = 0x1D
)

// Message is any control-plane message that can travel over a framed
// transport channel.
type Message interface {
	Tag() uint16
}

//------ Slave <-> Master

type RegisterSlave struct {
	SlaveID    SlaveID
	Host       string
	Port       uint16
	WebUIPort  uint16
	CommPort   uint16
	PublicHost string
}

type RegisteredSlave struct {
	WebUIURL string
}

type RegisterSlaveFailed struct {
	Msg string
}

type Heartbeat struct {
	SlaveID SlaveID
	RxBps   int64
	TxBps   int64
}

type RequestSlaveState struct {
	SlaveID SlaveID
}

type SlaveState struct {
	Found      bool
	SlaveID    SlaveID
	Host       string
	Port       uint16
	CommPort   uint16
	WebUIPort  uint16
	PublicHost string
	RxBps      int64
	TxBps      int64
}

//------ Client <-> Master

type RegisterClient struct {
	Name     string
	Host     string
	CommPort uint16
}

type RegisteredClient struct {
	ClientID ClientID
	SlaveID  SlaveID
	SlaveURL string
}

type RegisterCoflow struct {
	ClientID ClientID
	Desc     CoflowDescription
}

type RegisteredCoflow struct {
	CoflowID CoflowID
}

type UnregisterCoflow struct {
	CoflowID CoflowID
}

type AddFlow struct {
	Desc FlowDescription
}

type GetFlow struct {
	FlowID   FlowID
	CoflowID CoflowID
	ClientID ClientID
	SlaveID  SlaveID
}

type GotFlowDesc struct {
	Found bool
	Desc  FlowDescription
}

type DeleteFlow struct {
	FlowID   FlowID
	CoflowID CoflowID
}

// FlowRate is one allocation entry of an UpdatedRates broadcast.
type FlowRate struct {
	Desc FlowDescription
	Bps  int64
}

type UpdatedRates struct {
	Rates []FlowRate
}

type RequestBestRxMachines struct {
	N           int
	AdjustBytes int64
}

type BestRxMachines struct {
	Hosts []string
}

type RequestBestTxMachines struct {
	N           int
	AdjustBytes int64
}

type BestTxMachines struct {
	Hosts []string
}

type StopClient struct {
	ClientID ClientID
}

func (RegisterSlave) Tag() uint16         { return TagRegisterSlave }
func (RegisteredSlave) Tag() uint16       { return TagRegisteredSlave }
func (RegisterSlaveFailed) Tag() uint16   { return TagRegisterSlaveFailed }
func (Heartbeat) Tag() uint16             { return TagHeartbeat }
func (RequestSlaveState) Tag() uint16     { return TagRequestSlaveState }
func (SlaveState) Tag() uint16            { return TagSlaveState }
func (RegisterClient) Tag() uint16        { return TagRegisterClient }
func (RegisteredClient) Tag() uint16      { return TagRegisteredClient }
func (RegisterCoflow) Tag() uint16        { return TagRegisterCoflow }
func (RegisteredCoflow) Tag() uint16      { return TagRegisteredCoflow }
func (UnregisterCoflow) Tag() uint16      { return TagUnregisterCoflow }
func (AddFlow) Tag() uint16               { return TagAddFlow }
func (GetFlow) Tag() uint16               { return TagGetFlow }
func (GotFlowDesc) Tag() uint16           { return TagGotFlowDesc }
func (DeleteFlow) Tag() uint16            { return TagDeleteFlow }
func (UpdatedRates) Tag() uint16          { return TagUpdatedRates }
func (RequestBestRxMachines) Tag() uint16 { return TagRequestBestRxMachines }
func (BestRxMachines) Tag() uint16        { return TagBestRxMachines }
func (RequestBestTxMachines) Tag() uint16 { return TagRequestBestTxMachines }
func (BestTxMachines) Tag() uint16        { return TagBestTxMachines }
func (StopClient) Tag() uint16            { return TagStopClient }

var messageTypes = map[uint16]func() Message{
	TagRegisterSlave:         func() Message { return new(RegisterSlave) },
	TagRegisteredSlave:       func() Message { return new(RegisteredSlave) },
	TagRegisterSlaveFailed:   func() Message { return new(RegisterSlaveFailed) },
	TagHeartbeat:             func() Message { return new(Heartbeat) },
	TagRequestSlaveState:     func() Message { return new(RequestSlaveState) },
	TagSlaveState:            func() Message { return new(SlaveState) },
	TagRegisterClient:        func() Message { return new(RegisterClient) },
	TagRegisteredClient:      func() Message { return new(RegisteredClient) },
	TagRegisterCoflow:        func() Message { return new(RegisterCoflow) },
	TagRegisteredCoflow:      func() Message { return new(RegisteredCoflow) },
	TagUnregisterCoflow:      func() Message { return new(UnregisterCoflow) },
	TagAddFlow:               func() Message { return new(AddFlow) },
	TagGetFlow:               func() Message { return new(GetFlow) },
	TagGotFlowDesc:           func() Message { return new(GotFlowDesc) },
	TagDeleteFlow:            func() Message { return new(DeleteFlow) },
	TagUpdatedRates:          func() Message { return new(UpdatedRates) },
	TagRequestBestRxMachines: func() Message { return new(RequestBestRxMachines) },
	TagBestRxMachines:        func() Message { return new(BestRxMachines) },
	TagRequestBestTxMachines: func() Message { return new(RequestBestTxMachines) },
	TagBestTxMachines:        func() Message { return new(BestTxMachines) },
	TagStopClient:            func() Message { return new(StopClient) },
}

// EncodeMessage serializes the message payload. The tag travels separately in
// the frame header.
func EncodeMessage(m Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(m); err != nil {
		return nil, Error{Code: ProtocolError, Err: fmt.Sprintf("encode %#x: %v", m.Tag(), err)}
	}
	return buf.Bytes(), nil
}

// DecodeMessage rebuilds a message from a frame. Unknown tags and malformed
// payloads are protocol errors.
func DecodeMessage(tag uint16, payload []byte) (Message, error) {
	mk, ok := messageTypes[tag]
	if !ok {
		return nil, Error{Code: ProtocolError, Err: fmt.Sprintf("unknown message tag %#x", tag)}
	}
	m := mk()
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(m); err != nil {
		return nil, Error{Code: ProtocolError, Err: fmt.Sprintf("decode %#x: %v", tag, err)}
	}
	return m, nil
}
