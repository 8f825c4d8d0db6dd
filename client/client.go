// Package client is the Varys client-side driver: it registers with the
// coordinator, publishes and retrieves flows, and enforces the rate
// allocations the coordinator pushes down.
package client

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"varys"
	"varys/dataplane"
	"varys/throttle"
	"varys/transport"
)

// Client embeds the transfer fabric into an application process.
type Client struct {
	name string
	host string

	masterConn *transport.Conn
	events     chan transport.Event
	data       *dataplane.Server
	store      *objectStore
	shutdown   chan struct{}

	registered chan struct{} // closed once RegisteredClient arrives
	deadCh     chan struct{} // closed when the client is disconnected
	killOnce   sync.Once

	mu             sync.Mutex
	clientID       varys.ClientID
	slaveID        varys.SlaveID
	slaveConn      *transport.Conn
	dead           bool
	flowToRate     map[varys.DataID]int64
	flowToThrottle map[varys.DataID]*throttle.ThrottledReader
	pending        map[uint16][]chan varys.Message
	onDisconnect   func(error)
	notified       bool
}

// New starts a client: it opens its in-process data server, connects to the
// coordinator at masterURL and begins the registration handshake. host is
// the address this machine is reachable under; it determines which agent
// the coordinator binds the client to. Registration completes
// asynchronously — public methods block on it.
func New(masterURL, name, host string) (*Client, error) {
	mHost, mPort, err := transport.ParseURL(masterURL)
	if err != nil {
		return nil, err
	}

	c := &Client{
		name:           name,
		host:           host,
		events:         make(chan transport.Event, 256),
		store:          newObjectStore(),
		shutdown:       make(chan struct{}),
		registered:     make(chan struct{}),
		deadCh:         make(chan struct{}),
		flowToRate:     make(map[varys.DataID]int64),
		flowToThrottle: make(map[varys.DataID]*throttle.ThrottledReader),
		pending:        make(map[uint16][]chan varys.Message),
	}

	data, err := dataplane.NewAndServe(transport.Addr(host, 0), c.store)
	if err != nil {
		return nil, err
	}
	c.data = data

	conn, err := transport.Dial(transport.Addr(mHost, mPort), varys.DialTimeout)
	if err != nil {
		data.Shutdown()
		return nil, err
	}
	c.masterConn = conn
	conn.Start(c.events)
	go c.mailbox()

	err = conn.Send(&varys.RegisterClient{Name: name, Host: host, CommPort: data.Port()})
	if err != nil {
		c.markDead(err)
		return nil, err
	}
	return c, nil
}

// OnDisconnect registers a listener invoked at most once when the client
// loses its control connections.
func (c *Client) OnDisconnect(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = fn
}

// ID returns the coordinator-assigned client id, blocking on registration.
func (c *Client) ID() (varys.ClientID, error) {
	if err := c.waitForRegistration(); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID, nil
}

// waitForRegistration blocks until the RegisteredClient reply has been
// processed. All public operations pass through here first.
func (c *Client) waitForRegistration() error {
	select {
	case <-c.registered:
		return nil
	case <-c.deadCh:
		return varys.Error{Code: varys.ConnectivityError, Err: "client is disconnected"}
	case <-time.After(varys.AskTimeout()):
		return varys.Error{Code: varys.TimeoutError, Err: "registration timed out"}
	}
}

func (c *Client) mailbox() {
	for {
		select {
		case <-c.shutdown:
			return
		case ev := <-c.events:
			c.handleEvent(ev)
		}
	}
}

func (c *Client) handleEvent(ev transport.Event) {
	switch ev.Kind {
	case transport.EventDisconnected:
		c.mu.Lock()
		fromControl := ev.Conn == c.masterConn || ev.Conn == c.slaveConn
		c.mu.Unlock()
		if fromControl {
			err := ev.Err
			if err == nil {
				err = varys.Error{Code: varys.ConnectivityError, Err: "control connection closed"}
			}
			c.markDead(err)
		}
	case transport.EventMessage:
		c.handleMessage(ev.Msg)
	}
}

func (c *Client) handleMessage(msg varys.Message) {
	switch m := msg.(type) {
	case *varys.RegisteredClient:
		c.completeRegistration(m)
	case *varys.UpdatedRates:
		c.applyRates(m.Rates)
	default:
		c.deliverReply(msg)
	}
}

// completeRegistration records the assigned ids, connects to the local
// agent and releases every caller blocked on the barrier.
func (c *Client) completeRegistration(m *varys.RegisteredClient) {
	sHost, sPort, err := transport.ParseURL(m.SlaveURL)
	if err != nil {
		c.markDead(err)
		return
	}
	sc, err := transport.Dial(transport.Addr(sHost, sPort), varys.DialTimeout)
	if err != nil {
		c.markDead(err)
		return
	}
	sc.Start(c.events)

	c.mu.Lock()
	c.clientID = m.ClientID
	c.slaveID = m.SlaveID
	c.slaveConn = sc
	c.mu.Unlock()

	log.Infof("Client %v registered as %v, local slave %v", c.name, m.ClientID, m.SlaveID)
	close(c.registered)
}

// applyRates stores the latest allocations and retunes any transfer that is
// already in flight.
func (c *Client) applyRates(rates []varys.FlowRate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range rates {
		id := r.Desc.DataID
		c.flowToRate[id] = r.Bps
		if tr, ok := c.flowToThrottle[id]; ok {
			tr.SetRate(r.Bps)
		}
	}
}

func (c *Client) deliverReply(msg varys.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q := c.pending[msg.Tag()]
	if len(q) == 0 {
		// a reply whose asker already timed out; drop it
		return
	}
	ch := q[0]
	c.pending[msg.Tag()] = q[1:]
	ch <- msg
}

// markDead transitions the client into the disconnected state: the barrier
// and every pending ask fail, and the listener is notified at most once.
func (c *Client) markDead(err error) {
	c.mu.Lock()
	if c.dead {
		c.mu.Unlock()
		return
	}
	c.dead = true
	var waiters []chan varys.Message
	for tag, q := range c.pending {
		waiters = append(waiters, q...)
		delete(c.pending, tag)
	}
	fn := c.onDisconnect
	notify := !c.notified
	c.notified = true
	c.mu.Unlock()

	close(c.deadCh)
	for _, ch := range waiters {
		close(ch)
	}
	if notify && fn != nil {
		fn(err)
	}
	log.Warnf("Client %v disconnected: %v", c.name, err)
}

// ask sends a request and blocks for the matching reply tag, up to the ask
// timeout. Late replies are discarded by the mailbox.
func (c *Client) ask(conn *transport.Conn, req varys.Message, replyTag uint16) (varys.Message, error) {
	ch := make(chan varys.Message, 1)
	c.mu.Lock()
	if c.dead {
		c.mu.Unlock()
		return nil, varys.Error{Code: varys.ConnectivityError, Err: "client is disconnected"}
	}
	c.pending[replyTag] = append(c.pending[replyTag], ch)
	c.mu.Unlock()

	if err := conn.Send(req); err != nil {
		c.removeWaiter(replyTag, ch)
		return nil, err
	}
	select {
	case reply, ok := <-ch:
		if !ok {
			return nil, varys.Error{Code: varys.ConnectivityError, Err: "client is disconnected"}
		}
		return reply, nil
	case <-time.After(varys.AskTimeout()):
		c.removeWaiter(replyTag, ch)
		return nil, varys.Error{Code: varys.TimeoutError, Err: fmt.Sprintf("ask %#x timed out", req.Tag())}
	}
}

func (c *Client) removeWaiter(tag uint16, ch chan varys.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q := c.pending[tag]
	for i, w := range q {
		if w == ch {
			c.pending[tag] = append(q[:i], q[i+1:]...)
			return
		}
	}
}

func (c *Client) slaveSend(msg varys.Message) error {
	c.mu.Lock()
	sc := c.slaveConn
	c.mu.Unlock()
	if sc == nil {
		return varys.Error{Code: varys.ConnectivityError, Err: "no slave connection"}
	}
	return sc.Send(msg)
}

//------ coflow lifecycle

// RegisterCoflow asks the coordinator for a fresh coflow and tells the local
// agent about it.
func (c *Client) RegisterCoflow(desc varys.CoflowDescription) (varys.CoflowID, error) {
	if err := c.waitForRegistration(); err != nil {
		return "", err
	}
	c.mu.Lock()
	cid := c.clientID
	c.mu.Unlock()
	reply, err := c.ask(c.masterConn, &varys.RegisterCoflow{ClientID: cid, Desc: desc}, varys.TagRegisteredCoflow)
	if err != nil {
		return "", err
	}
	cfid := reply.(*varys.RegisteredCoflow).CoflowID
	if err := c.slaveSend(&varys.RegisteredCoflow{CoflowID: cfid}); err != nil {
		log.Warnf("tell slave about coflow %v: %v", cfid, err)
	}
	return cfid, nil
}

// UnregisterCoflow removes the coflow at the coordinator and the agent and
// purges all local per-flow state under it. Fire and forget.
func (c *Client) UnregisterCoflow(cfid varys.CoflowID) error {
	if err := c.waitForRegistration(); err != nil {
		return err
	}
	if err := c.masterConn.Send(&varys.UnregisterCoflow{CoflowID: cfid}); err != nil {
		return err
	}
	if err := c.slaveSend(&varys.UnregisterCoflow{CoflowID: cfid}); err != nil {
		log.Warnf("tell slave about coflow %v removal: %v", cfid, err)
	}
	c.purgeCoflow(cfid)
	return nil
}

func (c *Client) purgeCoflow(cfid varys.CoflowID) {
	c.mu.Lock()
	for id := range c.flowToRate {
		if id.CoflowID == cfid {
			delete(c.flowToRate, id)
		}
	}
	for id := range c.flowToThrottle {
		if id.CoflowID == cfid {
			delete(c.flowToThrottle, id)
		}
	}
	c.mu.Unlock()
	c.store.DeleteCoflow(cfid)
}

//------ put

// PutObject serializes obj, keeps the bytes in this process and publishes an
// in-memory flow served by the client's own data server. Non-blocking.
func (c *Client) PutObject(id varys.FlowID, obj any, cfid varys.CoflowID, size uint64, numReceivers uint32) error {
	if err := c.waitForRegistration(); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(obj); err != nil {
		return varys.Error{Code: varys.ProtocolError, Err: fmt.Sprintf("serialize object %v: %v", id, err)}
	}
	dataID := varys.DataID{CoflowID: cfid, FlowID: id}
	c.store.Put(dataID, buf.Bytes())
	desc := varys.NewObjectDescription(dataID, fmt.Sprintf("%T", obj), size, numReceivers, c.host, c.data.Port())
	return c.slaveSend(&varys.AddFlow{Desc: desc})
}

// PutFile publishes length bytes of an on-disk file starting at offset. The
// local agent serves the bytes. Non-blocking.
func (c *Client) PutFile(id varys.FlowID, path string, cfid varys.CoflowID, offset, length uint64, numReceivers uint32) error {
	if err := c.waitForRegistration(); err != nil {
		return err
	}
	dataID := varys.DataID{CoflowID: cfid, FlowID: id}
	desc := varys.NewFileDescription(dataID, path, offset, length, numReceivers, c.host)
	return c.slaveSend(&varys.AddFlow{Desc: desc})
}

// PutFake publishes a synthetic flow of the given size. Non-blocking.
func (c *Client) PutFake(id varys.FlowID, cfid varys.CoflowID, size uint64, numReceivers uint32) error {
	if err := c.waitForRegistration(); err != nil {
		return err
	}
	dataID := varys.DataID{CoflowID: cfid, FlowID: id}
	desc := varys.NewFakeDescription(dataID, size, numReceivers, c.host)
	return c.slaveSend(&varys.AddFlow{Desc: desc})
}

//------ get

// GetObject retrieves an in-memory flow and deserializes it into v, which
// must be a pointer to the published type.
func (c *Client) GetObject(id varys.FlowID, cfid varys.CoflowID, v any) error {
	data, err := c.handleGet(id, cfid, varys.DataInMemory)
	if err != nil {
		return err
	}
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return varys.Error{Code: varys.TypeMismatchError, Err: fmt.Sprintf("decode object %v: %v", id, err)}
	}
	return nil
}

// GetFile retrieves the bytes of an on-disk flow.
func (c *Client) GetFile(id varys.FlowID, cfid varys.CoflowID) ([]byte, error) {
	return c.handleGet(id, cfid, varys.DataOnDisk)
}

// GetFake retrieves a synthetic flow.
func (c *Client) GetFake(id varys.FlowID, cfid varys.CoflowID) ([]byte, error) {
	return c.handleGet(id, cfid, varys.DataFake)
}

// handleGet is the common retrieval path: resolve the descriptor at the
// coordinator, let the local agent account the receive, then pull the bytes
// from the origin through a throttled reader at the last pushed rate.
func (c *Client) handleGet(id varys.FlowID, cfid varys.CoflowID, want varys.DataType) ([]byte, error) {
	if err := c.waitForRegistration(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	clientID, slaveID := c.clientID, c.slaveID
	c.mu.Unlock()

	req := &varys.GetFlow{FlowID: id, CoflowID: cfid, ClientID: clientID, SlaveID: slaveID}
	reply, err := c.ask(c.masterConn, req, varys.TagGotFlowDesc)
	if err != nil {
		return nil, err
	}
	got := reply.(*varys.GotFlowDesc)
	if !got.Found {
		return nil, varys.Error{Code: varys.NotFoundError, Err: fmt.Sprintf("flow %v/%v not found", cfid, id)}
	}
	desc := got.Desc
	if desc.DataType != want {
		return nil, varys.Error{Code: varys.TypeMismatchError, Err: fmt.Sprintf("flow %v is %v, requested %v", desc.DataID, desc.DataType, want)}
	}
	if err := c.slaveSend(req); err != nil {
		log.Warnf("tell slave about get %v: %v", desc.DataID, err)
	}

	dataID := desc.DataID
	c.mu.Lock()
	rate := c.flowToRate[dataID]
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.flowToThrottle, dataID)
		c.mu.Unlock()
	}()
	data, found, err := dataplane.Fetch(desc, rate, varys.DialTimeout, func(tr *throttle.ThrottledReader) {
		c.mu.Lock()
		c.flowToThrottle[dataID] = tr
		c.mu.Unlock()
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, varys.Error{Code: varys.NotFoundError, Err: fmt.Sprintf("origin has no bytes for %v", dataID)}
	}
	return data, nil
}

// DeleteFlow withdraws a published flow. Fire and forget through the local
// agent.
func (c *Client) DeleteFlow(id varys.FlowID, cfid varys.CoflowID) error {
	if err := c.waitForRegistration(); err != nil {
		return err
	}
	dataID := varys.DataID{CoflowID: cfid, FlowID: id}
	c.store.Delete(dataID)
	c.mu.Lock()
	delete(c.flowToRate, dataID)
	c.mu.Unlock()
	return c.slaveSend(&varys.DeleteFlow{FlowID: id, CoflowID: cfid})
}

//------ placement queries

// GetBestRxMachines returns the n hosts with the lowest projected ingress
// load, ascending.
func (c *Client) GetBestRxMachines(n int, adjustBytes int64) ([]string, error) {
	if err := c.waitForRegistration(); err != nil {
		return nil, err
	}
	reply, err := c.ask(c.masterConn, &varys.RequestBestRxMachines{N: n, AdjustBytes: adjustBytes}, varys.TagBestRxMachines)
	if err != nil {
		return nil, err
	}
	return reply.(*varys.BestRxMachines).Hosts, nil
}

// GetBestRxMachine returns the single best ingress host.
func (c *Client) GetBestRxMachine(adjustBytes int64) (string, error) {
	hosts, err := c.GetBestRxMachines(1, adjustBytes)
	if err != nil {
		return "", err
	}
	if len(hosts) == 0 {
		return "", varys.Error{Code: varys.NotFoundError, Err: "no live slaves"}
	}
	return hosts[0], nil
}

// GetBestTxMachines returns the n hosts with the lowest projected egress
// load, ascending.
func (c *Client) GetBestTxMachines(n int, adjustBytes int64) ([]string, error) {
	if err := c.waitForRegistration(); err != nil {
		return nil, err
	}
	reply, err := c.ask(c.masterConn, &varys.RequestBestTxMachines{N: n, AdjustBytes: adjustBytes}, varys.TagBestTxMachines)
	if err != nil {
		return nil, err
	}
	return reply.(*varys.BestTxMachines).Hosts, nil
}

// GetBestTxMachine returns the single best egress host.
func (c *Client) GetBestTxMachine(adjustBytes int64) (string, error) {
	hosts, err := c.GetBestTxMachines(1, adjustBytes)
	if err != nil {
		return "", err
	}
	if len(hosts) == 0 {
		return "", varys.Error{Code: varys.NotFoundError, Err: "no live slaves"}
	}
	return hosts[0], nil
}

// GetSlaveState fetches the coordinator's view of an agent.
func (c *Client) GetSlaveState(id varys.SlaveID) (*varys.SlaveState, error) {
	if err := c.waitForRegistration(); err != nil {
		return nil, err
	}
	reply, err := c.ask(c.masterConn, &varys.RequestSlaveState{SlaveID: id}, varys.TagSlaveState)
	if err != nil {
		return nil, err
	}
	return reply.(*varys.SlaveState), nil
}

// RateFor returns the last allocation pushed for a flow, 0 when unlimited.
func (c *Client) RateFor(id varys.DataID) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flowToRate[id]
}

//------ teardown

// Stop gracefully leaves the cluster: a StopClient is sent to the
// coordinator (failure is swallowed) and all local resources are released.
func (c *Client) Stop() {
	if err := c.waitForRegistration(); err == nil {
		c.mu.Lock()
		cid := c.clientID
		c.mu.Unlock()
		if err := c.masterConn.Send(&varys.StopClient{ClientID: cid}); err != nil {
			log.Warnf("StopClient: %v", err)
		}
	}
	c.mu.Lock()
	c.notified = true // a self-initiated stop is not a failure
	c.mu.Unlock()
	c.Kill()
}

// Kill terminates the client abruptly, without telling the coordinator.
// The coordinator observes the dropped connection and cascades.
func (c *Client) Kill() {
	c.killOnce.Do(func() {
		c.mu.Lock()
		sc := c.slaveConn
		c.mu.Unlock()
		close(c.shutdown)
		c.masterConn.Close()
		if sc != nil {
			sc.Close()
		}
		c.data.Shutdown()
		c.markDead(varys.Error{Code: varys.ConnectivityError, Err: "client stopped"})
	})
}
