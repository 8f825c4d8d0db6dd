// Package master implements the cluster coordinator: membership of agents
// and clients, the coflow/flow catalog, host ranking and the periodic rate
// dispatch.
package master

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"varys"
	"varys/transport"
)

// Policy maps a catalog snapshot to per-flow rate allocations in bits per
// second. A nil policy, a nil result, a missing entry or a non-positive
// rate sends no allocation for the flow: a client that never received one
// reads it unlimited, a client that did keeps the last rate it received.
type Policy func(Snapshot) map[varys.DataID]int64

// Master is the cluster coordinator. All registration state is mutated on a
// single mailbox goroutine; side tickers (liveness sweep, rate dispatch) are
// folded into the same select.
type Master struct {
	addr      varys.ServerAddress
	webUIPort uint16
	policy    Policy

	events   chan transport.Event
	listener *transport.Listener
	shutdown chan struct{}
	stopOnce sync.Once

	am  *agentManager
	cat *catalog

	// conn -> registered identity; touched only on the mailbox goroutine
	peers map[*transport.Conn]peerIdentity
}

type peerIdentity struct {
	slaveID  varys.SlaveID
	clientID varys.ClientID
}

// NewAndServe starts a coordinator and returns the pointer to it.
func NewAndServe(addr varys.ServerAddress, webUIPort uint16, policy Policy) (*Master, error) {
	m := &Master{
		addr:      addr,
		webUIPort: webUIPort,
		policy:    policy,
		events:    make(chan transport.Event, 256),
		shutdown:  make(chan struct{}),
		am:        newAgentManager(),
		cat:       newCatalog(),
		peers:     make(map[*transport.Conn]peerIdentity),
	}
	l, err := transport.Listen(addr, m.events)
	if err != nil {
		return nil, err
	}
	m.listener = l

	go m.mailbox()

	log.Infof("Master is running now. addr = %v", m.listener.Addr())
	return m, nil
}

// Addr is the coordinator's bound address.
func (m *Master) Addr() varys.ServerAddress {
	return m.listener.Addr()
}

// URL is the coordinator's peer URL.
func (m *Master) URL() string {
	host, port, _ := splitAddr(string(m.listener.Addr()))
	return transport.URL(host, port)
}

// Shutdown shuts the coordinator down.
func (m *Master) Shutdown() {
	m.stopOnce.Do(func() {
		close(m.shutdown)
		m.listener.Close()
	})
}

func (m *Master) mailbox() {
	sweep := time.NewTicker(varys.HeartbeatInterval)
	defer sweep.Stop()
	alloc := time.NewTicker(varys.AllocationInterval)
	defer alloc.Stop()
	for {
		select {
		case <-m.shutdown:
			return
		case ev := <-m.events:
			m.handleEvent(ev)
		case <-sweep.C:
			m.sweepDeadAgents()
		case <-alloc.C:
			m.dispatchRates()
		}
	}
}

func (m *Master) handleEvent(ev transport.Event) {
	switch ev.Kind {
	case transport.EventConnected:
		// peers only matter once they register
	case transport.EventDisconnected:
		m.handlePeerTerminated(ev.Conn, ev.Err)
	case transport.EventMessage:
		m.handleMessage(ev.Conn, ev.Msg)
	}
}

func (m *Master) handleMessage(conn *transport.Conn, msg varys.Message) {
	switch req := msg.(type) {
	case *varys.RegisterSlave:
		m.handleRegisterSlave(conn, req)
	case *varys.RegisterClient:
		m.handleRegisterClient(conn, req)
	case *varys.Heartbeat:
		if !m.am.Heartbeat(req.SlaveID, req.RxBps, req.TxBps) {
			log.Warnf("heartbeat from unregistered slave %v", req.SlaveID)
		}
	case *varys.RegisterCoflow:
		cfid, err := m.cat.RegisterCoflow(req.ClientID, req.Desc)
		if err != nil {
			log.Warnf("RegisterCoflow from %v: %v", req.ClientID, err)
			return
		}
		log.Infof("Registered coflow %v (%v) for %v", cfid, req.Desc.Name, req.ClientID)
		m.reply(conn, &varys.RegisteredCoflow{CoflowID: cfid})
	case *varys.UnregisterCoflow:
		m.unregisterCoflow(req.CoflowID)
	case *varys.AddFlow:
		if err := m.cat.AddFlow(req.Desc); err != nil {
			log.Warnf("AddFlow %v: %v", req.Desc.DataID, err)
			return
		}
		log.Infof("Added flow %v (%v, %v bytes) at %v", req.Desc.DataID, req.Desc.DataType, req.Desc.SizeInBytes, req.Desc.OriginAddress())
	case *varys.GetFlow:
		desc, ok := m.cat.GetFlow(req.FlowID, req.CoflowID, req.ClientID)
		m.reply(conn, &varys.GotFlowDesc{Found: ok, Desc: desc})
	case *varys.DeleteFlow:
		m.cat.DeleteFlow(req.FlowID, req.CoflowID)
	case *varys.RequestBestRxMachines:
		m.reply(conn, &varys.BestRxMachines{Hosts: m.am.BestRx(req.N, req.AdjustBytes)})
	case *varys.RequestBestTxMachines:
		m.reply(conn, &varys.BestTxMachines{Hosts: m.am.BestTx(req.N, req.AdjustBytes)})
	case *varys.StopClient:
		m.removeClient(req.ClientID)
	case *varys.RequestSlaveState:
		m.reply(conn, m.slaveState(req.SlaveID))
	default:
		log.Warnf("unexpected message %#x from %v", msg.Tag(), conn.RemoteAddr())
	}
}

func (m *Master) handleRegisterSlave(conn *transport.Conn, req *varys.RegisterSlave) {
	info := &agentInfo{
		slaveID:    req.SlaveID,
		host:       req.Host,
		port:       req.Port,
		commPort:   req.CommPort,
		webUIPort:  req.WebUIPort,
		publicHost: req.PublicHost,
		conn:       conn,
	}
	if err := m.am.Register(info); err != nil {
		log.Warnf("RegisterSlave %v: %v", req.SlaveID, err)
		m.reply(conn, &varys.RegisterSlaveFailed{Msg: err.Error()})
		return
	}
	m.peers[conn] = peerIdentity{slaveID: req.SlaveID}
	log.Infof("Registered slave %v at %v:%v (comm %v)", req.SlaveID, req.Host, req.Port, req.CommPort)
	m.reply(conn, &varys.RegisteredSlave{WebUIURL: fmt.Sprintf("http://%s:%d", info.hostName(), req.WebUIPort)})
}

func (m *Master) handleRegisterClient(conn *transport.Conn, req *varys.RegisterClient) {
	agent, ok := m.am.ForHost(req.Host)
	if !ok {
		// no failure tag exists for clients; the asker times out
		log.Warnf("RegisterClient %v: no slave on host %v", req.Name, req.Host)
		return
	}
	cid := m.cat.RegisterClient(req.Name, req.Host, req.CommPort, agent.slaveID, conn)
	m.peers[conn] = peerIdentity{clientID: cid}
	log.Infof("Registered client %v (%v) on %v, slave %v", cid, req.Name, req.Host, agent.slaveID)
	m.reply(conn, &varys.RegisteredClient{
		ClientID: cid,
		SlaveID:  agent.slaveID,
		SlaveURL: transport.URL(agent.host, agent.port),
	})
}

func (m *Master) slaveState(id varys.SlaveID) *varys.SlaveState {
	a, ok := m.am.Get(id)
	if !ok {
		return &varys.SlaveState{Found: false}
	}
	return &varys.SlaveState{
		Found:      true,
		SlaveID:    a.slaveID,
		Host:       a.host,
		Port:       a.port,
		CommPort:   a.commPort,
		WebUIPort:  a.webUIPort,
		PublicHost: a.publicHost,
		RxBps:      a.lastRxBps,
		TxBps:      a.lastTxBps,
	}
}

func (m *Master) reply(conn *transport.Conn, msg varys.Message) {
	if err := conn.Send(msg); err != nil {
		log.Errorf("reply %#x to %v: %v", msg.Tag(), conn.RemoteAddr(), err)
	}
}

// unregisterCoflow removes the coflow with all its flows and tells the
// owning client's agent to drop its local accounting.
func (m *Master) unregisterCoflow(cfid varys.CoflowID) {
	ownerSlave, ok := m.cat.UnregisterCoflow(cfid)
	if !ok {
		return
	}
	log.Infof("Unregistered coflow %v", cfid)
	if a, found := m.am.Get(ownerSlave); found {
		if err := a.conn.Send(&varys.UnregisterCoflow{CoflowID: cfid}); err != nil {
			log.Errorf("notify slave %v of coflow %v removal: %v", ownerSlave, cfid, err)
		}
	}
}

// handlePeerTerminated reacts to a dropped connection: a registered peer is
// removed with full cascade, per the membership rules.
func (m *Master) handlePeerTerminated(conn *transport.Conn, err error) {
	id, ok := m.peers[conn]
	if !ok {
		return
	}
	delete(m.peers, conn)
	if err != nil {
		log.Warnf("peer %v terminated abnormally: %v", conn.RemoteAddr(), err)
	}
	if id.slaveID != "" {
		m.removeSlave(id.slaveID)
	}
	if id.clientID != "" {
		m.removeClient(id.clientID)
	}
}

// removeSlave drops an agent and cascades to every client bound to it.
func (m *Master) removeSlave(id varys.SlaveID) {
	a, ok := m.am.Remove(id)
	if !ok {
		return
	}
	log.Warnf("Slave %v is gone", id)
	a.conn.Close()
	for _, cid := range m.cat.ClientsOfSlave(id) {
		m.removeClient(cid)
	}
}

// removeClient drops a client and cascades to all coflows it owns.
func (m *Master) removeClient(id varys.ClientID) {
	rec, ok := m.cat.Client(id)
	if !ok {
		return
	}
	for _, cfid := range m.cat.RemoveClient(id) {
		log.Infof("Coflow %v removed with client %v", cfid, id)
	}
	log.Warnf("Client %v (%v) is gone", id, rec.name)
	delete(m.peers, rec.conn)
	rec.conn.Close()
}

// sweepDeadAgents is the liveness sweep: agents silent for longer than the
// heartbeat window are removed with cascade.
func (m *Master) sweepDeadAgents() {
	for _, id := range m.am.DetectDead(time.Now()) {
		log.Warnf("Slave %v missed %d heartbeats, removing", id, varys.LivenessMultiple)
		m.removeSlave(id)
	}
}

// dispatchRates runs the policy over a catalog snapshot and pushes each
// client the positive allocations for catalog flows it has fetched with
// GetFlow. A flow is not taken off a client's list when its transfer ends,
// so the client keeps receiving allocations for it while the flow remains
// in the catalog.
func (m *Master) dispatchRates() {
	if m.policy == nil {
		return
	}
	snap := m.cat.Snapshot()
	rates := m.policy(snap)
	if len(rates) == 0 {
		return
	}
	descs := snap.Descriptions()
	for _, rv := range m.cat.receivers() {
		var upd varys.UpdatedRates
		for id := range rv.activeGets {
			bps, ok := rates[id]
			if !ok || bps <= 0 {
				continue
			}
			desc, ok := descs[id]
			if !ok {
				continue
			}
			upd.Rates = append(upd.Rates, varys.FlowRate{Desc: desc, Bps: bps})
		}
		if len(upd.Rates) == 0 {
			continue
		}
		if err := rv.conn.Send(&upd); err != nil {
			log.Errorf("UpdatedRates to %v: %v", rv.clientID, err)
		}
	}
}

// CoflowState reports the lifecycle state of a coflow.
func (m *Master) CoflowState(cfid varys.CoflowID) (varys.CoflowState, bool) {
	return m.cat.CoflowState(cfid)
}

// FlowExists reports whether a flow is currently in the catalog.
func (m *Master) FlowExists(id varys.DataID) bool {
	return m.cat.FlowExists(id)
}

func splitAddr(addr string) (host string, port uint16, err error) {
	h, p, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	n, err := strconv.ParseUint(p, 10, 16)
	if err != nil {
		return "", 0, err
	}
	return h, uint16(n), nil
}
