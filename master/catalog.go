package master

import (
	"fmt"
	"strings"

	"github.com/emirpasic/gods/maps/treemap"
	sync "github.com/sasha-s/go-deadlock"

	"varys"
	"varys/transport"
)

// catalog is the coordinator's authoritative table of clients, coflows and
// flows. Invariants:
//   - every flow belongs to an existing coflow; removing a coflow removes
//     all of its flows atomically
//   - every coflow's owner is a registered client; removing a client removes
//     all of its coflows
//   - every client is bound to exactly one agent, fixed at registration
type catalog struct {
	sync.RWMutex

	clients map[varys.ClientID]*clientRecord
	// CoflowID -> *coflowInfo, ordered so snapshots and rate dispatch walk
	// coflows deterministically
	coflows *treemap.Map

	nextClientID int64
	nextCoflowID int64
}

type clientRecord struct {
	clientID   varys.ClientID
	name       string
	host       string
	commPort   uint16
	slaveID    varys.SlaveID
	conn       *transport.Conn
	activeGets map[varys.DataID]bool
}

type coflowInfo struct {
	coflowID varys.CoflowID
	owner    varys.ClientID
	desc     varys.CoflowDescription
	state    varys.CoflowState
	flows    map[varys.FlowID]*flowInfo
}

type flowInfo struct {
	desc       varys.FlowDescription
	receivedBy map[varys.ClientID]bool
}

func coflowIDComparator(a, b interface{}) int {
	return strings.Compare(string(a.(varys.CoflowID)), string(b.(varys.CoflowID)))
}

func newCatalog() *catalog {
	return &catalog{
		clients: make(map[varys.ClientID]*clientRecord),
		coflows: treemap.NewWith(coflowIDComparator),
	}
}

// RegisterClient allocates a client id and binds the client to its agent.
func (c *catalog) RegisterClient(name, host string, commPort uint16, slaveID varys.SlaveID, conn *transport.Conn) varys.ClientID {
	c.Lock()
	defer c.Unlock()
	c.nextClientID++
	id := varys.ClientID(fmt.Sprintf("CLIENT-%06d", c.nextClientID))
	c.clients[id] = &clientRecord{
		clientID:   id,
		name:       name,
		host:       host,
		commPort:   commPort,
		slaveID:    slaveID,
		conn:       conn,
		activeGets: make(map[varys.DataID]bool),
	}
	return id
}

// RemoveClient unregisters a client and cascades to all coflows it owns.
// The removed coflow ids are returned.
func (c *catalog) RemoveClient(id varys.ClientID) []varys.CoflowID {
	c.Lock()
	defer c.Unlock()
	rec, ok := c.clients[id]
	if !ok {
		return nil
	}
	delete(c.clients, id)
	var removed []varys.CoflowID
	c.coflows.Each(func(k, v interface{}) {
		if v.(*coflowInfo).owner == rec.clientID {
			removed = append(removed, k.(varys.CoflowID))
		}
	})
	for _, cfid := range removed {
		c.coflows.Remove(cfid)
	}
	return removed
}

// ClientsOfSlave lists the clients bound to the given agent.
func (c *catalog) ClientsOfSlave(id varys.SlaveID) []varys.ClientID {
	c.RLock()
	defer c.RUnlock()
	var l []varys.ClientID
	for cid, rec := range c.clients {
		if rec.slaveID == id {
			l = append(l, cid)
		}
	}
	return l
}

// RegisterCoflow allocates a fresh coflow id and stores the description
// verbatim.
func (c *catalog) RegisterCoflow(owner varys.ClientID, desc varys.CoflowDescription) (varys.CoflowID, error) {
	c.Lock()
	defer c.Unlock()
	if _, ok := c.clients[owner]; !ok {
		return "", varys.Error{Code: varys.NotFoundError, Err: fmt.Sprintf("client %v not registered", owner)}
	}
	c.nextCoflowID++
	cfid := varys.CoflowID(fmt.Sprintf("COFLOW-%06d", c.nextCoflowID))
	c.coflows.Put(cfid, &coflowInfo{
		coflowID: cfid,
		owner:    owner,
		desc:     desc,
		state:    varys.CoflowRegistered,
		flows:    make(map[varys.FlowID]*flowInfo),
	})
	return cfid, nil
}

// UnregisterCoflow removes the coflow and all of its flows atomically and
// reports the agent of the owning client so it can be notified.
func (c *catalog) UnregisterCoflow(cfid varys.CoflowID) (ownerSlave varys.SlaveID, ok bool) {
	c.Lock()
	defer c.Unlock()
	v, found := c.coflows.Get(cfid)
	if !found {
		return "", false
	}
	cf := v.(*coflowInfo)
	c.coflows.Remove(cfid)
	for id := range cf.flows {
		dataID := varys.DataID{CoflowID: cfid, FlowID: id}
		for _, rec := range c.clients {
			delete(rec.activeGets, dataID)
		}
	}
	if owner, okc := c.clients[cf.owner]; okc {
		return owner.slaveID, true
	}
	return "", true
}

// AddFlow inserts a flow into its coflow. Idempotent on the data id; flows
// of unknown coflows are rejected.
func (c *catalog) AddFlow(desc varys.FlowDescription) error {
	c.Lock()
	defer c.Unlock()
	v, found := c.coflows.Get(desc.DataID.CoflowID)
	if !found {
		return varys.Error{Code: varys.NotFoundError, Err: fmt.Sprintf("coflow %v not registered", desc.DataID.CoflowID)}
	}
	cf := v.(*coflowInfo)
	if _, ok := cf.flows[desc.DataID.FlowID]; ok {
		return nil
	}
	cf.flows[desc.DataID.FlowID] = &flowInfo{
		desc:       desc,
		receivedBy: make(map[varys.ClientID]bool),
	}
	if cf.state == varys.CoflowRegistered {
		cf.state = varys.CoflowRunning
	}
	return nil
}

// DeleteFlow removes one flow from its coflow.
func (c *catalog) DeleteFlow(flowID varys.FlowID, cfid varys.CoflowID) {
	c.Lock()
	defer c.Unlock()
	v, found := c.coflows.Get(cfid)
	if !found {
		return
	}
	delete(v.(*coflowInfo).flows, flowID)
}

// GetFlow looks a flow up for a receiver. The receiver is counted once per
// client; when every flow of the coflow has reached its expected fan-out the
// coflow transitions to FINISHED.
func (c *catalog) GetFlow(flowID varys.FlowID, cfid varys.CoflowID, clientID varys.ClientID) (varys.FlowDescription, bool) {
	c.Lock()
	defer c.Unlock()
	v, found := c.coflows.Get(cfid)
	if !found {
		return varys.FlowDescription{}, false
	}
	cf := v.(*coflowInfo)
	f, ok := cf.flows[flowID]
	if !ok {
		return varys.FlowDescription{}, false
	}
	f.receivedBy[clientID] = true
	if rec, okc := c.clients[clientID]; okc {
		rec.activeGets[varys.DataID{CoflowID: cfid, FlowID: flowID}] = true
	}

	finished := len(cf.flows) > 0
	for _, fi := range cf.flows {
		if uint32(len(fi.receivedBy)) < fi.desc.NumReceivers {
			finished = false
			break
		}
	}
	if finished {
		cf.state = varys.CoflowFinished
	}
	return f.desc, true
}

// CoflowState reports the lifecycle state of a coflow.
func (c *catalog) CoflowState(cfid varys.CoflowID) (varys.CoflowState, bool) {
	c.RLock()
	defer c.RUnlock()
	v, found := c.coflows.Get(cfid)
	if !found {
		return 0, false
	}
	return v.(*coflowInfo).state, true
}

// FlowExists reports whether the flow is present in the catalog.
func (c *catalog) FlowExists(id varys.DataID) bool {
	c.RLock()
	defer c.RUnlock()
	v, found := c.coflows.Get(id.CoflowID)
	if !found {
		return false
	}
	_, ok := v.(*coflowInfo).flows[id.FlowID]
	return ok
}

// CoflowSnapshot is one coflow of a catalog snapshot handed to the rate
// policy.
type CoflowSnapshot struct {
	CoflowID varys.CoflowID
	Owner    varys.ClientID
	Desc     varys.CoflowDescription
	State    varys.CoflowState
	Flows    []varys.FlowDescription
}

// Snapshot is an immutable view of the catalog for the rate policy.
type Snapshot struct {
	Coflows []CoflowSnapshot
}

// Descriptions indexes every flow description of the snapshot by data id.
func (s Snapshot) Descriptions() map[varys.DataID]varys.FlowDescription {
	m := make(map[varys.DataID]varys.FlowDescription)
	for _, cf := range s.Coflows {
		for _, d := range cf.Flows {
			m[d.DataID] = d
		}
	}
	return m
}

// Snapshot captures the catalog for the policy. Coflows come out in id
// order.
func (c *catalog) Snapshot() Snapshot {
	c.RLock()
	defer c.RUnlock()
	var snap Snapshot
	c.coflows.Each(func(k, v interface{}) {
		cf := v.(*coflowInfo)
		cs := CoflowSnapshot{
			CoflowID: cf.coflowID,
			Owner:    cf.owner,
			Desc:     cf.desc,
			State:    cf.state,
		}
		for _, f := range cf.flows {
			cs.Flows = append(cs.Flows, f.desc)
		}
		snap.Coflows = append(snap.Coflows, cs)
	})
	return snap
}

// receiverView is what rate dispatch needs to know per client: where to send
// and which flows the client has fetched with GetFlow. Entries stay after the
// transfer ends and are dropped when the flow's coflow is unregistered.
type receiverView struct {
	clientID   varys.ClientID
	conn       *transport.Conn
	activeGets map[varys.DataID]bool
}

func (c *catalog) receivers() []receiverView {
	c.RLock()
	defer c.RUnlock()
	l := make([]receiverView, 0, len(c.clients))
	for _, rec := range c.clients {
		gets := make(map[varys.DataID]bool, len(rec.activeGets))
		for id := range rec.activeGets {
			gets[id] = true
		}
		l = append(l, receiverView{clientID: rec.clientID, conn: rec.conn, activeGets: gets})
	}
	return l
}

// Client returns a copy of the client record.
func (c *catalog) Client(id varys.ClientID) (clientRecord, bool) {
	c.RLock()
	defer c.RUnlock()
	rec, ok := c.clients[id]
	if !ok {
		return clientRecord{}, false
	}
	return *rec, true
}
