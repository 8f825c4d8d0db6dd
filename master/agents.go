package master

import (
	"fmt"
	"sort"
	"time"

	sync "github.com/sasha-s/go-deadlock"

	"varys"
	"varys/transport"
)

// agentManager tracks the per-host agents and their measured NIC throughput.
type agentManager struct {
	sync.RWMutex
	agents map[varys.SlaveID]*agentInfo
}

type agentInfo struct {
	slaveID       varys.SlaveID
	host          string
	port          uint16
	commPort      uint16
	webUIPort     uint16
	publicHost    string
	lastRxBps     int64
	lastTxBps     int64
	lastHeartbeat time.Time
	conn          *transport.Conn
}

// hostName is the name an agent is advertised under to other machines.
func (a *agentInfo) hostName() string {
	if a.publicHost != "" {
		return a.publicHost
	}
	return a.host
}

func newAgentManager() *agentManager {
	return &agentManager{
		agents: make(map[varys.SlaveID]*agentInfo),
	}
}

// Register adds a new agent. Duplicate ids and host:port conflicts are
// rejected.
func (am *agentManager) Register(info *agentInfo) error {
	am.Lock()
	defer am.Unlock()
	if _, ok := am.agents[info.slaveID]; ok {
		return varys.Error{Code: varys.ConfigError, Err: fmt.Sprintf("duplicate slave id %v", info.slaveID)}
	}
	for _, a := range am.agents {
		if a.host == info.host && a.port == info.port {
			return varys.Error{Code: varys.ConfigError, Err: fmt.Sprintf("%v:%v already registered by %v", info.host, info.port, a.slaveID)}
		}
	}
	info.lastHeartbeat = time.Now()
	am.agents[info.slaveID] = info
	return nil
}

// Heartbeat updates the agent's measured rates and marks it alive for now.
// The liveness timestamp never moves backwards.
func (am *agentManager) Heartbeat(id varys.SlaveID, rxBps, txBps int64) bool {
	am.Lock()
	defer am.Unlock()
	a, ok := am.agents[id]
	if !ok {
		return false
	}
	a.lastRxBps = rxBps
	a.lastTxBps = txBps
	if now := time.Now(); now.After(a.lastHeartbeat) {
		a.lastHeartbeat = now
	}
	return true
}

// Get returns a copy of the agent record.
func (am *agentManager) Get(id varys.SlaveID) (agentInfo, bool) {
	am.RLock()
	defer am.RUnlock()
	a, ok := am.agents[id]
	if !ok {
		return agentInfo{}, false
	}
	return *a, true
}

// ForHost returns the agent serving the given host, for binding a client to
// its local agent. With several agents on one host the one with the smallest
// id wins, so the binding is deterministic.
func (am *agentManager) ForHost(host string) (agentInfo, bool) {
	am.RLock()
	defer am.RUnlock()
	var best *agentInfo
	for _, a := range am.agents {
		if a.host != host {
			continue
		}
		if best == nil || a.slaveID < best.slaveID {
			best = a
		}
	}
	if best == nil {
		return agentInfo{}, false
	}
	return *best, true
}

// Remove forgets an agent and returns its record.
func (am *agentManager) Remove(id varys.SlaveID) (agentInfo, bool) {
	am.Lock()
	defer am.Unlock()
	a, ok := am.agents[id]
	if !ok {
		return agentInfo{}, false
	}
	delete(am.agents, id)
	return *a, true
}

// DetectDead returns the agents whose last heartbeat is older than the
// liveness window.
func (am *agentManager) DetectDead(now time.Time) []varys.SlaveID {
	am.RLock()
	defer am.RUnlock()
	var dead []varys.SlaveID
	for id, a := range am.agents {
		if now.Sub(a.lastHeartbeat) > varys.LivenessMultiple*varys.HeartbeatInterval {
			dead = append(dead, id)
		}
	}
	return dead
}

// live returns the agents inside the liveness window, in slaveID order.
func (am *agentManager) live(now time.Time) []*agentInfo {
	var l []*agentInfo
	for _, a := range am.agents {
		if now.Sub(a.lastHeartbeat) <= varys.LivenessMultiple*varys.HeartbeatInterval {
			l = append(l, a)
		}
	}
	sort.Slice(l, func(i, j int) bool { return l[i].slaveID < l[j].slaveID })
	return l
}

// BestRx returns up to n live agents with the lowest projected ingress load,
// ascending. adjustBytes accounts for a transfer the caller is about to
// start; ties are broken by slave id.
func (am *agentManager) BestRx(n int, adjustBytes int64) []string {
	return am.best(n, adjustBytes, func(a *agentInfo) int64 { return a.lastRxBps })
}

// BestTx is the egress counterpart of BestRx.
func (am *agentManager) BestTx(n int, adjustBytes int64) []string {
	return am.best(n, adjustBytes, func(a *agentInfo) int64 { return a.lastTxBps })
}

func (am *agentManager) best(n int, adjustBytes int64, rate func(*agentInfo) int64) []string {
	am.RLock()
	defer am.RUnlock()
	adjustBps := 8 * float64(adjustBytes) / varys.HeartbeatInterval.Seconds()
	l := am.live(time.Now())
	sort.SliceStable(l, func(i, j int) bool {
		ri := float64(rate(l[i])) + adjustBps
		rj := float64(rate(l[j])) + adjustBps
		if ri != rj {
			return ri < rj
		}
		return l[i].slaveID < l[j].slaveID
	})
	if n > len(l) {
		n = len(l)
	}
	hosts := make([]string, 0, n)
	for _, a := range l[:n] {
		hosts = append(hosts, a.hostName())
	}
	return hosts
}
