// Package slave implements the per-host agent: it registers with the
// coordinator, samples NIC throughput into heartbeats, relays control
// messages for its local clients and serves non-in-memory flow bytes.
package slave

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"varys"
	"varys/dataplane"
	"varys/transport"
	"varys/util"
)

// State is the agent lifecycle.
type State int32

const (
	StateStarting State = iota
	StateConnecting
	StateRegistered
	StateRunning
	StateHeartbeating
	StateTerminated
)

// Config collects what the launcher decides: identity, ports and the
// coordinator to attach to. CommPort is a constructor parameter set by the
// launcher; cmd/slave fills it from its -comm-port flag (0 = ephemeral).
type Config struct {
	SlaveID    varys.SlaveID // generated when empty
	MasterURL  string
	Host       string
	Port       uint16 // control port for local clients
	CommPort   uint16 // data port
	WebUIPort  uint16
	WorkDir    string // defaults to $VARYS_HOME/work
	PublicHost string

	// Sampler overrides the NIC counter source; nil means the real NICs.
	Sampler CounterSource
}

// Slave is the per-host agent.
type Slave struct {
	slaveID    varys.SlaveID
	host       string
	publicHost string
	webUIPort  uint16
	workDir    string

	masterConn *transport.Conn
	events     chan transport.Event
	control    *transport.Listener
	data       *dataplane.Server
	shutdown   chan struct{}
	done       chan struct{}
	stopOnce   sync.Once

	state atomic.Int32

	sampler        CounterSource
	sampleMu       sync.Mutex
	lastRx, lastTx uint64
	sampled        bool

	// receiver-side accounting: which local clients pulled which flows
	recvMu    sync.Mutex
	receivers map[varys.DataID]*util.ArraySet[varys.ClientID]
	coflows   map[varys.CoflowID]bool
}

// NewAndServe starts an agent, registers it with the coordinator and returns
// the pointer to it. Registration failure is fatal for the agent.
func NewAndServe(cfg Config) (*Slave, error) {
	s := &Slave{
		slaveID:    cfg.SlaveID,
		host:       cfg.Host,
		publicHost: cfg.PublicHost,
		webUIPort:  cfg.WebUIPort,
		workDir:    cfg.WorkDir,
		events:     make(chan transport.Event, 256),
		shutdown:   make(chan struct{}),
		done:       make(chan struct{}),
		sampler:    cfg.Sampler,
		receivers:  make(map[varys.DataID]*util.ArraySet[varys.ClientID]),
		coflows:    make(map[varys.CoflowID]bool),
	}
	s.state.Store(int32(StateStarting))
	if s.slaveID == "" {
		s.slaveID = varys.SlaveID("slave-" + uuid.New().String())
	}
	if s.sampler == nil {
		s.sampler = nicCounters
	}
	if s.workDir == "" {
		s.workDir = filepath.Join(os.Getenv("VARYS_HOME"), "work")
	}
	if err := os.MkdirAll(s.workDir, 0755); err != nil {
		log.Warnf("cannot create work dir %v: %v", s.workDir, err)
	}

	mHost, mPort, err := transport.ParseURL(cfg.MasterURL)
	if err != nil {
		return nil, err
	}

	data, err := dataplane.NewAndServe(transport.Addr(cfg.Host, cfg.CommPort), nil)
	if err != nil {
		return nil, err
	}
	s.data = data

	control, err := transport.Listen(transport.Addr(cfg.Host, cfg.Port), s.events)
	if err != nil {
		data.Shutdown()
		return nil, err
	}
	s.control = control

	s.state.Store(int32(StateConnecting))
	conn, err := transport.Dial(transport.Addr(mHost, mPort), varys.DialTimeout)
	if err != nil {
		s.closeListeners()
		return nil, err
	}
	s.masterConn = conn
	conn.Start(s.events)

	if err := s.register(); err != nil {
		s.closeListeners()
		conn.Close()
		return nil, err
	}
	s.state.Store(int32(StateRegistered))

	go s.mailbox()
	go s.heartbeatLoop()

	log.Infof("Slave %v is now running. host = %v, control = %v, data port = %v", s.slaveID, s.host, s.control.Addr(), s.data.Port())
	s.state.Store(int32(StateRunning))
	return s, nil
}

// register performs the synchronous RegisterSlave handshake. The mailbox is
// not running yet, so replies are consumed straight off the event channel.
func (s *Slave) register() error {
	err := s.masterConn.Send(&varys.RegisterSlave{
		SlaveID:    s.slaveID,
		Host:       s.host,
		Port:       s.control.Port(),
		WebUIPort:  s.webUIPort,
		CommPort:   s.data.Port(),
		PublicHost: s.publicHost,
	})
	if err != nil {
		return err
	}
	deadline := time.After(varys.AskTimeout())
	for {
		select {
		case ev := <-s.events:
			if ev.Conn != s.masterConn {
				// a local client raced in before registration; replay it
				// to the mailbox once it starts
				go func() { s.events <- ev }()
				continue
			}
			switch reply := ev.Msg.(type) {
			case *varys.RegisteredSlave:
				log.Infof("Registered with master, web UI at %v", reply.WebUIURL)
				return nil
			case *varys.RegisterSlaveFailed:
				return varys.Error{Code: varys.ConfigError, Err: reply.Msg}
			default:
				if ev.Kind == transport.EventDisconnected {
					return varys.Error{Code: varys.ConnectivityError, Err: "master connection lost during registration"}
				}
			}
		case <-deadline:
			return varys.Error{Code: varys.TimeoutError, Err: "registration timed out"}
		}
	}
}

// State reports the current lifecycle state.
func (s *Slave) State() State {
	return State(s.state.Load())
}

// ID is the agent's slave id.
func (s *Slave) ID() varys.SlaveID {
	return s.slaveID
}

// ControlPort is the bound control port local clients connect to.
func (s *Slave) ControlPort() uint16 {
	return s.control.Port()
}

// CommPort is the bound data-plane port.
func (s *Slave) CommPort() uint16 {
	return s.data.Port()
}

// Done is closed when the agent terminates.
func (s *Slave) Done() <-chan struct{} {
	return s.done
}

// Shutdown shuts the agent down.
func (s *Slave) Shutdown() {
	s.stopOnce.Do(func() {
		log.Warnf("Slave %v shuts down", s.slaveID)
		s.state.Store(int32(StateTerminated))
		close(s.shutdown)
		s.closeListeners()
		s.masterConn.Close()
		close(s.done)
	})
}

func (s *Slave) closeListeners() {
	s.control.Close()
	s.data.Shutdown()
}

func (s *Slave) mailbox() {
	for {
		select {
		case <-s.shutdown:
			return
		case ev := <-s.events:
			s.handleEvent(ev)
		}
	}
}

func (s *Slave) handleEvent(ev transport.Event) {
	switch ev.Kind {
	case transport.EventConnected:
		// local client; nothing to do until it speaks
	case transport.EventDisconnected:
		if ev.Conn == s.masterConn {
			// losing the coordinator is fatal in this version
			log.Errorf("Slave %v lost the master connection: %v", s.slaveID, ev.Err)
			s.Shutdown()
		}
	case transport.EventMessage:
		s.handleMessage(ev.Conn, ev.Msg)
	}
}

func (s *Slave) handleMessage(conn *transport.Conn, msg varys.Message) {
	switch req := msg.(type) {
	case *varys.AddFlow:
		// non-in-memory flows are served by this agent, not the
		// publishing client
		desc := req.Desc
		if desc.DataType != varys.DataInMemory {
			desc.OriginPort = s.data.Port()
		}
		if err := s.masterConn.Send(&varys.AddFlow{Desc: desc}); err != nil {
			log.Errorf("relay AddFlow %v: %v", desc.DataID, err)
		}
	case *varys.GetFlow:
		s.recordReceiver(varys.DataID{CoflowID: req.CoflowID, FlowID: req.FlowID}, req.ClientID)
	case *varys.DeleteFlow:
		s.dropFlow(varys.DataID{CoflowID: req.CoflowID, FlowID: req.FlowID})
		if err := s.masterConn.Send(req); err != nil {
			log.Errorf("relay DeleteFlow %v/%v: %v", req.CoflowID, req.FlowID, err)
		}
	case *varys.RegisteredCoflow:
		s.recvMu.Lock()
		s.coflows[req.CoflowID] = true
		s.recvMu.Unlock()
	case *varys.UnregisterCoflow:
		s.dropCoflow(req.CoflowID)
		if conn != s.masterConn {
			// a local client initiated the removal; tell the master
			if err := s.masterConn.Send(req); err != nil {
				log.Errorf("relay UnregisterCoflow %v: %v", req.CoflowID, err)
			}
		}
	default:
		log.Warnf("unexpected message %#x from %v", msg.Tag(), conn.RemoteAddr())
	}
}

func (s *Slave) recordReceiver(id varys.DataID, clientID varys.ClientID) {
	s.recvMu.Lock()
	defer s.recvMu.Unlock()
	set, ok := s.receivers[id]
	if !ok {
		set = new(util.ArraySet[varys.ClientID])
		s.receivers[id] = set
	}
	set.Add(clientID)
}

func (s *Slave) dropFlow(id varys.DataID) {
	s.recvMu.Lock()
	defer s.recvMu.Unlock()
	delete(s.receivers, id)
}

func (s *Slave) dropCoflow(cfid varys.CoflowID) {
	s.recvMu.Lock()
	defer s.recvMu.Unlock()
	delete(s.coflows, cfid)
	for id := range s.receivers {
		if id.CoflowID == cfid {
			delete(s.receivers, id)
		}
	}
}

// Receivers lists the local clients that pulled the given flow.
func (s *Slave) Receivers(id varys.DataID) []varys.ClientID {
	s.recvMu.Lock()
	defer s.recvMu.Unlock()
	set, ok := s.receivers[id]
	if !ok {
		return nil
	}
	return set.GetAll()
}

func (s *Slave) heartbeatLoop() {
	for {
		select {
		case <-s.shutdown:
			return
		default:
		}
		rxBps, txBps := s.sampleRates()
		s.state.Store(int32(StateHeartbeating))
		err := s.masterConn.Send(&varys.Heartbeat{SlaveID: s.slaveID, RxBps: rxBps, TxBps: txBps})
		if s.State() != StateTerminated {
			s.state.Store(int32(StateRunning))
		}
		if err != nil {
			log.Error("heartbeat send error ", err)
		}
		time.Sleep(varys.HeartbeatInterval)
	}
}

// sampleRates reads the cumulative NIC counters and derives the windowed
// rates since the previous tick. The first tick yields 0.
func (s *Slave) sampleRates() (rxBps, txBps int64) {
	rx, tx, err := s.sampler()
	if err != nil {
		log.Warnf("NIC sampling failed: %v", err)
		return 0, 0
	}
	s.sampleMu.Lock()
	defer s.sampleMu.Unlock()
	if s.sampled {
		rxBps = windowedBps(s.lastRx, rx, varys.HeartbeatInterval)
		txBps = windowedBps(s.lastTx, tx, varys.HeartbeatInterval)
	}
	s.lastRx, s.lastTx = rx, tx
	s.sampled = true
	return rxBps, txBps
}

// WorkDir is the agent's scratch directory.
func (s *Slave) WorkDir() string {
	return s.workDir
}
