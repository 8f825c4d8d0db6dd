package varys_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"varys"
	"varys/client"
	"varys/dataplane"
	"varys/master"
	"varys/slave"
	"varys/transport"
)

const localhost = "127.0.0.1"

// waitUntil polls cond until it holds or the deadline passes.
func waitUntil(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return cond()
}

// quietCounters is a NIC source that reports no traffic, keeping in-process
// clusters deterministic.
func quietCounters() (uint64, uint64, error) {
	return 0, 0, nil
}

type cluster struct {
	m  *master.Master
	s  *slave.Slave
	cs []*client.Client
}

// newCluster spins up a coordinator, one agent and n clients, all on
// loopback with ephemeral ports.
func newCluster(t *testing.T, policy master.Policy, nClients int) *cluster {
	t.Helper()
	m, err := master.NewAndServe(varys.ServerAddress(localhost+":0"), 0, policy)
	require.NoError(t, err)
	s, err := slave.NewAndServe(slave.Config{
		MasterURL: m.URL(),
		Host:      localhost,
		WorkDir:   t.TempDir(),
		Sampler:   quietCounters,
	})
	require.NoError(t, err)
	cl := &cluster{m: m, s: s}
	for i := 0; i < nClients; i++ {
		c, err := client.New(m.URL(), fmt.Sprintf("c%d", i+1), localhost)
		require.NoError(t, err)
		cl.cs = append(cl.cs, c)
	}
	t.Cleanup(func() {
		for _, c := range cl.cs {
			c.Kill()
		}
		cl.s.Shutdown()
		cl.m.Shutdown()
	})
	return cl
}

func registerCoflow(t *testing.T, c *client.Client, name string) varys.CoflowID {
	t.Helper()
	cfid, err := c.RegisterCoflow(varys.CoflowDescription{Name: name})
	require.NoError(t, err)
	return cfid
}

// pollGetFake retries until the flow has propagated through the agent relay.
func pollGetFake(t *testing.T, c *client.Client, id varys.FlowID, cfid varys.CoflowID) []byte {
	t.Helper()
	var data []byte
	ok := waitUntil(3*time.Second, func() bool {
		var err error
		data, err = c.GetFake(id, cfid)
		return err == nil
	})
	require.True(t, ok, "flow %v/%v never became retrievable", cfid, id)
	return data
}

/*
 *  TEST SUITE 1 - put/get round trips
 */

func TestPutGetObjectRoundTrip(t *testing.T) {
	cl := newCluster(t, nil, 2)
	c1, c2 := cl.cs[0], cl.cs[1]

	cfid := registerCoflow(t, c1, "cf1")
	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	require.NoError(t, c1.PutObject("k1", payload, cfid, 4, 1))

	var got []byte
	ok := waitUntil(3*time.Second, func() bool {
		got = nil
		return c2.GetObject("k1", cfid, &got) == nil
	})
	require.True(t, ok, "flow k1 never became visible")
	assert.Equal(t, payload, got)
}

func TestPutGetStructObject(t *testing.T) {
	type record struct {
		Name  string
		Count int
	}
	cl := newCluster(t, nil, 2)
	c1, c2 := cl.cs[0], cl.cs[1]

	cfid := registerCoflow(t, c1, "cf-struct")
	want := record{Name: "partition-7", Count: 42}
	require.NoError(t, c1.PutObject("rec", want, cfid, 0, 1))

	var got record
	ok := waitUntil(3*time.Second, func() bool {
		got = record{}
		return c2.GetObject("rec", cfid, &got) == nil
	})
	require.True(t, ok)
	assert.Equal(t, want, got)
}

func TestGetWithWrongTypeFails(t *testing.T) {
	cl := newCluster(t, nil, 2)
	c1, c2 := cl.cs[0], cl.cs[1]

	cfid := registerCoflow(t, c1, "cf-type")
	require.NoError(t, c1.PutObject("k1", []byte{1, 2, 3}, cfid, 3, 1))

	var sink []byte
	ok := waitUntil(3*time.Second, func() bool {
		return c2.GetObject("k1", cfid, &sink) == nil
	})
	require.True(t, ok)

	_, err := c2.GetFake("k1", cfid)
	require.Error(t, err)
	assert.Equal(t, varys.TypeMismatchError, varys.GetErrorCode(err))
}

func TestPutGetFileWindow(t *testing.T) {
	cl := newCluster(t, nil, 2)
	c1, c2 := cl.cs[0], cl.cs[1]

	path := filepath.Join(t.TempDir(), "data.bin")
	content := dataplane.FakePattern(1000)
	require.NoError(t, os.WriteFile(path, content, 0644))

	cfid := registerCoflow(t, c1, "cf-file")
	require.NoError(t, c1.PutFile("f", path, cfid, 100, 300, 1))

	var got []byte
	ok := waitUntil(3*time.Second, func() bool {
		var err error
		got, err = c2.GetFile("f", cfid)
		return err == nil
	})
	require.True(t, ok)
	assert.Equal(t, content[100:400], got)
}

func TestGetUnknownFlowIsNotFound(t *testing.T) {
	cl := newCluster(t, nil, 2)
	c1, c2 := cl.cs[0], cl.cs[1]

	cfid := registerCoflow(t, c1, "cf-missing")
	_, err := c2.GetFake("ghost", cfid)
	require.Error(t, err)
	assert.Equal(t, varys.NotFoundError, varys.GetErrorCode(err))
}

/*
 *  TEST SUITE 2 - coflow lifecycle across the cluster
 */

func TestFanOutCompletesCoflow(t *testing.T) {
	cl := newCluster(t, nil, 3)
	c1, c2, c3 := cl.cs[0], cl.cs[1], cl.cs[2]

	cfid := registerCoflow(t, c1, "cf-fanout")
	require.NoError(t, c1.PutFake("k2", cfid, 1024, 2))

	data := pollGetFake(t, c2, "k2", cfid)
	assert.Equal(t, dataplane.FakePattern(1024), data)

	state, ok := cl.m.CoflowState(cfid)
	require.True(t, ok)
	assert.Equal(t, varys.CoflowRunning, state, "one of two expected receivers is not enough")

	_, err := c3.GetFake("k2", cfid)
	require.NoError(t, err)

	ok = waitUntil(2*time.Second, func() bool {
		state, ok := cl.m.CoflowState(cfid)
		return ok && state == varys.CoflowFinished
	})
	assert.True(t, ok, "coflow should finish after the second distinct receiver")

	// the agent saw both receivers too
	dataID := varys.DataID{CoflowID: cfid, FlowID: "k2"}
	ok = waitUntil(2*time.Second, func() bool {
		return len(cl.s.Receivers(dataID)) == 2
	})
	assert.True(t, ok, "agent receiver accounting should list both clients")
}

func TestUnregisterCoflowCascades(t *testing.T) {
	cl := newCluster(t, nil, 2)
	c1, c2 := cl.cs[0], cl.cs[1]

	cfid := registerCoflow(t, c1, "cf-cascade")
	require.NoError(t, c1.PutFake("f1", cfid, 512, 1))
	require.NoError(t, c1.PutFake("f2", cfid, 512, 1))
	pollGetFake(t, c2, "f1", cfid)
	pollGetFake(t, c2, "f2", cfid)

	require.NoError(t, c1.UnregisterCoflow(cfid))

	ok := waitUntil(2*time.Second, func() bool {
		_, err := c2.GetFake("f1", cfid)
		return varys.GetErrorCode(err) == varys.NotFoundError
	})
	assert.True(t, ok, "f1 should disappear with its coflow")

	_, err := c2.GetFake("f2", cfid)
	assert.Equal(t, varys.NotFoundError, varys.GetErrorCode(err), "coflow removal takes all flows out atomically")

	assert.False(t, cl.m.FlowExists(varys.DataID{CoflowID: cfid, FlowID: "f1"}))
	assert.False(t, cl.m.FlowExists(varys.DataID{CoflowID: cfid, FlowID: "f2"}))
}

func TestClientDisconnectCascades(t *testing.T) {
	cl := newCluster(t, nil, 2)
	c1, c2 := cl.cs[0], cl.cs[1]

	cfid := registerCoflow(t, c1, "cf-dead")
	require.NoError(t, c1.PutFake("f1", cfid, 512, 1))
	dataID := varys.DataID{CoflowID: cfid, FlowID: "f1"}
	require.True(t, waitUntil(3*time.Second, func() bool { return cl.m.FlowExists(dataID) }))

	c1.Kill()

	ok := waitUntil(3*time.Second, func() bool { return !cl.m.FlowExists(dataID) })
	assert.True(t, ok, "the catalog should drop a dead client's flows")
	_, stillThere := cl.m.CoflowState(cfid)
	assert.False(t, stillThere)

	_, err := c2.GetFake("f1", cfid)
	assert.Equal(t, varys.NotFoundError, varys.GetErrorCode(err))
}

func TestClientStopCascades(t *testing.T) {
	cl := newCluster(t, nil, 1)
	c1 := cl.cs[0]

	cfid := registerCoflow(t, c1, "cf-stop")
	require.NoError(t, c1.PutFake("f1", cfid, 512, 1))
	dataID := varys.DataID{CoflowID: cfid, FlowID: "f1"}
	require.True(t, waitUntil(3*time.Second, func() bool { return cl.m.FlowExists(dataID) }))

	notified := false
	c1.OnDisconnect(func(error) { notified = true })
	c1.Stop()

	ok := waitUntil(3*time.Second, func() bool { return !cl.m.FlowExists(dataID) })
	assert.True(t, ok)
	assert.False(t, notified, "a self-initiated stop is not a failure")
}

func TestDeleteFlowRemovesIt(t *testing.T) {
	cl := newCluster(t, nil, 2)
	c1, c2 := cl.cs[0], cl.cs[1]

	cfid := registerCoflow(t, c1, "cf-del")
	require.NoError(t, c1.PutFake("f1", cfid, 512, 1))
	pollGetFake(t, c2, "f1", cfid)

	require.NoError(t, c1.DeleteFlow("f1", cfid))
	ok := waitUntil(2*time.Second, func() bool {
		_, err := c2.GetFake("f1", cfid)
		return varys.GetErrorCode(err) == varys.NotFoundError
	})
	assert.True(t, ok)
}

/*
 *  TEST SUITE 3 - rate allocation and enforcement
 */

func TestRateDispatchThrottlesTransfer(t *testing.T) {
	const bps = 64000
	policy := func(snap master.Snapshot) map[varys.DataID]int64 {
		rates := make(map[varys.DataID]int64)
		for id := range snap.Descriptions() {
			rates[id] = bps
		}
		return rates
	}
	cl := newCluster(t, policy, 2)
	c1, c2 := cl.cs[0], cl.cs[1]

	cfid := registerCoflow(t, c1, "cf-rate")
	require.NoError(t, c1.PutFake("r1", cfid, 8000, 2))
	dataID := varys.DataID{CoflowID: cfid, FlowID: "r1"}

	// the first transfer runs before any allocation reaches the client
	pollGetFake(t, c2, "r1", cfid)

	ok := waitUntil(3*time.Second, func() bool { return c2.RateFor(dataID) == bps })
	require.True(t, ok, "allocation never reached the client")

	// 64 kbit of payload at 64 kbit/s, minus one initial bucket
	start := time.Now()
	data, err := c2.GetFake("r1", cfid)
	require.NoError(t, err)
	elapsed := time.Since(start)
	assert.Equal(t, dataplane.FakePattern(8000), data)
	assert.GreaterOrEqual(t, elapsed, 700*time.Millisecond, "transfer was not throttled")
}

/*
 *  TEST SUITE 4 - membership and ranking
 */

type testPeer struct {
	conn   *transport.Conn
	events chan transport.Event
}

func dialPeer(t *testing.T, addr varys.ServerAddress) *testPeer {
	t.Helper()
	events := make(chan transport.Event, 64)
	conn, err := transport.Dial(addr, time.Second)
	require.NoError(t, err)
	conn.Start(events)
	return &testPeer{conn: conn, events: events}
}

func (p *testPeer) ask(t *testing.T, msg varys.Message) varys.Message {
	t.Helper()
	require.NoError(t, p.conn.Send(msg))
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-p.events:
			if ev.Kind == transport.EventMessage {
				return ev.Msg
			}
		case <-deadline:
			t.Fatalf("no reply to %#x", msg.Tag())
		}
	}
}

func TestBestMachineRanking(t *testing.T) {
	m, err := master.NewAndServe(varys.ServerAddress(localhost+":0"), 0, nil)
	require.NoError(t, err)
	defer m.Shutdown()

	rx := map[string]int64{"H1": 100, "H2": 10, "H3": 50}
	tx := map[string]int64{"H1": 10, "H2": 90, "H3": 20}
	peers := make(map[string]*testPeer)
	for _, h := range []string{"H1", "H2", "H3"} {
		p := dialPeer(t, m.Addr())
		defer p.conn.Close()
		id := varys.SlaveID("slave-" + h)
		reply := p.ask(t, &varys.RegisterSlave{SlaveID: id, Host: h, Port: 1605, CommPort: 1606})
		_, registered := reply.(*varys.RegisteredSlave)
		require.True(t, registered, "registration failed: %+v", reply)
		require.NoError(t, p.conn.Send(&varys.Heartbeat{SlaveID: id, RxBps: rx[h], TxBps: tx[h]}))
		peers[h] = p
	}

	asker := peers["H1"]
	ok := waitUntil(2*time.Second, func() bool {
		reply := asker.ask(t, &varys.RequestBestRxMachines{N: 2})
		best, isBest := reply.(*varys.BestRxMachines)
		return isBest && len(best.Hosts) == 2 && best.Hosts[0] == "H2" && best.Hosts[1] == "H3"
	})
	assert.True(t, ok, "BestRx should rank H2 (10 bps) before H3 (50 bps)")

	reply := asker.ask(t, &varys.RequestBestTxMachines{N: 3})
	best, isBest := reply.(*varys.BestTxMachines)
	require.True(t, isBest)
	assert.Equal(t, []string{"H1", "H3", "H2"}, best.Hosts)
}

func TestDuplicateSlaveRejected(t *testing.T) {
	m, err := master.NewAndServe(varys.ServerAddress(localhost+":0"), 0, nil)
	require.NoError(t, err)
	defer m.Shutdown()

	p1 := dialPeer(t, m.Addr())
	defer p1.conn.Close()
	reply := p1.ask(t, &varys.RegisterSlave{SlaveID: "s1", Host: "H1", Port: 1605, CommPort: 1606})
	_, registered := reply.(*varys.RegisteredSlave)
	require.True(t, registered)

	p2 := dialPeer(t, m.Addr())
	defer p2.conn.Close()
	reply = p2.ask(t, &varys.RegisterSlave{SlaveID: "s1", Host: "H2", Port: 1605, CommPort: 1606})
	failed, isFailed := reply.(*varys.RegisterSlaveFailed)
	require.True(t, isFailed, "the second s1 must be rejected, got %+v", reply)
	assert.Contains(t, failed.Msg, "duplicate")
}

func TestSilentSlaveIsSweptOut(t *testing.T) {
	m, err := master.NewAndServe(varys.ServerAddress(localhost+":0"), 0, nil)
	require.NoError(t, err)
	defer m.Shutdown()

	p := dialPeer(t, m.Addr())
	defer p.conn.Close()
	reply := p.ask(t, &varys.RegisterSlave{SlaveID: "mute", Host: "HM", Port: 1605, CommPort: 1606})
	_, registered := reply.(*varys.RegisteredSlave)
	require.True(t, registered)
	require.NoError(t, p.conn.Send(&varys.Heartbeat{SlaveID: "mute", RxBps: 1, TxBps: 1}))

	asker := dialPeer(t, m.Addr())
	defer asker.conn.Close()
	ok := waitUntil(5*time.Second, func() bool {
		st, isState := asker.ask(t, &varys.RequestSlaveState{SlaveID: "mute"}).(*varys.SlaveState)
		return isState && !st.Found
	})
	assert.True(t, ok, "an agent that stops heartbeating must be removed within the liveness window")
}

func TestSlaveStateQuery(t *testing.T) {
	cl := newCluster(t, nil, 1)

	got := cl.s.State()
	assert.True(t, got == slave.StateRunning || got == slave.StateHeartbeating,
		"a registered agent cycles between RUNNING and HEARTBEATING, got %v", got)

	st, err := cl.cs[0].GetSlaveState(cl.s.ID())
	require.NoError(t, err)
	require.True(t, st.Found)
	assert.Equal(t, cl.s.ID(), st.SlaveID)
	assert.Equal(t, cl.s.CommPort(), st.CommPort)
	assert.Equal(t, localhost, st.Host)

	st, err = cl.cs[0].GetSlaveState("no-such-slave")
	require.NoError(t, err)
	assert.False(t, st.Found)
}
