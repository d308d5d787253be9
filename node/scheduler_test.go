package node

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/ergo-services/rabble/gen"
	"github.com/ergo-services/rabble/service"
)

type fakeRemote struct {
	sync.Mutex
	sent   []gen.Envelope[string]
	timers []gen.Timer
	err    error
}

func (r *fakeRemote) Send(env gen.Envelope[string]) error {
	r.Lock()
	defer r.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, env)
	return nil
}

func (r *fakeRemote) Timer(t gen.Timer) error {
	r.Lock()
	defer r.Unlock()
	if r.err != nil {
		return r.err
	}
	r.timers = append(r.timers, t)
	return nil
}

var testSchedulerOptions = schedulerOptions{
	quantum:      100,
	drainBatch:   32,
	minResidence: 1,
	sleep:        10 * time.Millisecond,
}

func newTestSchedulers(t *testing.T, n int, r *fakeRemote) (*table[string], []*scheduler[string]) {
	tbl := newTable[string](n)
	var schedulers []*scheduler[string]
	for i := 0; i < n; i++ {
		schedulers = append(schedulers, newScheduler[string](i, tableNode, tbl, r, testSchedulerOptions, zaptest.NewLogger(t)))
	}
	for _, s := range schedulers {
		s.peers = schedulers
	}
	return tbl, schedulers
}

// recorder keeps the handled messages. It is only touched by Handle.
type recorder struct {
	handled []string
}

func (r *recorder) Handle(term gen.Terminal[string], msg gen.Msg[string], from gen.PID, cid *gen.CorrelationID) error {
	if msg.Kind != gen.MsgKindUser {
		return nil
	}
	switch msg.User {
	case "panic":
		panic("boom")
	case "fail":
		return errors.New("failed")
	case "remote":
		term.Send(gen.PID{Name: "x", Node: gen.NodeID{Name: "n2", Addr: "127.0.0.1:5001"}}, gen.MsgUser("hi"))
	case "timer":
		id := term.StartTimer(time.Second)
		term.CancelTimer(id)
	case "echo":
		term.Send(from, msg)
	}
	r.handled = append(r.handled, msg.User)
	return nil
}

func TestSchedulerQuantum(t *testing.T) {
	tbl, schedulers := newTestSchedulers(t, 1, &fakeRemote{})
	s := schedulers[0]
	pid := gen.PID{Name: "p", Node: tableNode}
	rec := &recorder{}
	require.NoError(t, tbl.spawn(pid, newPCB[string](pid, rec, zap.NewNop())))

	for i := 0; i < 250; i++ {
		require.NoError(t, tbl.Send(userEnvelope(pid, pid, fmt.Sprint(i))))
	}

	s.drain()
	require.Equal(t, 1, s.queued())

	// the first envelope, then the pending ones are swapped in
	require.NoError(t, s.execute(s.pop()))
	require.Len(t, rec.handled, 1)
	require.Equal(t, 1, s.queued())

	require.NoError(t, s.execute(s.pop()))
	require.Len(t, rec.handled, 101)
	require.Equal(t, 1, s.queued())

	require.NoError(t, s.execute(s.pop()))
	require.NoError(t, s.execute(s.pop()))
	require.Len(t, rec.handled, 250)
	require.Equal(t, 0, s.queued())
	for i, v := range rec.handled {
		require.Equal(t, fmt.Sprint(i), v)
	}
	require.Equal(t, uint64(250), s.status().Handled)

	// idle again
	require.NotNil(t, tbl.lookup(pid).pcb)
}

func TestSchedulerSteal(t *testing.T) {
	tbl, schedulers := newTestSchedulers(t, 3, &fakeRemote{})
	victim, thief := schedulers[0], schedulers[1]

	var pcbs []*pcb[string]
	for i := 0; i < 3; i++ {
		pid := gen.PID{Name: fmt.Sprint(i), Node: tableNode}
		p := newPCB[string](pid, nopProcess(), zap.NewNop())
		require.NoError(t, tbl.spawn(pid, p))
		require.NoError(t, tbl.Send(userEnvelope(pid, pid, "x")))
		pcbs = append(pcbs, p)
	}
	victim.drain()
	require.Equal(t, 3, victim.queued())

	// thieves take from the back
	p := thief.steal()
	require.Same(t, pcbs[2], p)
	require.Equal(t, 0, p.residence)
	require.Equal(t, uint64(1), thief.status().Steals)

	p = thief.steal()
	require.Same(t, pcbs[1], p)

	// a single pcb is never stolen
	require.Nil(t, thief.steal())
	require.Same(t, pcbs[0], victim.pop())

	// a freshly stolen pcb stays with the thief
	thief.push(pcbs[1])
	thief.push(pcbs[2])
	require.Nil(t, schedulers[2].steal())
	require.Nil(t, victim.steal())

	// once it has run it may move again
	thief.pop()
	thief.push(pcbs[1])
	require.NoError(t, thief.execute(thief.pop()))
	require.Equal(t, 1, pcbs[2].residence)
	thief.push(pcbs[1])
	thief.push(pcbs[2])
	require.Same(t, pcbs[2], victim.steal())
}

func TestSchedulerStealRoundRobin(t *testing.T) {
	tbl, schedulers := newTestSchedulers(t, 3, &fakeRemote{})
	thief := schedulers[0]

	fill := func(s *scheduler[string], prefix string) {
		for i := 0; i < 3; i++ {
			pid := gen.PID{Name: fmt.Sprintf("%s%d", prefix, i), Node: tableNode}
			p := newPCB[string](pid, nopProcess(), zap.NewNop())
			require.NoError(t, tbl.spawn(pid, p))
			p.residence = 1
			s.push(p)
		}
	}
	fill(schedulers[1], "a")
	fill(schedulers[2], "b")

	require.Equal(t, "a2", thief.steal().pid.Name)
	require.Equal(t, "b2", thief.steal().pid.Name)
	require.Equal(t, "a1", thief.steal().pid.Name)
	require.Equal(t, "b1", thief.steal().pid.Name)
	require.Nil(t, thief.steal())
}

func TestSchedulerSystemRequests(t *testing.T) {
	tbl, schedulers := newTestSchedulers(t, 1, &fakeRemote{})
	s := schedulers[0]

	client := service.NewInbox[string]()
	clientPID := gen.PID{Name: "client", Node: tableNode}
	require.NoError(t, tbl.registerService(clientPID, client))

	pid := gen.PID{Name: "p", Node: tableNode}
	rec := &recorder{}
	require.NoError(t, tbl.spawn(pid, newPCB[string](pid, rec, zap.NewNop())))

	cid := &gen.CorrelationID{PID: clientPID, Request: 3}
	require.NoError(t, tbl.Send(userEnvelope(pid, clientPID, "a")))
	require.NoError(t, tbl.Send(gen.Envelope[string]{
		To:            pid,
		From:          clientPID,
		Msg:           gen.MsgReq[string](gen.Req{Kind: gen.ReqGetMetrics}),
		CorrelationID: cid,
	}))
	s.drain()
	require.NoError(t, s.execute(s.pop()))
	require.NoError(t, s.execute(s.pop()))

	reply, ok := client.TryReceive()
	require.True(t, ok)
	require.Equal(t, pid, reply.From)
	require.Equal(t, cid, reply.CorrelationID)
	require.Equal(t, gen.MsgKindRpy, reply.Msg.Kind)
	require.Equal(t, gen.RpyMetrics, reply.Msg.Rpy.Kind)
	require.Equal(t, int64(2), reply.Msg.Rpy.Metrics["handled"])
	require.Equal(t, []string{"a"}, rec.handled)

	// shutdown drops the rest of the mailbox
	require.NoError(t, tbl.Send(gen.Envelope[string]{To: pid, From: clientPID, Msg: gen.MsgShutdown[string]()}))
	require.NoError(t, tbl.Send(userEnvelope(pid, clientPID, "b")))
	s.drain()
	require.NoError(t, s.execute(s.pop()))
	require.Equal(t, 0, s.queued())
	require.Equal(t, []string{"a"}, rec.handled)
	require.ErrorIs(t, tbl.Send(userEnvelope(pid, clientPID, "c")), gen.ErrNoSuchPid)
}

func TestSchedulerProcessFailure(t *testing.T) {
	for _, msg := range []string{"panic", "fail"} {
		t.Run(msg, func(t *testing.T) {
			tbl, schedulers := newTestSchedulers(t, 1, &fakeRemote{})
			s := schedulers[0]
			pid := gen.PID{Name: "p", Node: tableNode}
			rec := &recorder{}
			require.NoError(t, tbl.spawn(pid, newPCB[string](pid, rec, zap.NewNop())))

			require.NoError(t, tbl.Send(userEnvelope(pid, pid, msg)))
			require.NoError(t, tbl.Send(userEnvelope(pid, pid, "after")))
			s.drain()
			require.NoError(t, s.execute(s.pop()))
			require.Equal(t, 0, s.queued())
			require.Empty(t, rec.handled)

			processes, _ := tbl.len()
			require.Equal(t, 0, processes)
			require.ErrorIs(t, tbl.Send(userEnvelope(pid, pid, "x")), gen.ErrNoSuchPid)
		})
	}
}

func TestSchedulerRouting(t *testing.T) {
	r := &fakeRemote{}
	tbl, schedulers := newTestSchedulers(t, 1, r)
	s := schedulers[0]
	pid := gen.PID{Name: "p", Node: tableNode}
	p := newPCB[string](pid, &recorder{}, zap.NewNop())
	require.NoError(t, tbl.spawn(pid, p))

	require.NoError(t, tbl.Send(userEnvelope(pid, pid, "remote")))
	require.NoError(t, tbl.Send(userEnvelope(pid, pid, "timer")))
	// reply to a pid which doesn't exist
	require.NoError(t, tbl.Send(userEnvelope(pid, gen.PID{Name: "ghost", Node: tableNode}, "echo")))
	s.drain()
	require.NoError(t, s.execute(s.pop()))
	require.NoError(t, s.execute(s.pop()))

	require.Len(t, r.sent, 1)
	require.Equal(t, pid, r.sent[0].From)
	require.Equal(t, "hi", r.sent[0].Msg.User)

	require.Equal(t, []gen.Timer{
		{Owner: pid, Incarnation: p.id, ID: 1, After: time.Second},
		{Owner: pid, Incarnation: p.id, ID: 1, Cancel: true},
	}, r.timers)
	require.Equal(t, uint64(1), tbl.dropped.Load())

	// the node is terminated
	r.err = gen.ErrNodeTerminated
	require.NoError(t, tbl.Send(userEnvelope(pid, pid, "remote")))
	s.drain()
	require.ErrorIs(t, s.execute(s.pop()), gen.ErrNodeTerminated)
}

func TestSchedulerRun(t *testing.T) {
	tbl, schedulers := newTestSchedulers(t, 4, &fakeRemote{})

	client := service.NewInbox[string]()
	clientPID := gen.PID{Name: "client", Node: tableNode}
	require.NoError(t, tbl.registerService(clientPID, client))

	const processes = 32
	const messages = 200
	for i := 0; i < processes; i++ {
		pid := gen.PID{Name: fmt.Sprint(i), Node: tableNode}
		require.NoError(t, tbl.spawn(pid, newPCB[string](pid, &recorder{}, zap.NewNop())))
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for _, s := range schedulers {
		wg.Add(1)
		go func(s *scheduler[string]) {
			defer wg.Done()
			s.run(ctx)
		}(s)
	}

	for n := 0; n < messages; n++ {
		for i := 0; i < processes; i++ {
			pid := gen.PID{Name: fmt.Sprint(i), Node: tableNode}
			require.NoError(t, tbl.Send(userEnvelope(pid, clientPID, "echo")))
		}
	}

	rctx, rcancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer rcancel()
	received := make(map[string]int)
	for i := 0; i < processes*messages; i++ {
		env, err := client.Receive(rctx)
		require.NoError(t, err)
		received[env.From.Name]++
	}
	for i := 0; i < processes; i++ {
		require.Equal(t, messages, received[fmt.Sprint(i)])
	}

	cancel()
	wg.Wait()

	var handled uint64
	for _, s := range schedulers {
		handled += s.status().Handled
	}
	require.Equal(t, uint64(processes*messages), handled)
}
