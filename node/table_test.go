package node

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ergo-services/rabble/gen"
	"github.com/ergo-services/rabble/service"
)

var tableNode = gen.NodeID{Name: "n1", Addr: "127.0.0.1:5000"}

func nopProcess() gen.Process[string] {
	return gen.ProcessFunc[string](func(gen.Terminal[string], gen.Msg[string], gen.PID, *gen.CorrelationID) error {
		return nil
	})
}

func userEnvelope(to, from gen.PID, s string) gen.Envelope[string] {
	return gen.Envelope[string]{To: to, From: from, Msg: gen.MsgUser(s)}
}

func (t *table[T]) lookup(pid gen.PID) *entry[T] {
	s := t.shard(pid)
	s.Lock()
	defer s.Unlock()
	return s.entries[pid]
}

func popOne[T any](t *table[T]) *pcb[T] {
	var p *pcb[T]
	t.popUnscheduled(1, func(v *pcb[T]) { p = v })
	return p
}

func TestTableSpawnKill(t *testing.T) {
	tbl := newTable[string](1)
	pid := gen.PID{Name: "a", Node: tableNode}

	p := newPCB[string](pid, nopProcess(), zap.NewNop())
	require.NoError(t, tbl.spawn(pid, p))
	require.NotZero(t, p.id)
	require.ErrorIs(t, tbl.spawn(pid, newPCB[string](pid, nopProcess(), zap.NewNop())), gen.ErrAlreadyExists)

	processes, services := tbl.len()
	require.Equal(t, 1, processes)
	require.Equal(t, 0, services)

	require.True(t, tbl.kill(pid))
	require.False(t, tbl.kill(pid))
	require.ErrorIs(t, tbl.Send(userEnvelope(pid, pid, "x")), gen.ErrNoSuchPid)

	// ids are never reused
	q := newPCB[string](pid, nopProcess(), zap.NewNop())
	require.NoError(t, tbl.spawn(pid, q))
	require.Greater(t, q.id, p.id)
}

func TestTableDualMailbox(t *testing.T) {
	tbl := newTable[string](1)
	pid := gen.PID{Name: "a", Node: tableNode}
	from := gen.PID{Name: "b", Node: tableNode}
	p := newPCB[string](pid, nopProcess(), zap.NewNop())
	require.NoError(t, tbl.spawn(pid, p))

	// idle: the pcb goes to the unscheduled deque
	require.NoError(t, tbl.Send(userEnvelope(pid, from, "1")))
	require.Nil(t, tbl.lookup(pid).pcb)
	require.Equal(t, 1, tbl.unscheduledLen())

	// active: envelopes are collected in pending
	require.NoError(t, tbl.Send(userEnvelope(pid, from, "2")))
	require.NoError(t, tbl.Send(userEnvelope(pid, from, "3")))
	require.Len(t, tbl.lookup(pid).pending, 2)
	require.Equal(t, 1, tbl.unscheduledLen())

	running := popOne(tbl)
	require.Same(t, p, running)
	require.Len(t, running.mailbox, 1)
	require.Equal(t, "1", running.mailbox[0].Msg.User)
	running.mailbox = running.mailbox[1:]

	// pending is swapped into the pcb
	next := tbl.deschedule(running)
	require.Same(t, p, next)
	require.Len(t, next.mailbox, 2)
	require.Equal(t, "2", next.mailbox[0].Msg.User)
	require.Equal(t, "3", next.mailbox[1].Msg.User)
	require.Empty(t, tbl.lookup(pid).pending)
	next.mailbox = next.mailbox[2:]

	// nothing pending: the pcb is idle again
	require.Nil(t, tbl.deschedule(next))
	require.Same(t, p, tbl.lookup(pid).pcb)

	require.NoError(t, tbl.Send(userEnvelope(pid, from, "4")))
	require.Same(t, p, popOne(tbl))
}

func TestTableStalePCB(t *testing.T) {
	tbl := newTable[string](1)
	pid := gen.PID{Name: "a", Node: tableNode}
	old := newPCB[string](pid, nopProcess(), zap.NewNop())
	require.NoError(t, tbl.spawn(pid, old))
	require.NoError(t, tbl.Send(userEnvelope(pid, pid, "1")))
	require.Same(t, old, popOne(tbl))

	// killed and spawned again while the old pcb is running
	require.True(t, tbl.kill(pid))
	fresh := newPCB[string](pid, nopProcess(), zap.NewNop())
	require.NoError(t, tbl.spawn(pid, fresh))

	old.mailbox = old.mailbox[:0]
	require.Nil(t, tbl.deschedule(old))
	require.Same(t, fresh, tbl.lookup(pid).pcb)

	// killed only
	require.NoError(t, tbl.Send(userEnvelope(pid, pid, "2")))
	require.Same(t, fresh, popOne(tbl))
	require.True(t, tbl.kill(pid))
	fresh.mailbox = fresh.mailbox[:0]
	require.Nil(t, tbl.deschedule(fresh))
	require.Nil(t, tbl.lookup(pid))
}

func TestTableIncarnation(t *testing.T) {
	tbl := newTable[string](1)
	pid := gen.PID{Name: "a", Node: tableNode}
	old := newPCB[string](pid, nopProcess(), zap.NewNop())
	require.NoError(t, tbl.spawn(pid, old))
	require.True(t, tbl.kill(pid))
	fresh := newPCB[string](pid, nopProcess(), zap.NewNop())
	require.NoError(t, tbl.spawn(pid, fresh))

	timeout := gen.Envelope[string]{To: pid, From: pid, Msg: gen.MsgTimeout[string](1), Incarnation: old.id}
	require.ErrorIs(t, tbl.Send(timeout), gen.ErrNoSuchPid)
	require.Same(t, fresh, tbl.lookup(pid).pcb)
	require.Equal(t, 0, tbl.unscheduledLen())

	timeout.Incarnation = fresh.id
	require.NoError(t, tbl.Send(timeout))
	running := popOne(tbl)
	require.Same(t, fresh, running)
	require.Equal(t, gen.TimerID(1), running.mailbox[0].Msg.Timeout)
}

func TestTableService(t *testing.T) {
	tbl := newTable[string](1)
	pid := gen.PID{Name: "svc", Node: tableNode}
	inbox := service.NewInbox[string]()

	require.NoError(t, tbl.registerService(pid, inbox))
	require.ErrorIs(t, tbl.registerService(pid, inbox), gen.ErrAlreadyExists)
	require.ErrorIs(t, tbl.spawn(pid, newPCB[string](pid, nopProcess(), zap.NewNop())), gen.ErrAlreadyExists)
	require.Equal(t, []gen.PID{pid}, tbl.servicePIDs())

	// a service can't be killed as a process
	require.False(t, tbl.kill(pid))

	require.NoError(t, tbl.Send(userEnvelope(pid, pid, "hi")))
	env, ok := inbox.TryReceive()
	require.True(t, ok)
	require.Equal(t, "hi", env.Msg.User)

	inbox.Close()
	require.ErrorIs(t, tbl.Send(userEnvelope(pid, pid, "closed")), gen.ErrNoSuchPid)

	require.True(t, tbl.deregisterService(pid))
	require.False(t, tbl.deregisterService(pid))
	_, services := tbl.len()
	require.Equal(t, 0, services)
}

// Senders race with a single consumer playing the scheduler. Every envelope
// must be handled once and in the order of its sender.
func TestTableConcurrentSends(t *testing.T) {
	tbl := newTable[string](1)
	pid := gen.PID{Name: "sink", Node: tableNode}
	p := newPCB[string](pid, nopProcess(), zap.NewNop())
	require.NoError(t, tbl.spawn(pid, p))

	const senders = 8
	const perSender = 1000

	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			from := gen.PID{Name: fmt.Sprint(i), Node: tableNode}
			for n := 0; n < perSender; n++ {
				tbl.Send(userEnvelope(pid, from, fmt.Sprint(n)))
			}
		}(i)
	}

	last := make(map[string]int)
	handled := 0
	for handled < senders*perSender {
		running := popOne(tbl)
		for running != nil {
			for _, env := range running.mailbox {
				n := 0
				fmt.Sscan(env.Msg.User, &n)
				if prev, found := last[env.From.Name]; found {
					require.Equal(t, prev+1, n, "sender %s", env.From.Name)
				} else {
					require.Equal(t, 0, n)
				}
				last[env.From.Name] = n
				handled++
			}
			running.mailbox = running.mailbox[:0]
			running = tbl.deschedule(running)
		}
	}
	wg.Wait()

	require.Equal(t, senders*perSender, handled)
	require.Same(t, p, tbl.lookup(pid).pcb)
	require.Equal(t, 0, tbl.unscheduledLen())
}
