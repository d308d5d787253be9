package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/ergo-services/rabble/gen"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testNode = gen.NodeID{Name: "n1", Addr: "127.0.0.1:5000"}

// testRegistrar routes envelopes to the registered mailboxes. Envelopes to
// the other nodes are silently dropped.
type testRegistrar struct {
	sync.Mutex
	mailboxes map[gen.PID]gen.Mailbox[string]
}

func newTestRegistrar() *testRegistrar {
	return &testRegistrar{mailboxes: make(map[gen.PID]gen.Mailbox[string])}
}

func (r *testRegistrar) Send(env gen.Envelope[string]) error {
	if env.To.Node != testNode {
		return nil
	}
	r.Lock()
	mailbox, found := r.mailboxes[env.To]
	r.Unlock()
	if found == false {
		return gen.ErrNoSuchPid
	}
	if err := mailbox.Deliver(env); err != nil {
		return gen.ErrNoSuchPid
	}
	return nil
}

func (r *testRegistrar) RegisterService(pid gen.PID, mailbox gen.Mailbox[string]) error {
	r.Lock()
	defer r.Unlock()
	if _, found := r.mailboxes[pid]; found {
		return gen.ErrAlreadyExists
	}
	r.mailboxes[pid] = mailbox
	return nil
}

func (r *testRegistrar) DeregisterService(pid gen.PID) {
	r.Lock()
	defer r.Unlock()
	delete(r.mailboxes, pid)
}

func (r *testRegistrar) registered(pid gen.PID) bool {
	r.Lock()
	defer r.Unlock()
	_, found := r.mailboxes[pid]
	return found
}

func TestInbox(t *testing.T) {
	inbox := NewInbox[string]()
	from := gen.PID{Name: "a", Node: testNode}
	to := gen.PID{Name: "b", Node: testNode}

	_, ok := inbox.TryReceive()
	require.False(t, ok)

	for _, s := range []string{"1", "2", "3"} {
		require.NoError(t, inbox.Deliver(gen.Envelope[string]{To: to, From: from, Msg: gen.MsgUser(s)}))
	}
	require.Equal(t, 3, inbox.Len())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for _, s := range []string{"1", "2", "3"} {
		env, err := inbox.Receive(ctx)
		require.NoError(t, err)
		require.Equal(t, s, env.Msg.User)
	}

	// blocked receive is woken up by a delivery
	go func() {
		time.Sleep(20 * time.Millisecond)
		inbox.Deliver(gen.Envelope[string]{To: to, From: from, Msg: gen.MsgUser("late")})
	}()
	env, err := inbox.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, "late", env.Msg.User)

	require.NoError(t, inbox.Deliver(gen.Envelope[string]{To: to, From: from, Msg: gen.MsgUser("queued")}))
	inbox.Close()
	require.ErrorIs(t, inbox.Deliver(gen.Envelope[string]{}), gen.ErrMailboxClosed)

	// queued envelopes survive close
	env, err = inbox.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, "queued", env.Msg.User)
	_, err = inbox.Receive(ctx)
	require.ErrorIs(t, err, gen.ErrMailboxClosed)
}

// Every accepted delivery is received even when it races with Close.
func TestInboxCloseRace(t *testing.T) {
	to := gen.PID{Name: "b", Node: testNode}
	for round := 0; round < 50; round++ {
		inbox := NewInbox[string]()
		var accepted atomic.Int64
		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for n := 0; n < 100; n++ {
					if inbox.Deliver(gen.Envelope[string]{To: to, Msg: gen.MsgUser("x")}) == nil {
						accepted.Inc()
					}
				}
			}()
		}
		go func() {
			time.Sleep(time.Duration(round%5) * 100 * time.Microsecond)
			inbox.Close()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		received := int64(0)
		for {
			_, err := inbox.Receive(ctx)
			if err != nil {
				require.ErrorIs(t, err, gen.ErrMailboxClosed)
				break
			}
			received++
		}
		cancel()
		wg.Wait()
		require.Equal(t, accepted.Load(), received, "round %d", round)
	}
}

func TestInboxReceiveCanceled(t *testing.T) {
	inbox := NewInbox[string]()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := inbox.Receive(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRun(t *testing.T) {
	registrar := newTestRegistrar()
	pid := gen.PID{Name: "upper", Node: testNode}
	client := NewInbox[string]()
	clientPID := gen.PID{Name: "client", Node: testNode}
	require.NoError(t, registrar.RegisterService(clientPID, client))

	// replies with the doubled string
	handler := HandlerFunc[string](func(host *Host[string], env gen.Envelope[string]) error {
		return host.SendCorrelated(env.From, gen.MsgUser(env.Msg.User+env.Msg.User), env.CorrelationID)
	})

	errors := make(chan error, 1)
	go func() {
		errors <- Run[string](context.Background(), registrar, pid, handler, zaptest.NewLogger(t))
	}()
	require.Eventually(t, func() bool { return registrar.registered(pid) }, time.Second, time.Millisecond)

	// the same pid can't be taken twice
	require.ErrorIs(t, registrar.RegisterService(pid, NewInbox[string]()), gen.ErrAlreadyExists)

	cid := &gen.CorrelationID{PID: clientPID, Request: 7}
	require.NoError(t, registrar.Send(gen.Envelope[string]{To: pid, From: clientPID, Msg: gen.MsgUser("ab"), CorrelationID: cid}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	reply, err := client.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, "abab", reply.Msg.User)
	require.Equal(t, cid, reply.CorrelationID)
	require.Equal(t, pid, reply.From)

	require.NoError(t, registrar.Send(gen.Envelope[string]{To: pid, From: clientPID, Msg: gen.MsgShutdown[string]()}))
	select {
	case err := <-errors:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("service did not stop")
	}
	require.False(t, registrar.registered(pid))
	require.ErrorIs(t, registrar.Send(gen.Envelope[string]{To: pid}), gen.ErrNoSuchPid)
}

func TestRunHandlerError(t *testing.T) {
	registrar := newTestRegistrar()
	pid := gen.PID{Name: "failing", Node: testNode}
	handler := HandlerFunc[string](func(host *Host[string], env gen.Envelope[string]) error {
		return gen.ErrMalformed
	})

	errors := make(chan error, 1)
	go func() {
		errors <- Run[string](context.Background(), registrar, pid, handler, zaptest.NewLogger(t))
	}()
	require.Eventually(t, func() bool { return registrar.registered(pid) }, time.Second, time.Millisecond)
	require.NoError(t, registrar.Send(gen.Envelope[string]{To: pid, Msg: gen.MsgUser("x")}))

	select {
	case err := <-errors:
		require.ErrorIs(t, err, gen.ErrMalformed)
	case <-time.After(time.Second):
		t.Fatal("service did not stop")
	}
	require.False(t, registrar.registered(pid))
}

func TestRunContextCanceled(t *testing.T) {
	registrar := newTestRegistrar()
	pid := gen.PID{Name: "idle", Node: testNode}
	ctx, cancel := context.WithCancel(context.Background())

	errors := make(chan error, 1)
	go func() {
		errors <- Run[string](ctx, registrar, pid, HandlerFunc[string](func(*Host[string], gen.Envelope[string]) error {
			return nil
		}), zaptest.NewLogger(t))
	}()
	require.Eventually(t, func() bool { return registrar.registered(pid) }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-errors)
	require.False(t, registrar.registered(pid))
}
