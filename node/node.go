// Package node implements the runtime of a single node: the process
// table, the scheduler pool and the public Node API binding them with the
// cluster server.
package node

import (
	"context"
	"net"
	"runtime"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pingcap/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ergo-services/rabble/gen"
	"github.com/ergo-services/rabble/lib/osdep"
	"github.com/ergo-services/rabble/net/cluster"
	"github.com/ergo-services/rabble/net/codec"
)

// Options of the node. Zero values are replaced by the defaults from the
// gen package.
type Options[T any] struct {
	Logger *zap.Logger
	// Schedulers is the number of scheduler goroutines. Default is
	// runtime.NumCPU().
	Schedulers int
	// Codec of the node-to-node connections. Default is codec.MsgPack.
	Codec codec.Codec[T]
	Clock clock.Clock
	// Listener replaces binding the node address
	Listener net.Listener

	RequestTimeout  time.Duration
	Tick            time.Duration
	TimerResolution time.Duration

	Quantum        int
	DrainBatch     int
	MinResidence   int
	SchedulerSleep time.Duration
}

// Node is a running node. All the methods are safe for concurrent use.
type Node[T any] struct {
	id      gen.NodeID
	label   string
	log     *zap.Logger
	started time.Time

	table      *table[T]
	cluster    *cluster.Server[T]
	schedulers []*scheduler[T]

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	// status replies
	wg sync.WaitGroup
}

// Rouse starts the cluster server and the scheduler pool of the node.
// The node runs until Shutdown is called or the cluster server fails,
// Wait returns once every goroutine has exited.
func Rouse[T any](id gen.NodeID, options Options[T]) (*Node[T], error) {
	if id.Name == "" || id.Addr == "" {
		return nil, errors.Annotatef(gen.ErrMalformed, "node id %q", id.String())
	}
	if options.Logger == nil {
		options.Logger = zap.L()
	}
	if options.Schedulers < 1 {
		options.Schedulers = runtime.NumCPU()
	}
	if options.Quantum < 1 {
		options.Quantum = gen.DefaultQuantum
	}
	if options.DrainBatch < 1 {
		options.DrainBatch = gen.DefaultDrainBatch
	}
	if options.MinResidence < 1 {
		options.MinResidence = gen.DefaultMinResidence
	}
	if options.SchedulerSleep <= 0 {
		options.SchedulerSleep = gen.DefaultSchedulerSleep
	}

	log := options.Logger.Named("node").With(zap.Stringer("node", id))
	slog := options.Logger.With(zap.Stringer("node", id))
	n := &Node[T]{
		id:      id,
		label:   id.String(),
		log:     log,
		started: time.Now(),
		table:   newTable[T](options.Schedulers),
	}

	server, err := cluster.NewServer[T](id, cluster.Options[T]{
		Codec:           options.Codec,
		Router:          n.table,
		Logger:          options.Logger,
		Clock:           options.Clock,
		Listener:        options.Listener,
		RequestTimeout:  options.RequestTimeout,
		Tick:            options.Tick,
		TimerResolution: options.TimerResolution,
	})
	if err != nil {
		return nil, err
	}
	n.cluster = server

	sopts := schedulerOptions{
		quantum:      options.Quantum,
		drainBatch:   options.DrainBatch,
		minResidence: options.MinResidence,
		sleep:        options.SchedulerSleep,
	}
	for i := 0; i < options.Schedulers; i++ {
		n.schedulers = append(n.schedulers, newScheduler[T](i, id, n.table, server, sopts, slog))
	}
	for _, s := range n.schedulers {
		s.peers = n.schedulers
	}

	n.ctx, n.cancel = context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(n.ctx)
	n.group = group

	group.Go(func() error {
		err := server.Serve(ctx)
		// the schedulers stop with the cluster server
		n.cancel()
		return err
	})
	for _, s := range n.schedulers {
		s := s
		group.Go(func() error {
			return s.run(ctx)
		})
	}

	n.updateGauges()
	log.Info("node started",
		zap.Stringer("addr", server.Addr()),
		zap.Int("schedulers", options.Schedulers))
	return n, nil
}

// ID returns the node id
func (n *Node[T]) ID() gen.NodeID {
	return n.id
}

// Join adds the node to the cluster membership. It doesn't wait for the
// connection to be established.
func (n *Node[T]) Join(id gen.NodeID) error {
	return n.cluster.Join(id)
}

// Leave removes the node from the cluster membership
func (n *Node[T]) Leave(id gen.NodeID) error {
	return n.cluster.Leave(id)
}

// Spawn registers the process under the given pid. The pid must belong to
// this node.
func (n *Node[T]) Spawn(pid gen.PID, process gen.Process[T]) error {
	if pid.Node != n.id {
		return errors.Annotatef(gen.ErrNoSuchPid, "pid %s doesn't belong to %s", pid, n.id)
	}
	if process == nil {
		return errors.New("process is nil")
	}
	if err := n.alive(); err != nil {
		return err
	}
	if err := n.table.spawn(pid, newPCB[T](pid, process, n.log)); err != nil {
		return err
	}
	n.updateGauges()
	n.log.Debug("process spawned", zap.Stringer("pid", pid))
	return nil
}

// Stop kills the process. Envelopes which are not handled yet are dropped.
func (n *Node[T]) Stop(pid gen.PID) {
	if n.table.kill(pid) {
		n.updateGauges()
		n.log.Debug("process stopped", zap.Stringer("pid", pid))
	}
}

// RegisterService binds the mailbox of a service to the pid
func (n *Node[T]) RegisterService(pid gen.PID, mailbox gen.Mailbox[T]) error {
	if pid.Node != n.id {
		return errors.Annotatef(gen.ErrNoSuchPid, "pid %s doesn't belong to %s", pid, n.id)
	}
	if err := n.alive(); err != nil {
		return err
	}
	if err := n.table.registerService(pid, mailbox); err != nil {
		return err
	}
	n.updateGauges()
	n.log.Debug("service registered", zap.Stringer("pid", pid))
	return nil
}

func (n *Node[T]) DeregisterService(pid gen.PID) {
	if n.table.deregisterService(pid) {
		n.updateGauges()
		n.log.Debug("service deregistered", zap.Stringer("pid", pid))
	}
}

// Send routes the envelope. Sending to an unknown local pid returns
// gen.ErrNoSuchPid, envelopes to the remote nodes are delivered at most
// once.
func (n *Node[T]) Send(env gen.Envelope[T]) error {
	if env.To.Node == n.id {
		return n.table.Send(env)
	}
	return n.cluster.Send(env)
}

// MonitorNodes subscribes the pid to NodeUp/NodeDown notifications
func (n *Node[T]) MonitorNodes(pid gen.PID) error {
	return n.cluster.MonitorNodes(pid)
}

// ClusterStatus sends the status of the cluster server to the reply
// channel.
func (n *Node[T]) ClusterStatus(reply chan<- gen.ClusterStatus) error {
	return n.cluster.Status(reply)
}

// ExecutorStatus sends the status of the scheduler pool to the reply
// channel.
func (n *Node[T]) ExecutorStatus(reply chan<- gen.ExecutorStatus) error {
	if err := n.alive(); err != nil {
		return err
	}
	processes, services := n.table.len()
	status := gen.ExecutorStatus{
		Processes:   processes,
		Services:    services,
		Unscheduled: n.table.unscheduledLen(),
		Dropped:     n.table.dropped.Load(),
		Uptime:      time.Since(n.started),
	}
	status.UserTime, status.SystemTime = osdep.ResourceUsage()
	for _, s := range n.schedulers {
		status.Schedulers = append(status.Schedulers, s.status())
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		select {
		case reply <- status:
		case <-n.ctx.Done():
		}
	}()
	return nil
}

// Shutdown stops the node. The services get the Shutdown message.
func (n *Node[T]) Shutdown() {
	select {
	case <-n.ctx.Done():
		return
	default:
	}
	n.log.Info("node is shutting down")

	for _, pid := range n.table.servicePIDs() {
		err := n.table.Send(gen.Envelope[T]{
			To:   pid,
			From: n.cluster.PID(),
			Msg:  gen.MsgShutdown[T](),
		})
		if err != nil {
			// the service has already closed its inbox
			n.log.Debug("shutdown not delivered", zap.Stringer("pid", pid), zap.Error(err))
		}
	}
	n.cluster.Shutdown()
	n.cancel()
}

// Wait blocks until every goroutine of the node has exited. It returns the
// error of the cluster server if it has failed.
func (n *Node[T]) Wait() error {
	err := n.group.Wait()
	n.wg.Wait()
	n.cleanupMetrics()
	n.log.Info("node stopped")
	return err
}

func (n *Node[T]) alive() error {
	select {
	case <-n.ctx.Done():
		return gen.ErrNodeTerminated
	default:
		return nil
	}
}
