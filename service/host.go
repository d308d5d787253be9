package service

import (
	"context"

	"github.com/pingcap/errors"
	"go.uber.org/zap"

	"github.com/ergo-services/rabble/gen"
)

// Handler handles the envelopes delivered to a service. Returning an error
// terminates the service.
type Handler[T any] interface {
	HandleEnvelope(host *Host[T], env gen.Envelope[T]) error
}

type HandlerFunc[T any] func(host *Host[T], env gen.Envelope[T]) error

func (f HandlerFunc[T]) HandleEnvelope(host *Host[T], env gen.Envelope[T]) error {
	return f(host, env)
}

// Host is given to the service handler. Unlike the process Terminal the
// messages are routed immediately.
type Host[T any] struct {
	pid       gen.PID
	registrar gen.ServiceRegistrar[T]
	inbox     *Inbox[T]
	log       *zap.Logger
}

func (h *Host[T]) Self() gen.PID {
	return h.pid
}

func (h *Host[T]) Send(to gen.PID, msg gen.Msg[T]) error {
	return h.SendCorrelated(to, msg, nil)
}

func (h *Host[T]) SendCorrelated(to gen.PID, msg gen.Msg[T], cid *gen.CorrelationID) error {
	return h.registrar.Send(gen.Envelope[T]{
		To:            to,
		From:          h.pid,
		Msg:           msg,
		CorrelationID: cid,
	})
}

func (h *Host[T]) Log() *zap.Logger {
	return h.log
}

// Run registers an inbox under the pid and handles its envelopes until the
// context is canceled, the service receives the Shutdown request or the
// handler returns an error. Run blocks, start it on its own goroutine.
func Run[T any](ctx context.Context, registrar gen.ServiceRegistrar[T], pid gen.PID, handler Handler[T], log *zap.Logger) error {
	if log == nil {
		log = zap.L()
	}
	host := &Host[T]{
		pid:       pid,
		registrar: registrar,
		inbox:     NewInbox[T](),
		log:       log.Named("service").With(zap.Stringer("pid", pid)),
	}
	if err := registrar.RegisterService(pid, host.inbox); err != nil {
		return errors.Annotatef(err, "register service %s", pid)
	}
	defer func() {
		registrar.DeregisterService(pid)
		host.inbox.Close()
	}()
	host.log.Debug("service started")

	for {
		env, err := host.inbox.Receive(ctx)
		if err != nil {
			host.log.Debug("service stopped", zap.Error(err))
			return nil
		}
		if env.Msg.Kind == gen.MsgKindReq && env.Msg.Req.Kind == gen.ReqShutdown {
			host.log.Debug("service stopped", zap.Stringer("by", env.From))
			return nil
		}
		if err := handler.HandleEnvelope(host, env); err != nil {
			host.log.Info("service terminated", zap.Error(err))
			return err
		}
	}
}
