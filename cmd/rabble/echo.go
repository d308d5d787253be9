package main

import (
	"go.uber.org/zap"

	"github.com/ergo-services/rabble/gen"
)

// handleEcho sends every user message back to the sender with the same
// correlation id.
func handleEcho(term gen.Terminal[string], msg gen.Msg[string], from gen.PID, cid *gen.CorrelationID) error {
	if msg.Kind != gen.MsgKindUser {
		return nil
	}
	if ce := term.Log().Check(zap.DebugLevel, "echo"); ce != nil {
		ce.Write(zap.Stringer("from", from))
	}
	term.SendCorrelated(from, msg, cid)
	return nil
}
