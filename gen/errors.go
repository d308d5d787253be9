package gen

import (
	"errors"

	perrors "github.com/pingcap/errors"
)

var (
	ErrAlreadyExists  = errors.New("already exists")
	ErrNoSuchPid      = errors.New("no such pid")
	ErrMailboxClosed  = errors.New("mailbox is closed")
	ErrNodeTerminated = errors.New("node terminated")

	ErrMalformed   = errors.New("malformed value")
	ErrUnknownKind = errors.New("unknown kind")
)

// errors of the cluster server and the TCP service. They are never returned
// to the application, the reactor logs them and counts them by kind.
var (
	ErrEncode = perrors.Normalize(
		"encode %s failed",
		perrors.RFCCodeText("RABBLE:ErrEncode"),
	)
	ErrDecode = perrors.Normalize(
		"decode frame from %s failed",
		perrors.RFCCodeText("RABBLE:ErrDecode"),
	)
	ErrRead = perrors.Normalize(
		"read from %s failed",
		perrors.RFCCodeText("RABBLE:ErrRead"),
	)
	ErrWrite = perrors.Normalize(
		"write to %s failed",
		perrors.RFCCodeText("RABBLE:ErrWrite"),
	)
	ErrRegistrar = perrors.Normalize(
		"listener %s failed",
		perrors.RFCCodeText("RABBLE:ErrRegistrar"),
	)
	ErrConnect = perrors.Normalize(
		"connect to %s failed",
		perrors.RFCCodeText("RABBLE:ErrConnect"),
	)
	ErrSend = perrors.Normalize(
		"route envelope to %s failed",
		perrors.RFCCodeText("RABBLE:ErrSend"),
	)
	ErrBroadcast = perrors.Normalize(
		"broadcast %s failed",
		perrors.RFCCodeText("RABBLE:ErrBroadcast"),
	)
	ErrPollNotification = perrors.Normalize(
		"processing of %d events failed",
		perrors.RFCCodeText("RABBLE:ErrPollNotification"),
	)
	ErrShutdown = perrors.Normalize(
		"shutdown",
		perrors.RFCCodeText("RABBLE:ErrShutdown"),
	)
	ErrProtocolViolation = perrors.Normalize(
		"protocol violation on %s: %s",
		perrors.RFCCodeText("RABBLE:ErrProtocolViolation"),
	)
)
