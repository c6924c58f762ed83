package main

import (
	"bytes"
	"context"
	"encoding/gob"

	"github.com/sirupsen/logrus"

	"github.com/monadicus/snops-core/internal/bus"
	"github.com/monadicus/snops-core/internal/reconciler"
)

// commandHandler adapts inbound bus.Command frames to the local
// reconciler and to the Authorize/Execute stand-ins (bus.CommandHandler).
// Per spec.md §4.2 the bus client serializes delivery, so Handle never
// runs concurrently with itself.
type commandHandler struct {
	rec *reconciler.Reconciler
	log *logrus.Entry

	setLogLevel func(level string) error
}

func newCommandHandler(rec *reconciler.Reconciler, setLogLevel func(level string) error, log *logrus.Entry) *commandHandler {
	return &commandHandler{rec: rec, log: log, setLogLevel: setLogLevel}
}

func (h *commandHandler) Handle(ctx context.Context, cmd bus.Command) bus.Response {
	switch cmd.Op {
	case bus.OpSetTargetState:
		h.rec.SetTarget(cmd.Target)
		return bus.Response{Status: bus.StatusOK}

	case bus.OpKill:
		if err := h.rec.RunOnce(ctx); err != nil {
			return errResponse(err)
		}
		return bus.Response{Status: bus.StatusOK}

	case bus.OpSetLogLevel:
		if h.setLogLevel == nil {
			return bus.Response{Status: bus.StatusOK}
		}
		if err := h.setLogLevel(cmd.LogLevel); err != nil {
			return errResponse(err)
		}
		return bus.Response{Status: bus.StatusOK}

	case bus.OpGetStatus:
		return bus.Response{Status: bus.StatusOK}

	case bus.OpCannonTx:
		// Broadcast is the out-of-scope embedded node's concern; an agent
		// asked to relay a cannon's transaction bytes just acknowledges
		// receipt, mirroring cannon.BusDispatcher's expectation of a
		// synchronous OK/Err reply.
		if len(cmd.TxBytes) == 0 {
			return bus.Response{Status: bus.StatusErr, ErrKind: "Validation", ErrMessage: "empty tx bytes"}
		}
		return bus.Response{Status: bus.StatusOK}

	case bus.OpAuthorize:
		result, err := localAuthorize(cmd)
		if err != nil {
			return errResponse(err)
		}
		return bus.Response{Status: bus.StatusOK, Result: result}

	case bus.OpExecute:
		result, err := localExecute(cmd)
		if err != nil {
			return errResponse(err)
		}
		return bus.Response{Status: bus.StatusOK, Result: result}

	default:
		return bus.Response{Status: bus.StatusErr, ErrKind: "Validation", ErrMessage: "unknown op " + string(cmd.Op)}
	}
}

func errResponse(err error) bus.Response {
	kind := "ReconcileTransient"
	if reconciler.IsStructural(err) {
		kind = "ReconcileStructural"
	}
	return bus.Response{Status: bus.StatusErr, ErrKind: kind, ErrMessage: err.Error()}
}

// localAuthorize stands in for the embedded node's proving circuit
// (explicitly out of scope): it deterministically encodes the authorize
// inputs so downstream stages have stable bytes to carry, mirroring
// cannon.localAuthorize's stub semantics on the agent side of the wire.
func localAuthorize(cmd bus.Command) ([]byte, error) {
	return gobEncode(struct {
		Program string
		Fn      string
		Inputs  []string
		KeyRef  string
	}{cmd.Program, cmd.Fn, cmd.Inputs, cmd.KeyRef})
}

func localExecute(cmd bus.Command) ([]byte, error) {
	return gobEncode(struct {
		AuthBytes     []byte
		QueryEndpoint string
	}{cmd.AuthBytes, cmd.QueryEndpoint})
}

func gobEncode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
