package framework

import (
	"context"
	"time"

	"github.com/launchdarkly/mock-service-harness/servicedef"

	"gopkg.in/launchdarkly/go-sdk-common.v2/ldvalue"
)

type pendingOperation struct {
	id     int
	opType string
	result chan operationResult
}

type operationResult struct {
	reply servicedef.Envelope
	err   error
}

// SendOperation writes an operation to the process and waits for its reply.
//
// Operations on one handle never overlap: a second caller waits (within the same timeout) until
// the first has its reply or has given up. Each operation is stamped with an increasing "opId";
// the reply is the next "reply" notification, and if the process echoes the id as "replyTo" it
// must match. A reply that arrives after the caller has timed out is discarded.
//
// A reply carrying an "error" property is returned together with an *OperationError. The
// operation is never retried.
func (h *ProcessHandle) SendOperation(ctx context.Context, op servicedef.Envelope, timeout time.Duration) (servicedef.Envelope, error) {
	startTime := time.Now()
	reply, err := h.sendOperation(ctx, op, timeout)
	h.metrics.OperationDuration(h.id, op.Type, time.Since(startTime), err)
	if err != nil {
		h.logger.Printf("Operation %s failed: %s", op.Type, err)
	}
	return reply, err
}

func (h *ProcessHandle) sendOperation(ctx context.Context, op servicedef.Envelope, timeout time.Duration) (servicedef.Envelope, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	select {
	case h.opSlot <- struct{}{}:
	case <-h.stoppedCh:
		return servicedef.Envelope{}, h.terminatedError()
	case <-deadline.C:
		return servicedef.Envelope{}, &TimeoutError{Process: h.id, Waiting: "reply to " + op.Type, Timeout: timeout}
	case <-ctx.Done():
		return servicedef.Envelope{}, ctx.Err()
	}
	defer func() { <-h.opSlot }()

	p, err := h.beginOperation(op.Type)
	if err != nil {
		return servicedef.Envelope{}, err
	}
	if err := h.Send(op.With(servicedef.FieldOpID, ldvalue.Int(p.id))); err != nil {
		h.abandonOperation(p)
		return servicedef.Envelope{}, err
	}

	var r operationResult
	select {
	case r = <-p.result:
	case <-deadline.C:
		r = h.abandonOperation(p)
		if r.err == nil && !r.hasReply() {
			r.err = &TimeoutError{Process: h.id, Waiting: "reply to " + op.Type, Timeout: timeout}
		}
	case <-ctx.Done():
		r = h.abandonOperation(p)
		if r.err == nil && !r.hasReply() {
			r.err = ctx.Err()
		}
	}
	if r.err != nil {
		return servicedef.Envelope{}, r.err
	}
	if r.reply.Has(servicedef.FieldError) {
		msg := r.reply.Get(servicedef.FieldError)
		text := msg.StringValue()
		if msg.Type() != ldvalue.StringType {
			text = msg.JSONString()
		}
		return r.reply, &OperationError{Process: h.id, Operation: op.Type, Message: text}
	}
	return r.reply, nil
}

func (r operationResult) hasReply() bool {
	return r.reply.Type != ""
}

func (h *ProcessHandle) beginOperation(opType string) (*pendingOperation, error) {
	h.lock.Lock()
	defer h.lock.Unlock()
	if h.state == ProcessStopping || h.state == ProcessStopped {
		return nil, &ProcessTerminatedError{Process: h.id, ExitErr: h.exitErr}
	}
	h.lastOpID++
	p := &pendingOperation{id: h.lastOpID, opType: opType, result: make(chan operationResult, 1)}
	h.pending = p
	return p, nil
}

// abandonOperation gives up on an operation. If its result was already delivered, that result is
// returned.
func (h *ProcessHandle) abandonOperation(p *pendingOperation) operationResult {
	h.lock.Lock()
	defer h.lock.Unlock()
	if h.pending == p {
		h.pending = nil
		return operationResult{}
	}
	select {
	case r := <-p.result:
		return r
	default:
		return operationResult{}
	}
}

func (h *ProcessHandle) resolveReply(e servicedef.Envelope) {
	h.lock.Lock()
	defer h.lock.Unlock()
	p := h.pending
	if p == nil {
		h.logger.Printf("Discarding reply with no operation in flight: %s", e)
		return
	}
	if e.Has(servicedef.FieldReplyTo) && e.Get(servicedef.FieldReplyTo).IntValue() != p.id {
		h.logger.Printf("Discarding reply that does not match operation %d (%s): %s", p.id, p.opType, e)
		return
	}
	h.pending = nil
	h.logger.Printf("Received reply to %s: %s", p.opType, e)
	p.result <- operationResult{reply: e}
}
