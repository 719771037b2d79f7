// Package relay runs completions against the upstream provider and turns
// them into CompletionLP results or NDJSON event streams.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	apierrors "github.com/zhengjr9/logprob-relay/internal/errors"
	"github.com/zhengjr9/logprob-relay/internal/httputil"
	"github.com/zhengjr9/logprob-relay/internal/params"
	"github.com/zhengjr9/logprob-relay/internal/protocol"
	"github.com/zhengjr9/logprob-relay/internal/upstream"
)

// Relay is shared by all requests. It holds no per-request state.
type Relay struct {
	provider upstream.Provider
	now      func() time.Time
}

// Option configures a Relay.
type Option func(*Relay)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Relay) { r.now = now }
}

// New returns a Relay that sends requests to provider.
func New(provider upstream.Provider, opts ...Option) *Relay {
	r := &Relay{provider: provider, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Plan is a validated request ready to be sent upstream.
type Plan struct {
	Request         upstream.Request
	ForcePrefixEcho string
	Mode            params.ContinuationMode
}

// Prepare validates req and applies the force-prefix policy. It never calls
// the upstream.
func (r *Relay) Prepare(req *params.CompleteRequest) (*Plan, error) {
	if req == nil {
		return nil, &apierrors.ValidationError{Issues: []string{"request body is required"}}
	}
	if issues := req.Validate(); len(issues) > 0 {
		return nil, &apierrors.ValidationError{Issues: issues}
	}
	if err := r.provider.Ready(); err != nil {
		return nil, err
	}

	msgs, echo := req.OutgoingMessages()
	return &Plan{
		Request: upstream.Request{
			Model:    req.Model,
			Messages: msgs,
			Params:   req.Parameters().Clamp(),
		},
		ForcePrefixEcho: echo,
		Mode:            req.Mode(),
	}, nil
}

// Stream runs plan and writes its events to sink. Unless the client went
// away, exactly one done event is written and it is the last one. The
// returned state is StateClosed or StateAborted.
func (r *Relay) Stream(ctx context.Context, plan *Plan, sink protocol.Sink) (state State) {
	log := slog.With("request_id", httputil.RequestIDFromContext(ctx), "model", plan.Request.Model)
	asm := NewAssembler()
	start := r.now()

	var (
		summary *upstream.Summary
		failure error
	)

	defer func() {
		if p := recover(); p != nil {
			log.Error("relay panic", "state", state.String(), "panic", p)
			if state == StateAborted {
				return
			}
			failure = fmt.Errorf("internal error: %v", p)
		}
		if state == StateAborted {
			log.Info("stream aborted by client", "tokens", len(asm.tokens))
			return
		}
		state = StateFinalizing
		done := r.doneEvent(asm, plan, summary, failure, start)
		err := sink.Send(done)
		if errors.Is(err, protocol.ErrEncode) {
			log.Error("done event not encodable", "error", err)
			err = sink.Send(protocol.NewDoneError(apierrors.Message(err)))
		}
		if err != nil {
			log.Info("client gone before done", "error", err)
			state = StateAborted
			return
		}
		state = StateClosed
	}()

	state = StateOpening
	stream, err := r.provider.Stream(ctx, plan.Request)
	if err != nil {
		if ctx.Err() != nil {
			state = StateAborted
			return state
		}
		log.Warn("upstream open failed", "error", err)
		failure = err
		return state
	}
	defer stream.Close()

	state = StateStreaming
	for {
		if ctx.Err() != nil {
			state = StateAborted
			return state
		}
		frag, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				state = StateAborted
				return state
			}
			log.Warn("upstream stream failed", "error", err, "tokens", len(asm.tokens))
			failure = err
			return state
		}

		var ev protocol.Event
		switch frag.Kind {
		case upstream.FragmentText:
			if frag.Text == "" {
				continue
			}
			ev = asm.OnText(frag.Text)
		case upstream.FragmentToken:
			ev = asm.OnToken(frag.Token)
		default:
			continue
		}
		if err := sink.Send(ev); err != nil {
			if errors.Is(err, protocol.ErrEncode) {
				log.Error("event not encodable", "error", err, "tokens", len(asm.tokens))
				failure = err
				return state
			}
			state = StateAborted
			return state
		}
	}

	if s, err := stream.Summary(); err == nil {
		summary = s
	} else if !errors.Is(err, upstream.ErrNoSummary) {
		log.Warn("upstream summary unavailable", "error", err)
	}
	return state
}

// doneEvent builds the terminal event. A panic while finalizing becomes an
// error event.
func (r *Relay) doneEvent(asm *Assembler, plan *Plan, summary *upstream.Summary, failure error, start time.Time) (ev protocol.Event) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error("finalize panic", "panic", p)
			ev = protocol.NewDoneError(fmt.Sprintf("finalization failed: %v", p))
		}
	}()

	if failure != nil {
		return protocol.NewDoneError(apierrors.Message(failure))
	}
	c := asm.Finalize(summary)
	if c.Model == "" {
		c.Model = plan.Request.Model
	}
	c.Latency = r.now().Sub(start).Milliseconds()
	c.ForcePrefixEcho = plan.ForcePrefixEcho

	slog.Debug("stream finalized",
		"strategy", string(SelectStrategy(summary)),
		"tokens", len(c.Tokens),
		"finish_reason", c.FinishReason,
		"latency_ms", c.Latency,
	)
	return protocol.NewDone(c)
}
