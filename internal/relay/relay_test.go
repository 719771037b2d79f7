package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	apierrors "github.com/zhengjr9/logprob-relay/internal/errors"
	"github.com/zhengjr9/logprob-relay/internal/logprob"
	"github.com/zhengjr9/logprob-relay/internal/params"
	"github.com/zhengjr9/logprob-relay/internal/protocol"
	"github.com/zhengjr9/logprob-relay/internal/upstream"
)

// --- fakes ---

type fakeStream struct {
	frags   []upstream.Fragment
	end     error
	summary *upstream.Summary
	block   bool

	mu     sync.Mutex
	pos    int
	closed bool
	ctx    context.Context
}

func (s *fakeStream) Next() (upstream.Fragment, error) {
	s.mu.Lock()
	if s.pos < len(s.frags) {
		f := s.frags[s.pos]
		s.pos++
		s.mu.Unlock()
		return f, nil
	}
	s.mu.Unlock()
	if s.block {
		<-s.ctx.Done()
		return upstream.Fragment{}, s.ctx.Err()
	}
	if s.end != nil {
		return upstream.Fragment{}, s.end
	}
	return upstream.Fragment{}, io.EOF
}

func (s *fakeStream) Summary() (*upstream.Summary, error) {
	if s.summary == nil {
		return nil, upstream.ErrNoSummary
	}
	return s.summary, nil
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeProvider struct {
	ready      error
	stream     *fakeStream
	openErr    error
	completion *upstream.Completion
	complErr   error

	calls   int
	lastReq upstream.Request
}

func (p *fakeProvider) Ready() error { return p.ready }

func (p *fakeProvider) Complete(ctx context.Context, req upstream.Request) (*upstream.Completion, error) {
	p.calls++
	p.lastReq = req
	return p.completion, p.complErr
}

func (p *fakeProvider) Stream(ctx context.Context, req upstream.Request) (upstream.Stream, error) {
	p.calls++
	p.lastReq = req
	if p.openErr != nil {
		return nil, p.openErr
	}
	p.stream.ctx = ctx
	return p.stream, nil
}

type recordingSink struct {
	events    []protocol.Event
	failAfter int
}

func (s *recordingSink) Send(ev protocol.Event) error {
	if s.failAfter > 0 && len(s.events) >= s.failAfter {
		return protocol.ErrAborted
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) dones() []protocol.DoneEvent {
	var out []protocol.DoneEvent
	for _, ev := range s.events {
		if d, ok := ev.(protocol.DoneEvent); ok {
			out = append(out, d)
		}
	}
	return out
}

func strp(s string) *string { return &s }
func f64p(f float64) *float64 { return &f }
func intp(i int) *int { return &i }

func tokenFrag(tok string, lp float64) upstream.Fragment {
	return upstream.TokenFragment(upstream.RawToken{Token: strp(tok), Logprob: f64p(lp)})
}

func sayHi(maxTokens int) *params.CompleteRequest {
	return &params.CompleteRequest{
		Messages:  []params.ChatMessage{{Role: params.RoleUser, Content: "Say hi"}},
		Model:     "m1",
		MaxTokens: intp(maxTokens),
	}
}

func mustPrepare(t *testing.T, r *Relay, req *params.CompleteRequest) *Plan {
	t.Helper()
	plan, err := r.Prepare(req)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	return plan
}

// --- Prepare ---

func TestPrepare_Boundaries(t *testing.T) {
	p := &fakeProvider{}
	r := New(p)

	req := sayHi(256)
	req.TopLogprobs = intp(10)
	if _, err := r.Prepare(req); err != nil {
		t.Fatalf("maxima must be accepted: %v", err)
	}

	for _, req := range []*params.CompleteRequest{sayHi(257), func() *params.CompleteRequest {
		r := sayHi(5)
		r.TopLogprobs = intp(11)
		return r
	}()} {
		_, err := r.Prepare(req)
		var verr *apierrors.ValidationError
		if !errors.As(err, &verr) || !errors.Is(err, apierrors.ErrInvalidRequest) {
			t.Errorf("expected validation error, got %v", err)
		}
	}
	if p.calls != 0 {
		t.Errorf("validation must not call upstream, got %d calls", p.calls)
	}
}

func TestPrepare_MissingCredential(t *testing.T) {
	r := New(&fakeProvider{ready: apierrors.ErrMissingCredential})
	if _, err := r.Prepare(sayHi(5)); !errors.Is(err, apierrors.ErrMissingCredential) {
		t.Fatalf("expected ErrMissingCredential, got %v", err)
	}
}

func TestPrepare_ForcePrefix(t *testing.T) {
	r := New(&fakeProvider{})

	req := sayHi(5)
	req.ForcePrefix = "Well,"
	plan := mustPrepare(t, r, req)
	msgs := plan.Request.Messages
	if len(msgs) != 2 || msgs[1].Role != params.RoleAssistant || msgs[1].Content != "Well," {
		t.Errorf("expected synthetic assistant message, got %+v", msgs)
	}
	if plan.ForcePrefixEcho != "Well," {
		t.Errorf("expected echo, got %q", plan.ForcePrefixEcho)
	}
	if len(req.Messages) != 1 {
		t.Error("request messages must not be mutated")
	}

	req.ContinuationMode = params.ModeHint
	plan = mustPrepare(t, r, req)
	if len(plan.Request.Messages) != 1 || plan.ForcePrefixEcho != "" {
		t.Errorf("hint mode must leave messages untouched, got %+v", plan)
	}
}

// --- Stream ---

func TestStream_StructuredSummary(t *testing.T) {
	stream := &fakeStream{
		frags: []upstream.Fragment{
			upstream.TextFragment("Hi"),
			tokenFrag("Hi", -0.1),
			upstream.TextFragment(" there"),
			tokenFrag(" there", -0.3),
		},
		summary: &upstream.Summary{
			Text: "Hi there", FinishReason: "length", Model: "m1-2024",
			Usage: &logprob.Usage{PromptTokens: 4, CompletionTokens: 2, TotalTokens: 6},
		},
	}
	r := New(&fakeProvider{stream: stream})
	sink := &recordingSink{}

	state := r.Stream(context.Background(), mustPrepare(t, r, sayHi(5)), sink)
	if state != StateClosed {
		t.Fatalf("expected closed, got %s", state)
	}
	if !stream.isClosed() {
		t.Error("upstream stream not released")
	}

	if len(sink.events) != 5 {
		t.Fatalf("expected 5 events, got %d", len(sink.events))
	}
	done, ok := sink.events[4].(protocol.DoneEvent)
	if !ok || done.Completion == nil {
		t.Fatalf("last event must be done with completion, got %+v", sink.events[4])
	}
	c := done.Completion
	if c.FinishReason != "length" || c.Model != "m1-2024" || c.Usage.PromptTokens != 4 {
		t.Errorf("summary fields not used: %+v", c)
	}
	if len(c.Tokens) != 2 || c.Tokens[1].Index != 1 {
		t.Errorf("unexpected tokens %+v", c.Tokens)
	}
}

func TestStream_ScenarioC_NoSummary(t *testing.T) {
	stream := &fakeStream{frags: []upstream.Fragment{
		upstream.TextFragment("Hi"),
		upstream.TextFragment(" there"),
	}}
	r := New(&fakeProvider{stream: stream})
	sink := &recordingSink{}

	if state := r.Stream(context.Background(), mustPrepare(t, r, sayHi(5)), sink); state != StateClosed {
		t.Fatalf("expected closed, got %s", state)
	}
	if len(sink.events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(sink.events))
	}
	if d := sink.events[0].(protocol.DeltaEvent); d.Delta != "Hi" {
		t.Errorf("unexpected first delta %q", d.Delta)
	}
	if d := sink.events[1].(protocol.DeltaEvent); d.Delta != " there" {
		t.Errorf("unexpected second delta %q", d.Delta)
	}
	c := sink.events[2].(protocol.DoneEvent).Completion
	if c == nil {
		t.Fatal("expected completion")
	}
	if c.Text != "Hi there" || len(c.Tokens) != 0 || c.FinishReason != "stop" {
		t.Errorf("unexpected completion %+v", c)
	}
	if c.Usage != (logprob.Usage{}) {
		t.Errorf("expected zero usage, got %+v", c.Usage)
	}
	if c.Model != "m1" {
		t.Errorf("expected requested model, got %q", c.Model)
	}
}

func TestStream_ScenarioD_ClientAbort(t *testing.T) {
	stream := &fakeStream{
		frags: []upstream.Fragment{
			upstream.TextFragment("Hi"),
			upstream.TextFragment(" there"),
			upstream.TextFragment("!"),
		},
		summary: &upstream.Summary{Text: "Hi there!", FinishReason: "stop"},
	}
	p := &fakeProvider{stream: stream}
	r := New(p)
	sink := &recordingSink{failAfter: 1}

	state := r.Stream(context.Background(), mustPrepare(t, r, sayHi(5)), sink)
	if state != StateAborted {
		t.Fatalf("expected aborted, got %s", state)
	}
	if len(sink.events) != 1 || len(sink.dones()) != 0 {
		t.Errorf("expected one delta and no done, got %+v", sink.events)
	}
	if !stream.isClosed() {
		t.Error("upstream stream not released after abort")
	}
}

func TestStream_ContextCancelled(t *testing.T) {
	stream := &fakeStream{frags: []upstream.Fragment{upstream.TextFragment("Hi")}, block: true}
	r := New(&fakeProvider{stream: stream})
	sink := &recordingSink{}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	if state := r.Stream(ctx, mustPrepare(t, r, sayHi(5)), sink); state != StateAborted {
		t.Fatalf("expected aborted, got %s", state)
	}
	if len(sink.dones()) != 0 {
		t.Error("no done event after cancellation")
	}
}

func TestStream_UpstreamErrorMidStream(t *testing.T) {
	stream := &fakeStream{
		frags: []upstream.Fragment{upstream.TextFragment("Hi")},
		end:   errors.New("upstream returned an error: connection reset"),
	}
	r := New(&fakeProvider{stream: stream})
	sink := &recordingSink{}

	if state := r.Stream(context.Background(), mustPrepare(t, r, sayHi(5)), sink); state != StateClosed {
		t.Fatalf("expected closed, got %s", state)
	}
	dones := sink.dones()
	if len(dones) != 1 || dones[0].Error == "" || dones[0].Completion != nil {
		t.Fatalf("expected one done with error, got %+v", dones)
	}
	if _, ok := sink.events[len(sink.events)-1].(protocol.DoneEvent); !ok {
		t.Error("done must be last")
	}
}

func TestStream_PositiveLogprobStillEndsWithDone(t *testing.T) {
	stream := &fakeStream{
		frags: []upstream.Fragment{upstream.TextFragment("Hi"), tokenFrag("Hi", 800)},
	}
	r := New(&fakeProvider{stream: stream})
	var buf bytes.Buffer
	w := protocol.NewWriter(&buf, nil)

	if state := r.Stream(context.Background(), mustPrepare(t, r, sayHi(5)), w); state != StateClosed {
		t.Fatalf("expected closed, got %s", state)
	}
	if !w.Closed() || w.Aborted() {
		t.Fatalf("expected done written, closed=%v aborted=%v", w.Closed(), w.Aborted())
	}

	dec := protocol.NewDecoder(&buf)
	var last protocol.Event
	for {
		ev, err := dec.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		last = ev
	}
	done, ok := last.(protocol.DoneEvent)
	if !ok || done.Completion == nil {
		t.Fatalf("expected done with completion, got %+v", last)
	}
	tok := done.Completion.Tokens[0]
	if tok.Logprob != 0 || tok.Prob != 1 {
		t.Errorf("expected clamped token, got logprob=%v prob=%v", tok.Logprob, tok.Prob)
	}
}

// encodeFailingSink rejects logprobs events the way protocol.Writer does
// for values JSON cannot represent.
type encodeFailingSink struct{ recordingSink }

func (s *encodeFailingSink) Send(ev protocol.Event) error {
	if ev.EventType() == protocol.TypeLogprobs {
		return fmt.Errorf("%w: json: unsupported value", protocol.ErrEncode)
	}
	return s.recordingSink.Send(ev)
}

func TestStream_EncodeFailureEndsWithDoneError(t *testing.T) {
	stream := &fakeStream{
		frags: []upstream.Fragment{upstream.TextFragment("Hi"), tokenFrag("Hi", -0.1)},
	}
	r := New(&fakeProvider{stream: stream})
	sink := &encodeFailingSink{}

	if state := r.Stream(context.Background(), mustPrepare(t, r, sayHi(5)), sink); state != StateClosed {
		t.Fatalf("expected closed, got %s", state)
	}
	dones := sink.dones()
	if len(dones) != 1 || dones[0].Error == "" {
		t.Fatalf("expected one done with error, got %+v", sink.events)
	}
	if !stream.isClosed() {
		t.Error("upstream stream should be closed")
	}
}

func TestStream_OpenFailure(t *testing.T) {
	r := New(&fakeProvider{openErr: apierrors.ErrUpstreamTimeout})
	sink := &recordingSink{}

	if state := r.Stream(context.Background(), mustPrepare(t, r, sayHi(5)), sink); state != StateClosed {
		t.Fatalf("expected closed, got %s", state)
	}
	if len(sink.events) != 1 || sink.dones()[0].Error != "upstream timeout" {
		t.Errorf("unexpected events %+v", sink.events)
	}
}

func TestStream_ContiguousIndicesAndDeltaConcat(t *testing.T) {
	var frags []upstream.Fragment
	want := []string{"The", " quick", " brown", " fox", "."}
	for i, w := range want {
		frags = append(frags, upstream.TextFragment(w), tokenFrag(w, -float64(i)/2))
	}
	frags = append(frags, upstream.TokenFragment(upstream.RawToken{}))
	r := New(&fakeProvider{stream: &fakeStream{frags: frags}})
	sink := &recordingSink{}
	r.Stream(context.Background(), mustPrepare(t, r, sayHi(5)), sink)

	var text strings.Builder
	next := 0
	for _, ev := range sink.events {
		switch e := ev.(type) {
		case protocol.DeltaEvent:
			text.WriteString(e.Delta)
		case protocol.LogprobsEvent:
			if e.Delta.Index != next {
				t.Fatalf("expected index %d, got %d", next, e.Delta.Index)
			}
			next++
		}
	}
	c := sink.dones()[0].Completion
	if text.String() != c.Text {
		t.Errorf("delta concat %q != completion text %q", text.String(), c.Text)
	}
	last := c.Tokens[len(c.Tokens)-1]
	if last.Token != "" || !last.Logprob.IsUnknown() || last.Prob != 0 {
		t.Errorf("missing fields not normalized: %+v", last)
	}
}

func TestStream_Latency(t *testing.T) {
	base := time.Unix(0, 0)
	calls := 0
	clock := func() time.Time {
		calls++
		return base.Add(time.Duration(calls-1) * 250 * time.Millisecond)
	}
	r := New(&fakeProvider{stream: &fakeStream{}}, WithClock(clock))
	sink := &recordingSink{}
	r.Stream(context.Background(), mustPrepare(t, r, sayHi(5)), sink)

	if got := sink.dones()[0].Completion.Latency; got != 250 {
		t.Errorf("expected latency 250ms, got %d", got)
	}
}

type panickingSink struct{ recordingSink }

func (s *panickingSink) Send(ev protocol.Event) error {
	if _, ok := ev.(protocol.DeltaEvent); ok {
		panic("render failure")
	}
	return s.recordingSink.Send(ev)
}

func TestStream_PanicStillSendsDone(t *testing.T) {
	stream := &fakeStream{frags: []upstream.Fragment{upstream.TextFragment("Hi")}}
	r := New(&fakeProvider{stream: stream})
	sink := &panickingSink{}

	if state := r.Stream(context.Background(), mustPrepare(t, r, sayHi(5)), sink); state != StateClosed {
		t.Fatalf("expected closed, got %s", state)
	}
	dones := sink.dones()
	if len(dones) != 1 || !strings.Contains(dones[0].Error, "render failure") {
		t.Errorf("expected done with panic message, got %+v", dones)
	}
	if !stream.isClosed() {
		t.Error("upstream stream not released after panic")
	}
}

// --- Complete ---

func TestComplete_ScenarioA(t *testing.T) {
	p := &fakeProvider{completion: &upstream.Completion{
		Text:         "Hi there",
		FinishReason: "stop",
		Tokens: []upstream.RawToken{
			{Token: strp("Hi"), Logprob: f64p(-0.1)},
			{Token: strp(" there"), Logprob: f64p(-0.3)},
		},
	}}
	r := New(p)

	c, err := r.Complete(context.Background(), mustPrepare(t, r, sayHi(5)))
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if c.Text != "Hi there" || c.FinishReason != "stop" || len(c.Tokens) != 2 {
		t.Fatalf("unexpected completion %+v", c)
	}
	if c.Tokens[0].Index != 0 || c.Tokens[1].Index != 1 {
		t.Errorf("unexpected indices %+v", c.Tokens)
	}
	if math.Abs(c.Tokens[0].Prob-0.9048) > 1e-4 || math.Abs(c.Tokens[1].Prob-0.7408) > 1e-4 {
		t.Errorf("unexpected probs %v %v", c.Tokens[0].Prob, c.Tokens[1].Prob)
	}
	if p.lastReq.Params.MaxTokens != 5 {
		t.Errorf("expected max_tokens 5 upstream, got %d", p.lastReq.Params.MaxTokens)
	}
}

func TestComplete_PositiveLogprobClamped(t *testing.T) {
	p := &fakeProvider{completion: &upstream.Completion{
		Text:         "Hi",
		FinishReason: "stop",
		Tokens: []upstream.RawToken{{
			Token:       strp("Hi"),
			Logprob:     f64p(800),
			TopLogprobs: []upstream.RawAlt{{Token: strp("Yo"), Logprob: f64p(math.NaN())}},
		}},
	}}
	r := New(p)

	c, err := r.Complete(context.Background(), mustPrepare(t, r, sayHi(5)))
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	tok := c.Tokens[0]
	if tok.Logprob != 0 || tok.Prob != 1 {
		t.Errorf("expected clamped token, got logprob=%v prob=%v", tok.Logprob, tok.Prob)
	}
	if !tok.TopLogprobs[0].Logprob.IsUnknown() || tok.TopLogprobs[0].Prob != 0 {
		t.Errorf("expected unknown alternative, got %+v", tok.TopLogprobs[0])
	}
	if _, err := json.Marshal(c); err != nil {
		t.Errorf("completion must encode: %v", err)
	}
}

func TestComplete_ScenarioB_NoLogprobs(t *testing.T) {
	r := New(&fakeProvider{completion: &upstream.Completion{Text: "Hi there", FinishReason: "stop"}})
	_, err := r.Complete(context.Background(), mustPrepare(t, r, sayHi(5)))
	if !errors.Is(err, apierrors.ErrNoLogprobs) {
		t.Fatalf("expected ErrNoLogprobs, got %v", err)
	}
}

func TestComplete_Defaults(t *testing.T) {
	r := New(&fakeProvider{completion: &upstream.Completion{
		Tokens: []upstream.RawToken{{Token: strp("x"), Logprob: f64p(0)}},
	}})
	c, err := r.Complete(context.Background(), mustPrepare(t, r, sayHi(5)))
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if c.FinishReason != "unknown" || c.Model != "m1" || c.Usage != (logprob.Usage{}) {
		t.Errorf("unexpected defaults %+v", c)
	}
}

func TestComplete_UpstreamError(t *testing.T) {
	r := New(&fakeProvider{complErr: apierrors.ErrUpstream})
	_, err := r.Complete(context.Background(), mustPrepare(t, r, sayHi(5)))
	if apierrors.StatusCode(err) != 502 {
		t.Fatalf("expected 502 mapping, got %v", err)
	}
}
