package orchestrator

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/firebase/genkit/go/ai"

	"github.com/parley0/parley/internal/model"
)

var errUnauthorized = errors.New("backend returned 401 unauthorized")

func toolRequests(names ...string) []*ai.ToolRequest {
	out := make([]*ai.ToolRequest, len(names))
	for i, name := range names {
		out[i] = &ai.ToolRequest{Ref: name, Name: name, Input: map[string]any{}}
	}
	return out
}

// Attempt texts for the selection scenario: 10, 45, and 30 characters,
// where only the 45-char one ends in sentence punctuation.
func selectionAttempts() (short, full, mid string) {
	return strings.Repeat("a", 10),
		strings.Repeat("b", 44) + ".",
		strings.Repeat("c", 30)
}

// Selection must pick the 45-char attempt as complete purely via the
// heuristic (no terminal signal on any attempt) and report it clean.
func TestSelectBest_PrefersCompleteAttempt(t *testing.T) {
	short, full, mid := selectionAttempts()
	outcomes := []attemptOutcome{{text: short}, {text: full}, {text: mid}}

	best, clean := selectBest(outcomes)
	if !clean {
		t.Fatal("selection of a heuristically complete attempt must be clean")
	}
	if best.text != full {
		t.Errorf("selected %q, want the 45-char complete attempt", best.text)
	}
}

// The 10/45/30 scenario through the retry loop itself: the 45-char
// attempt is accepted as-is and no continuing marker is emitted.
func TestFollowupStream_CompleteAttemptUsedWithoutMarker(t *testing.T) {
	f := newFixture(t)
	short, full, _ := selectionAttempts()

	// Neither attempt carries a terminal signal; the stream just closes.
	f.scripts.QueueStream(model.Event{Kind: model.EventText, Text: short})
	f.scripts.QueueStream(model.Event{Kind: model.EventText, Text: full})

	s := &chunkSink{}
	out, err := f.orch.followupStream(context.Background(), &model.Request{}, &emitter{sink: s.sink})
	if err != nil {
		t.Fatalf("followupStream(): %v", err)
	}
	if !out.complete || out.text != full {
		t.Errorf("outcome = {complete: %v, text: %q}, want the 45-char attempt as-is", out.complete, out.text)
	}
	if strings.Contains(s.all(), continuingMarker) {
		t.Errorf("continuing marker emitted for a complete attempt: %q", s.all())
	}
	if !strings.Contains(s.all(), full) {
		t.Errorf("sink missing selected text: %q", s.all())
	}
}

func TestSelectBest_FallsBackToLongestPartial(t *testing.T) {
	outcomes := []attemptOutcome{
		{text: "short"},
		{text: "a somewhat longer partial answer without a stop mark"},
		{text: "mid length partial"},
	}

	best, clean := selectBest(outcomes)
	if clean {
		t.Fatal("no attempt is complete, selection cannot be clean")
	}
	if best.text != outcomes[1].text {
		t.Errorf("selected %q, want longest partial", best.text)
	}
}

func TestEndsComplete(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"", false},
		{"Short.", false},
		{strings.Repeat("word ", 20) + "and this sentence ends properly.", true},
		{strings.Repeat("word ", 20) + "but this one trails off without", false},
		{strings.Repeat("word ", 20) + `it ends in a quote."`, true},
	}
	for _, tt := range tests {
		if got := endsComplete(tt.text); got != tt.want {
			t.Errorf("endsComplete(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestTruncateToSentence(t *testing.T) {
	got := truncateToSentence("One full sentence here. And then a partial trail")
	if got != "One full sentence here." {
		t.Errorf("truncateToSentence = %q", got)
	}
	if got := truncateToSentence("no stop marks anywhere"); got != "" {
		t.Errorf("fragment without boundary = %q, want empty", got)
	}
}

func TestFollowupStream_RetriesIncompleteAttempt(t *testing.T) {
	f := newFixture(t)

	// First attempt closes without a terminal signal; second succeeds.
	f.scripts.QueueStream(
		model.Event{Kind: model.EventText, Text: "partial answ"},
	)
	answer := "Here is the full explanation of the tool results, complete and tidy."
	f.scripts.QueueStream(
		model.Event{Kind: model.EventText, Text: answer},
		model.Event{Kind: model.EventDone, Response: &model.Response{Text: answer}},
	)

	s := &chunkSink{}
	out, err := f.orch.followupStream(context.Background(), &model.Request{}, &emitter{sink: s.sink})
	if err != nil {
		t.Fatalf("followupStream(): %v", err)
	}
	if !out.complete || out.text != answer {
		t.Errorf("outcome = {complete: %v, text: %q}", out.complete, out.text)
	}
	if f.scripts.CallCount("stream") != 2 {
		t.Errorf("stream attempts = %d, want 2", f.scripts.CallCount("stream"))
	}
	if !strings.Contains(s.all(), "complete and tidy") {
		t.Errorf("sink missing final text: %q", s.all())
	}
}

func TestFollowupStream_AllPartialTruncatesToSentence(t *testing.T) {
	f := newFixture(t)

	// Short enough to stay inside the flush window, so nothing reaches
	// the sink until the final selection.
	partial := "One full sentence here. And then a partial trail"
	for i := 0; i < maxFollowupAttempts; i++ {
		f.scripts.QueueStream(
			model.Event{Kind: model.EventText, Text: partial},
		)
	}

	s := &chunkSink{}
	out, err := f.orch.followupStream(context.Background(), &model.Request{}, &emitter{sink: s.sink})
	if err != nil {
		t.Fatalf("followupStream(): %v", err)
	}
	if !strings.HasSuffix(out.text, "sentence here.") {
		t.Errorf("text = %q, want sentence-boundary truncation", out.text)
	}
	if strings.Contains(s.all(), "partial trail") {
		t.Error("mid-sentence fragment leaked to the sink")
	}
}

func TestFollowupStream_BackendErrorNotRetried(t *testing.T) {
	f := newFixture(t)
	f.scripts.QueueStream(
		model.Event{Kind: model.EventError, Err: errUnauthorized},
	)

	s := &chunkSink{}
	_, err := f.orch.followupStream(context.Background(), &model.Request{}, &emitter{sink: s.sink})
	if err == nil {
		t.Fatal("backend error must abort the retry loop")
	}
	if f.scripts.CallCount("stream") != 1 {
		t.Errorf("stream attempts = %d, backend errors must not be retried", f.scripts.CallCount("stream"))
	}
	if Classify(err) != KindBackendAuth {
		t.Errorf("Classify(%v) = %v, want backend_auth", err, Classify(err))
	}
}

func TestRunAttempt_CollectsToolCallsWithoutExecuting(t *testing.T) {
	f := newFixture(t)
	f.scripts.QueueStream(
		model.Event{Kind: model.EventText, Text: "Looking it up now."},
		model.Event{Kind: model.EventDone, Response: &model.Response{
			Text:         "Looking it up now.",
			ToolRequests: toolRequests("web_search", "news_search"),
		}},
	)

	emitted := 0
	s := &chunkSink{}
	out := f.orch.runAttempt(context.Background(), &model.Request{}, &emitter{sink: s.sink}, &emitted)
	if out.err != nil {
		t.Fatalf("runAttempt(): %v", out.err)
	}
	if len(out.toolCalls) != 2 {
		t.Fatalf("collected %d tool calls, want 2", len(out.toolCalls))
	}
	if f.backend.callCount() != 0 {
		t.Error("runAttempt must collect, never execute")
	}
}
