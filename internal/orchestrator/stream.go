package orchestrator

import (
	"context"
	"errors"
	"html"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"

	"github.com/parley0/parley/internal/model"
)

const (
	// Inactivity watchdog thresholds. Soft logs a warning, hard aborts
	// the attempt as stalled. Both measure time since the last chunk.
	softStallTimeout = 10 * time.Second
	hardStallTimeout = 30 * time.Second

	// flushThreshold bounds sink update frequency: buffered text is
	// flushed once it exceeds this size or contains a newline.
	flushThreshold = 64

	// maxFollowupAttempts bounds the follow-up retry loop.
	maxFollowupAttempts = 3

	// minCompleteLen is the heuristic completeness floor: an attempt
	// without a terminal signal counts as complete only when its text is
	// at least this long and ends in sentence punctuation.
	minCompleteLen = 40

	// continuingCoverage is the fraction of a partial buffer that must
	// survive sentence truncation for the result to be flagged as a
	// continuation rather than used silently.
	continuingCoverage = 0.70

	// continuingMarker is sent before flushing a partial best buffer.
	continuingMarker = "…\n"
)

// errCanceled unwinds the turn after the sink signals stop.
var errCanceled = errors.New("canceled by caller")

// emitter forwards chunks to the sink, escaping text and latching the
// stop signal.
type emitter struct {
	sink    Sink
	stopped bool
}

func (e *emitter) send(chunk string) bool {
	if e.stopped {
		return false
	}
	if !e.sink(chunk) {
		e.stopped = true
	}
	return !e.stopped
}

func (e *emitter) sendText(text string) bool {
	return e.send(html.EscapeString(text))
}

// attemptOutcome is the result of one streaming attempt. A stalled or
// truncated attempt carries its partial text for best-buffer selection.
type attemptOutcome struct {
	text      string
	complete  bool
	toolCalls []*ai.ToolRequest
	err       error
}

// runAttempt consumes one streaming backend call. Text is appended to an
// attempt buffer and flushed through em in windows; *emitted tracks how
// many buffer bytes have already been delivered across attempts, so a
// retry never re-emits the prefix a previous attempt covered. Tool-call
// events are collected, never executed here.
func (o *Orchestrator) runAttempt(ctx context.Context, req *model.Request, em *emitter, emitted *int) attemptOutcome {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch, err := o.model.Stream(ctx, req)
	if err != nil {
		return attemptOutcome{err: err}
	}

	soft := time.NewTimer(softStallTimeout)
	hard := time.NewTimer(hardStallTimeout)
	defer soft.Stop()
	defer hard.Stop()

	var (
		buf   strings.Builder
		out   attemptOutcome
		flush = func(force bool) bool {
			pending := buf.String()[min(*emitted, buf.Len()):]
			if pending == "" {
				return true
			}
			if !force && len(pending) < flushThreshold && !strings.Contains(pending, "\n") {
				return true
			}
			if !em.sendText(pending) {
				return false
			}
			*emitted = buf.Len()
			return true
		}
	)

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				// Closed without a terminal signal: incomplete.
				out.text = buf.String()
				return out
			}
			resetTimer(soft, softStallTimeout)
			resetTimer(hard, hardStallTimeout)

			switch ev.Kind {
			case model.EventText:
				buf.WriteString(ev.Text)
				if !flush(false) {
					out.err = errCanceled
					return out
				}
			case model.EventToolRequest:
				out.toolCalls = append(out.toolCalls, ev.ToolRequest)
			case model.EventDone:
				if ev.Response != nil {
					if len(ev.Response.Text) > buf.Len() {
						buf.Reset()
						buf.WriteString(ev.Response.Text)
					}
					if len(ev.Response.ToolRequests) > 0 {
						out.toolCalls = ev.Response.ToolRequests
					}
				}
				if !flush(true) {
					out.err = errCanceled
					return out
				}
				out.text = buf.String()
				out.complete = true
				return out
			case model.EventError:
				out.text = buf.String()
				out.err = ev.Err
				return out
			}

		case <-soft.C:
			o.logger.Warn("stream inactive past soft threshold", "buffered", buf.Len())

		case <-hard.C:
			o.logger.Warn("stream stalled, aborting attempt", "buffered", buf.Len())
			out.text = buf.String()
			out.err = ErrStalled
			return out

		case <-ctx.Done():
			out.text = buf.String()
			out.err = ctx.Err()
			return out
		}
	}
}

// initialStream runs the single initial attempt. A stall here is a turn
// error; only follow-up streams retry.
func (o *Orchestrator) initialStream(ctx context.Context, req *model.Request, em *emitter) (attemptOutcome, error) {
	emitted := 0
	out := o.runAttempt(ctx, req, em, &emitted)
	if out.err != nil {
		return out, out.err
	}
	return out, nil
}

// followupStream runs the bounded retry loop. An attempt that stalls or
// closes incomplete is retried with the best buffer carried forward; any
// other backend error aborts the loop. When no attempt is clean the best
// partial buffer is truncated to a sentence boundary and, if most of it
// survived, prefixed with a continuing marker.
func (o *Orchestrator) followupStream(ctx context.Context, req *model.Request, em *emitter) (attemptOutcome, error) {
	emitted := 0
	var outcomes []attemptOutcome

	for attempt := 1; attempt <= maxFollowupAttempts; attempt++ {
		out := o.runAttempt(ctx, req, em, &emitted)
		switch {
		case errors.Is(out.err, errCanceled):
			return out, errCanceled
		case out.err == nil && (out.complete || endsComplete(out.text)):
			out.complete = true
			if emitted < len(out.text) {
				if !em.sendText(out.text[emitted:]) {
					return out, errCanceled
				}
			}
			return out, nil
		case out.err != nil && !errors.Is(out.err, ErrStalled):
			return out, out.err
		}

		o.logger.Warn("follow-up attempt incomplete, retrying",
			"attempt", attempt, "chars", len(out.text), "stalled", errors.Is(out.err, ErrStalled))
		outcomes = append(outcomes, out)
	}

	best, clean := selectBest(outcomes)
	if clean {
		return best, nil
	}
	if best.text == "" {
		return best, turnError(KindStreamStalled, ErrStalled)
	}

	raw := best.text
	best.text = truncateToSentence(raw)
	if best.text == "" {
		best.text = raw
	}
	if float64(len(best.text)) >= continuingCoverage*float64(len(raw)) {
		if !em.send(continuingMarker) {
			return best, errCanceled
		}
	}
	if emitted < len(best.text) {
		if !em.sendText(best.text[emitted:]) {
			return best, errCanceled
		}
	}
	return best, nil
}

// selectBest picks the longest complete attempt, falling back to the
// longest partial. clean reports whether the chosen attempt is complete
// as-is.
func selectBest(outcomes []attemptOutcome) (attemptOutcome, bool) {
	var best attemptOutcome
	bestComplete := false
	for _, out := range outcomes {
		complete := out.complete || endsComplete(out.text)
		switch {
		case complete && !bestComplete:
			best, bestComplete = out, true
		case complete == bestComplete && len(out.text) > len(best.text):
			best = out
		}
	}
	return best, bestComplete
}

// endsComplete is the heuristic completeness check for attempts that
// never saw a terminal signal.
func endsComplete(text string) bool {
	trimmed := strings.TrimSpace(text)
	return len(trimmed) >= minCompleteLen && endsWithTerminal(trimmed)
}

func endsWithTerminal(s string) bool {
	s = strings.TrimRight(s, `"')]*`+"`")
	if s == "" {
		return false
	}
	switch s[len(s)-1] {
	case '.', '!', '?':
		return true
	}
	return strings.HasSuffix(s, "…")
}

// truncateToSentence cuts text back to its last complete sentence so a
// mid-sentence fragment is never presented as final.
func truncateToSentence(text string) string {
	for i := len(text) - 1; i >= 0; i-- {
		switch text[i] {
		case '.', '!', '?':
			return text[:i+1]
		}
	}
	return ""
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
