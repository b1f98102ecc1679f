package usecase

import (
	"context"
	"errors"
	"io"
	"strings"
	"unicode/utf8"

	"dingtalk-dify-relay/internal/domain"
)

// DefaultUpdateThreshold is the character-count delta between partial card
// updates. It bounds downstream push calls to roughly len(answer)/20
// regardless of how finely the upstream chunks the answer.
const DefaultUpdateThreshold = 20

const (
	// emptyAnswerReply is shown when the upstream stream ends without
	// producing a single answer fragment.
	emptyAnswerReply = "Sorry, no answer could be generated. Please try again later."
	// streamErrorReply is shown when consuming the upstream stream fails.
	streamErrorReply = "Sorry, something went wrong while processing your message. Please try again."
)

// ErrEmptyAnswer marks a turn whose upstream stream produced no answer
// fragments. The fallback reply has already been pushed; the caller drives
// the renderer to Failed rather than Finalized.
var ErrEmptyAnswer = errors.New("usecase: upstream produced no answer")

// EventSource yields upstream stream events in arrival order and returns
// io.EOF at end of stream.
type EventSource interface {
	Recv() (domain.StreamEvent, error)
	Close() error
}

// Updater receives throttled partial-content snapshots. Implementations own
// their failure recovery; the aggregator does not retry pushes.
type Updater interface {
	Push(ctx context.Context, content string) error
}

// Aggregator accumulates answer fragments and emits throttled updates under
// a length-delta policy.
type Aggregator struct {
	threshold int
}

func NewAggregator(threshold int) *Aggregator {
	if threshold <= 0 {
		threshold = DefaultUpdateThreshold
	}
	return &Aggregator{threshold: threshold}
}

// Run consumes events strictly in arrival order, appending every answer
// fragment to the accumulator. Whenever the accumulator has grown past the
// threshold since the last emit, the full accumulated text is pushed
// (replace semantics). At end of stream a non-empty accumulator is flushed
// unconditionally and returned.
//
// A read error pushes a fixed user-facing message best-effort and returns an
// UPSTREAM_ERROR wrapping the original cause. An empty stream pushes the
// fixed fallback reply and returns it alongside ErrEmptyAnswer.
func (a *Aggregator) Run(ctx context.Context, events EventSource, updater Updater) (string, error) {
	var accumulated strings.Builder
	// The delta is counted in characters, not bytes, so multi-byte answers
	// are throttled at the same cadence as ASCII ones.
	runeCount := 0
	lastEmitted := 0

	for {
		ev, err := events.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// Best effort; the updater owns its own fallback and logging.
			_ = updater.Push(ctx, streamErrorReply)
			return "", newError(ErrorUpstream, "stream_read_error", err)
		}
		if ev.Answer == nil {
			continue
		}
		accumulated.WriteString(*ev.Answer)
		runeCount += utf8.RuneCountInString(*ev.Answer)
		if runeCount-lastEmitted > a.threshold {
			_ = updater.Push(ctx, accumulated.String())
			lastEmitted = runeCount
		}
	}

	final := accumulated.String()
	if final == "" {
		_ = updater.Push(ctx, emptyAnswerReply)
		return emptyAnswerReply, ErrEmptyAnswer
	}

	// Final flush always carries the complete text, even if the threshold
	// was never crossed.
	_ = updater.Push(ctx, final)
	return final, nil
}
