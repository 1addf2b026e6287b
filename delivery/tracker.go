// Package delivery turns the engine's "wait for delivery" and "wait for
// round" primitives into single typed results.
//
// The engine posts exactly one callback per tracked send, bounded by an
// engine-enforced timeout. The tracker classifies it into one of three
// terminal outcomes and never retries: a timeout is a user-visible result,
// not a transient fault.
package delivery

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/mixsession/bridge"
	"github.com/opd-ai/mixsession/engine"
	"github.com/opd-ai/mixsession/metrics"
	"github.com/sirupsen/logrus"
)

// Default engine-side wait bounds.
const (
	DefaultDeliveryTimeout = 30 * time.Second
	DefaultRoundTimeout    = 15 * time.Second
)

// Outcome is the terminal state of a tracked send.
type Outcome uint8

const (
	// Failed means the engine gave up before the timeout.
	Failed Outcome = iota
	// TimedOut means the engine's wait bound elapsed.
	TimedOut
	// Delivered means every round carrying the message completed.
	Delivered
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case TimedOut:
		return "timed_out"
	default:
		return "failed"
	}
}

// Classify maps the engine's flags to an Outcome. delivered takes precedence
// over timedOut.
func Classify(delivered, timedOut bool) Outcome {
	switch {
	case delivered:
		return Delivered
	case timedOut:
		return TimedOut
	default:
		return Failed
	}
}

// Report is the single terminal result of a tracked send. Delivered and
// TimedOut are never both true.
type Report struct {
	MessageID       []byte
	Delivered       bool
	TimedOut        bool
	RoundResultsRaw []byte
	Outcome         Outcome
	// Err is set when the engine refused to start waiting.
	Err error
}

func newReport(messageID []byte, delivered, timedOut bool, raw []byte) Report {
	outcome := Classify(delivered, timedOut)
	return Report{
		MessageID:       messageID,
		Delivered:       outcome == Delivered,
		TimedOut:        outcome == TimedOut,
		RoundResultsRaw: raw,
		Outcome:         outcome,
	}
}

// RoundResult is the terminal result of waiting on rounds.
type RoundResult struct {
	RoundID   int64
	Succeeded bool
	TimedOut  bool
	Err       error
}

// Waiter is the subset of engine.Engine the tracker needs.
type Waiter interface {
	WaitForMessageDelivery(sendReport []byte, cb engine.MessageDeliveryCallback, timeoutMS int) error
	WaitForRoundResult(roundList []byte, cb engine.RoundCompletionCallback, timeoutMS int) error
}

// Tracker issues delivery and round waits.
type Tracker struct {
	waiter Waiter
	bridge *bridge.Bridge
	log    logrus.FieldLogger
}

// NewTracker returns a Tracker.
func NewTracker(w Waiter, log logrus.FieldLogger) *Tracker {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Tracker{waiter: w, bridge: bridge.New(log), log: log}
}

// ListenDelivery waits for the message described by report. The returned
// channel yields exactly one Report and is then closed. Duplicate engine
// callbacks are ignored.
func (t *Tracker) ListenDelivery(report engine.SendReport, timeout time.Duration) <-chan Report {
	if timeout <= 0 {
		timeout = DefaultDeliveryTimeout
	}
	out := make(chan Report, 1)
	trackID := uuid.New().String()
	log := t.log.WithFields(logrus.Fields{
		"function":   "ListenDelivery",
		"tracking":   trackID,
		"rounds":     report.RoundList,
		"timeout_ms": timeout.Milliseconds(),
	})

	var once sync.Once
	finish := func(r Report) {
		fired := false
		once.Do(func() {
			fired = true
			metrics.DeliveryOutcomes.WithLabelValues(r.Outcome.String()).Inc()
			log.WithField("outcome", r.Outcome.String()).Info("Delivery tracking finished")
			out <- r
			close(out)
		})
		if !fired {
			log.Warn("Ignoring duplicate delivery callback")
		}
	}

	raw, err := json.Marshal(report)
	if err != nil {
		finish(Report{MessageID: report.MessageID, Outcome: Failed, Err: err})
		return out
	}

	cb := t.bridge.MessageDelivery(func(delivered, timedOut bool, roundResults []byte) {
		finish(newReport(report.MessageID, delivered, timedOut, roundResults))
	})
	if err := t.waiter.WaitForMessageDelivery(raw, cb, int(timeout.Milliseconds())); err != nil {
		log.WithField("error", err.Error()).Error("Engine refused to wait for delivery")
		finish(Report{
			MessageID: report.MessageID,
			Outcome:   Failed,
			Err:       fmt.Errorf("wait for delivery: %w", err),
		})
	}
	return out
}

// WaitForRound waits on roundIDs. The returned channel yields exactly one
// RoundResult and is then closed.
func (t *Tracker) WaitForRound(roundIDs []int64, timeout time.Duration) <-chan RoundResult {
	if timeout <= 0 {
		timeout = DefaultRoundTimeout
	}
	out := make(chan RoundResult, 1)

	var once sync.Once
	finish := func(r RoundResult) {
		once.Do(func() {
			out <- r
			close(out)
		})
	}

	raw, err := json.Marshal(roundIDs)
	if err != nil {
		finish(RoundResult{Err: err})
		return out
	}

	cb := t.bridge.RoundCompletion(func(roundID int64, succeeded, timedOut bool) {
		finish(RoundResult{RoundID: roundID, Succeeded: succeeded, TimedOut: timedOut && !succeeded})
	})
	if err := t.waiter.WaitForRoundResult(raw, cb, int(timeout.Milliseconds())); err != nil {
		t.log.WithFields(logrus.Fields{
			"function": "WaitForRound",
			"rounds":   roundIDs,
			"error":    err.Error(),
		}).Error("Engine refused to wait for rounds")
		finish(RoundResult{Err: fmt.Errorf("wait for round: %w", err)})
	}
	return out
}
