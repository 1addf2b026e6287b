// Package health implements the node-registration check that gates contact
// requests.
//
// A request sent while too few gateway nodes are registered is almost certain
// to fail, so the check requires registered/total >= Threshold, retrying a
// bounded number of times before giving up with ErrNetworkNotHealthy.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opd-ai/mixsession/engine"
	"github.com/opd-ai/mixsession/metrics"
	"github.com/opd-ai/mixsession/retry"
	"github.com/sirupsen/logrus"
)

// Defaults for the node-registration check.
const (
	DefaultThreshold  = 0.85
	DefaultRetries    = 4
	DefaultRetryDelay = time.Second
)

// ErrNetworkNotHealthy is returned once every retry saw too few registered nodes.
var ErrNetworkNotHealthy = errors.New("network still stabilizing")

// errBelowThreshold marks a single failing sample.
var errBelowThreshold = errors.New("node registration below threshold")

// StatusSource reports node registration. engine.Engine satisfies it.
type StatusSource interface {
	NodeRegistrationStatus() ([]byte, error)
}

// Status is one node registration sample.
type Status struct {
	Registered int
	Total      int
}

// Ratio returns Registered/Total, or 0 when Total is 0.
func (s Status) Ratio() float64 {
	if s.Total <= 0 {
		return 0
	}
	return float64(s.Registered) / float64(s.Total)
}

// Checker runs the node-registration check.
type Checker struct {
	source    StatusSource
	threshold float64
	policy    retry.Policy
	log       logrus.FieldLogger
}

// Options configures a Checker. Zero values select the defaults.
type Options struct {
	Threshold  float64
	Retries    int
	RetryDelay time.Duration
	Sleep      retry.Sleeper
	Logger     logrus.FieldLogger
}

// NewChecker returns a Checker reading from source.
func NewChecker(source StatusSource, opts Options) *Checker {
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	} else if opts.Retries == 0 {
		opts.Retries = DefaultRetries
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	return &Checker{
		source:    source,
		threshold: opts.Threshold,
		policy: retry.Policy{
			Name:     "node_registration",
			Attempts: opts.Retries,
			Delay:    opts.RetryDelay,
			Sleep:    opts.Sleep,
			OnRetry:  metrics.RetryObserver("node_registration"),
			Logger:   opts.Logger,
		},
		log: opts.Logger,
	}
}

// Sample fetches and decodes one registration status.
func (c *Checker) Sample() (Status, error) {
	raw, err := c.source.NodeRegistrationStatus()
	if err != nil {
		return Status{}, fmt.Errorf("failed to get node registration: %w", err)
	}
	var report engine.NodeRegistrationReport
	if err := json.Unmarshal(raw, &report); err != nil {
		return Status{}, fmt.Errorf("failed to get node registration: %w", err)
	}
	return Status{Registered: report.Registered, Total: report.Total}, nil
}

// Healthy reports whether s meets the threshold.
func (c *Checker) Healthy(s Status) bool {
	return s.Total > 0 && s.Ratio() >= c.threshold
}

// Check samples until the threshold is met or the retries run out. Sampling
// errors count as failing samples.
func (c *Checker) Check(ctx context.Context) error {
	var last Status
	err := c.policy.Do(ctx, func(attempt int) error {
		s, err := c.Sample()
		if err != nil {
			return err
		}
		last = s

		c.log.WithFields(logrus.Fields{
			"function":   "Check",
			"attempt":    attempt,
			"registered": s.Registered,
			"total":      s.Total,
			"ratio":      s.Ratio(),
			"threshold":  c.threshold,
		}).Debug("Node registration sampled")

		if !c.Healthy(s) {
			return errBelowThreshold
		}
		return nil
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, retry.ErrExhausted) {
		c.log.WithFields(logrus.Fields{
			"function":   "Check",
			"registered": last.Registered,
			"total":      last.Total,
		}).Warn("Network still stabilizing after retries")
		return fmt.Errorf("%w: %d/%d nodes registered", ErrNetworkNotHealthy, last.Registered, last.Total)
	}
	return err
}
