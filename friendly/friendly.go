// Package friendly translates raw engine errors into curated user-facing
// messages.
//
// The catalog is a YAML list of substrings matched in order against the raw
// error text. Errors no entry matches are reported to the CrashReporter and
// replaced with the catalog's generic message, so a raw engine string never
// reaches the user.
package friendly

import (
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/opd-ai/mixsession/metrics"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// CrashReporter receives errors without a curated message.
type CrashReporter interface {
	Report(err error, fields map[string]string)
}

// CrashReporterFunc adapts a function to CrashReporter.
type CrashReporterFunc func(err error, fields map[string]string)

// Report implements CrashReporter.
func (f CrashReporterFunc) Report(err error, fields map[string]string) { f(err, fields) }

// Error is a translated engine error.
type Error struct {
	Message string
	Raw     error
	// Known is false when the message is the generic fallback.
	Known bool
}

func (e *Error) Error() string { return e.Message }

// Unwrap returns the raw engine error.
func (e *Error) Unwrap() error { return e.Raw }

// Entry maps a raw error fragment to a message.
type Entry struct {
	Match   string `yaml:"match"`
	Message string `yaml:"message"`
}

// Catalog is the parsed translation table.
type Catalog struct {
	Generic string  `yaml:"generic"`
	Entries []Entry `yaml:"entries"`
}

// ParseCatalog parses a YAML catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse error catalog: %w", err)
	}
	if c.Generic == "" {
		return nil, errors.New("error catalog has no generic message")
	}
	for i, e := range c.Entries {
		if e.Match == "" || e.Message == "" {
			return nil, fmt.Errorf("error catalog entry %d is incomplete", i)
		}
	}
	return &c, nil
}

// DefaultCatalog returns the embedded catalog.
func DefaultCatalog() *Catalog {
	c, err := ParseCatalog(defaultCatalog)
	if err != nil {
		panic(err)
	}
	return c
}

// Translator maps engine errors through a Catalog.
type Translator struct {
	catalog  *Catalog
	reporter CrashReporter
	log      logrus.FieldLogger
}

// NewTranslator returns a Translator. A nil catalog selects the embedded one;
// a nil reporter discards escalations.
func NewTranslator(catalog *Catalog, reporter CrashReporter, log logrus.FieldLogger) *Translator {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	if reporter == nil {
		reporter = CrashReporterFunc(func(error, map[string]string) {})
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Translator{catalog: catalog, reporter: reporter, log: log}
}

// Translate returns err as an *Error. nil stays nil and errors that are
// already translated pass through unchanged. op names the failing operation
// for crash reports.
func (t *Translator) Translate(op string, err error) error {
	if err == nil {
		return nil
	}
	var already *Error
	if errors.As(err, &already) {
		return err
	}

	raw := err.Error()
	for _, e := range t.catalog.Entries {
		if strings.Contains(raw, e.Match) {
			return &Error{Message: e.Message, Raw: err, Known: true}
		}
	}

	metrics.FriendlyEscalations.Inc()
	t.log.WithFields(logrus.Fields{
		"function":  "Translate",
		"operation": op,
		"error":     raw,
	}).Error("Engine error has no curated message, escalating")
	t.reporter.Report(err, map[string]string{"operation": op})

	return &Error{Message: t.catalog.Generic, Raw: err}
}
