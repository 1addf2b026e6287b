package mixsession

import (
	"github.com/opd-ai/mixsession/backup"
	"github.com/opd-ai/mixsession/config"
	"github.com/opd-ai/mixsession/contact"
	"github.com/opd-ai/mixsession/friendly"
	"github.com/opd-ai/mixsession/group"
	"github.com/opd-ai/mixsession/retry"
	"github.com/opd-ai/mixsession/sharedkv"
	"github.com/sirupsen/logrus"
)

// Store is the persisted local state the session mutates.
type Store interface {
	contact.Store
	group.Store
	backup.KeyStore
}

// Options contains the collaborators and settings of a Session.
type Options struct {
	Config config.Config

	// Logger defaults to logrus.StandardLogger().
	Logger logrus.FieldLogger
	// CrashReporter receives engine errors without a curated message.
	CrashReporter friendly.CrashReporter
	// Catalog overrides the embedded friendly error catalog.
	Catalog *friendly.Catalog

	// Store defaults to an in-memory store.
	Store Store
	// Shared receives the notification state after every preimage
	// refresh. Defaults to an in-memory store.
	Shared sharedkv.Store

	// Username is handed to the engine when User Discovery is created.
	Username string

	// Sleep replaces time-based waiting in retry loops. Tests use it to
	// skip delays.
	Sleep retry.Sleeper
}

// NewOptions creates a new default Options.
func NewOptions() *Options {
	return &Options{Config: config.Default()}
}
