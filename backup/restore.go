package backup

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/mixsession/contact"
	"github.com/opd-ai/mixsession/engine"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// DefaultRestoreRate is the number of UD lookups per second during a restore.
const DefaultRestoreRate = 5

// LookupFunc resolves one id through User Discovery.
type LookupFunc func(ctx context.Context, id []byte) (engine.ContactRecord, error)

// Saver persists a restored contact as a friend.
type Saver interface {
	Upsert(c *contact.Contact) (*contact.Contact, error)
}

// LookupEvent is reported after each lookup.
type LookupEvent struct {
	ID      []byte
	Contact *contact.Contact
	Err     error
}

// Report summarizes a restore.
type Report struct {
	NumFound    int
	NumRestored int
	Total       int
	LastErr     error
	Restored    []*contact.Contact
	Failed      [][]byte
}

// Restorer rebuilds the contact list from a backup's id list.
type Restorer struct {
	save    Saver
	limiter *rate.Limiter
	log     logrus.FieldLogger
}

// NewRestorer returns a Restorer pacing lookups at perSecond.
func NewRestorer(save Saver, perSecond float64, log logrus.FieldLogger) *Restorer {
	if perSecond <= 0 {
		perSecond = DefaultRestoreRate
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Restorer{
		save:    save,
		limiter: rate.NewLimiter(rate.Limit(perSecond), 1),
		log:     log,
	}
}

// Restore looks up every id and saves each one found. onProgress, when not
// nil, is called after every processed id with the running totals. The
// returned error is only set when ctx is done; per-id failures are in the
// Report.
func (r *Restorer) Restore(ctx context.Context, ids [][]byte, lookup LookupFunc, onLookup func(LookupEvent), onProgress engine.RestoreProgressCallback) (Report, error) {
	rep := Report{Total: len(ids)}
	log := r.log.WithFields(logrus.Fields{
		"function": "Restore",
		"run":      uuid.New().String(),
		"total":    len(ids),
	})
	log.Info("Restoring contacts")

	progress := func() {
		if onProgress == nil {
			return
		}
		msg := ""
		if rep.LastErr != nil {
			msg = rep.LastErr.Error()
		}
		onProgress.Callback(rep.NumFound, rep.NumRestored, rep.Total, msg)
	}

	for _, id := range ids {
		if err := r.limiter.Wait(ctx); err != nil {
			return rep, err
		}

		rec, err := lookup(ctx, id)
		ev := LookupEvent{ID: id, Err: err}
		if err != nil {
			if ctx.Err() != nil {
				return rep, ctx.Err()
			}
			rep.LastErr = fmt.Errorf("lookup %x: %w", id, err)
			rep.Failed = append(rep.Failed, id)
		} else {
			rep.NumFound++
			c := contact.FromRecord(rec, time.Now())
			saved, serr := r.save.Upsert(c)
			if serr != nil {
				rep.LastErr = fmt.Errorf("save %x: %w", id, serr)
				rep.Failed = append(rep.Failed, id)
			} else {
				rep.NumRestored++
				rep.Restored = append(rep.Restored, saved)
				ev.Contact = saved
			}
		}
		if onLookup != nil {
			onLookup(ev)
		}
		progress()
	}

	log.WithFields(logrus.Fields{
		"found":    rep.NumFound,
		"restored": rep.NumRestored,
	}).Info("Restore finished")
	return rep, nil
}
