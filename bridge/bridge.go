// Package bridge adapts the engine's single-method callback interfaces to
// typed Go handlers.
//
// Each adapter is built from one handler function. When the engine invokes
// the callback, the adapter decodes the JSON payload, checks the fields the
// session cannot work without, and calls the handler synchronously on the
// engine's thread. A payload that fails to decode is logged and dropped. A
// panicking handler is recovered and logged. Nothing propagates back across
// the engine boundary.
//
// Example:
//
//	b := bridge.New(logger)
//	eng.RegisterListener(nil, engine.MessageTypeText, b.Listener(func(m engine.ReceivedMessage) {
//	    messages.Publish(toMessage(m))
//	}))
package bridge

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/opd-ai/mixsession/engine"
	"github.com/opd-ai/mixsession/metrics"
	"github.com/sirupsen/logrus"
)

// ErrMissingField reports a payload without a required field.
var ErrMissingField = errors.New("missing required field")

// ErrMalformedReply is handed to one-shot reply handlers whose payload could
// not be decoded.
var ErrMalformedReply = errors.New("malformed engine reply")

// Result carries a decoded payload or the error the engine reported instead.
type Result[T any] struct {
	Value T
	Err   error
}

// AuthEvent is a decoded auth request, confirmation or reset.
type AuthEvent struct {
	Contact     engine.ContactRecord
	ReceptionID []byte
	EphemeralID int64
	RoundID     int64
}

// MultiLookup is a decoded multi-lookup result.
type MultiLookup struct {
	Found  []engine.ContactRecord
	Failed []engine.FailedLookupRecord
}

// RestoreProgress is a restore progress update.
type RestoreProgress struct {
	NumFound    int
	NumRestored int
	Total       int
	Err         string
}

// ClientError is an error raised inside an engine thread.
type ClientError struct {
	Source  string
	Message string
	Trace   string
}

// Bridge builds callback adapters sharing one logger.
type Bridge struct {
	log logrus.FieldLogger
}

// New returns a Bridge logging through log, or the standard logger when nil.
func New(log logrus.FieldLogger) *Bridge {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Bridge{log: log}
}

// guard runs fn and recovers any panic so it never reaches the engine.
func (b *Bridge) guard(callback string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			b.log.WithFields(logrus.Fields{
				"function": "Bridge.guard",
				"callback": callback,
				"panic":    fmt.Sprint(r),
				"stack":    string(debug.Stack()),
			}).Error("Handler panicked inside engine callback")
		}
	}()
	fn()
}

func (b *Bridge) drop(callback string, payload []byte, err error) {
	metrics.EventsDropped.WithLabelValues(callback).Inc()
	b.log.WithFields(logrus.Fields{
		"function":     "Bridge.drop",
		"callback":     callback,
		"payload_size": len(payload),
		"error":        err.Error(),
	}).Warn("Dropping engine callback with undecodable payload")
}

// decode unmarshals payload into a T and runs validate on it.
func decode[T any](payload []byte, validate func(*T) error) (T, error) {
	var v T
	if len(payload) == 0 {
		return v, fmt.Errorf("%w: empty payload", ErrMissingField)
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return v, fmt.Errorf("decode payload: %w", err)
	}
	if validate != nil {
		if err := validate(&v); err != nil {
			return v, err
		}
	}
	return v, nil
}

func requireField(name string, field []byte) error {
	if len(field) == 0 {
		return fmt.Errorf("%w: %s", ErrMissingField, name)
	}
	return nil
}

func validateMessage(m *engine.ReceivedMessage) error {
	if err := requireField("ID", m.ID); err != nil {
		return err
	}
	return requireField("Sender", m.Sender)
}

func validateContact(c *engine.ContactRecord) error {
	return requireField("ID", c.ID)
}

func validateContacts(list *[]engine.ContactRecord) error {
	for i := range *list {
		if err := validateContact(&(*list)[i]); err != nil {
			return fmt.Errorf("contact %d: %w", i, err)
		}
	}
	return nil
}

func validateGroupRequest(r *engine.GroupRequest) error {
	if err := requireField("Id", r.ID); err != nil {
		return err
	}
	return requireField("Serialized", r.Serialized)
}

func validateGroupMessage(m *engine.GroupMessage) error {
	for name, field := range map[string][]byte{
		"GroupId":   m.GroupID,
		"MessageId": m.MessageID,
		"SenderId":  m.SenderID,
	} {
		if err := requireField(name, field); err != nil {
			return err
		}
	}
	return nil
}

func validateOffer(o *engine.FileOffer) error {
	if err := requireField("TransferID", o.TransferID); err != nil {
		return err
	}
	return requireField("SenderID", o.SenderID)
}

// shortID renders the first 8 bytes of an identifier for logs.
func shortID(id []byte) string {
	if len(id) > 8 {
		id = id[:8]
	}
	return hex.EncodeToString(id)
}
