package ud

import (
	"errors"
	"strings"

	"github.com/opd-ai/mixsession/engine"
)

// ErrEmptyFact is returned for a fact without a value.
var ErrEmptyFact = errors.New("fact value is empty")

// Fact is a discoverable identifier: Username, Email or Phone.
type Fact interface {
	// Record returns the engine form of the fact.
	Record() engine.Fact
	// needsConfirmation reports whether registration goes through a
	// confirmation code.
	needsConfirmation() bool
}

// Username is registered when User Discovery is created and needs no code.
type Username string

// Email needs a confirmation code sent by mail.
type Email string

// Phone needs a confirmation code sent by SMS.
type Phone struct {
	Number string
	// CountryCode is the ISO 3166 alpha-2 code, e.g. "US".
	CountryCode string
}

func (u Username) Record() engine.Fact {
	return engine.Fact{Type: engine.FactUsername, Value: string(u)}
}

func (Username) needsConfirmation() bool { return false }

func (e Email) Record() engine.Fact {
	return engine.Fact{Type: engine.FactEmail, Value: strings.TrimSpace(string(e))}
}

func (Email) needsConfirmation() bool { return true }

// Record joins number and country code the way the engine expects them.
func (p Phone) Record() engine.Fact {
	return engine.Fact{Type: engine.FactPhone, Value: p.Number + strings.ToUpper(p.CountryCode)}
}

func (Phone) needsConfirmation() bool { return true }

// ParseFact converts an engine fact back into a Fact. Nicknames are not
// discoverable and return false.
func ParseFact(f engine.Fact) (Fact, bool) {
	switch f.Type {
	case engine.FactUsername:
		return Username(f.Value), true
	case engine.FactEmail:
		return Email(f.Value), true
	case engine.FactPhone:
		if len(f.Value) > 2 {
			n := len(f.Value) - 2
			return Phone{Number: f.Value[:n], CountryCode: f.Value[n:]}, true
		}
		return Phone{Number: f.Value}, true
	default:
		return nil, false
	}
}

func validate(f Fact) error {
	if f == nil || f.Record().Value == "" {
		return ErrEmptyFact
	}
	return nil
}
