package mixsession

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/opd-ai/mixsession/delivery"
	"github.com/opd-ai/mixsession/engine"
	"github.com/sirupsen/logrus"
)

// Send sends text to recipient over an end-to-end channel. The returned
// report names the rounds carrying the message; it does not mean the
// message was delivered. Use ListenDelivery for that.
func (s *Session) Send(ctx context.Context, recipient []byte, text string, replyTo []byte) (engine.SendReport, error) {
	body, err := encodePayload(text, replyTo)
	if err != nil {
		return engine.SendReport{}, err
	}
	return call(ctx, s, func() (engine.SendReport, error) {
		raw, err := s.eng.SendE2E(engine.MessageTypeText, recipient, body)
		if err != nil {
			s.log.WithFields(logrus.Fields{
				"function":     "Send",
				"recipient_id": shortID(recipient),
				"error":        err.Error(),
			}).Error("Send failed")
			return engine.SendReport{}, s.translate.Translate("Send", err)
		}
		var report engine.SendReport
		if err := json.Unmarshal(raw, &report); err != nil {
			return engine.SendReport{}, fmt.Errorf("decode send report: %w", err)
		}
		s.log.WithFields(logrus.Fields{
			"function":     "Send",
			"recipient_id": shortID(recipient),
			"message_id":   shortID(report.MessageID),
			"rounds":       report.RoundList,
		}).Debug("Message sent")
		return report, nil
	})
}

// ListenDelivery waits for the message described by report to be delivered.
// The channel yields exactly one Report and is then closed. A timeout is an
// outcome, never retried.
func (s *Session) ListenDelivery(report engine.SendReport) <-chan delivery.Report {
	return s.tracker.ListenDelivery(report, s.cfg.DeliveryTimeout.Duration)
}

// WaitForRound waits for the given rounds to complete. The channel yields
// exactly one RoundResult and is then closed.
func (s *Session) WaitForRound(roundIDs []int64) <-chan delivery.RoundResult {
	return s.tracker.WaitForRound(roundIDs, s.cfg.RoundTimeout.Duration)
}
