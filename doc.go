// Package mixsession drives a mix-network messaging engine on behalf of a
// messenger.
//
// The engine reports everything through single-method callback interfaces
// invoked on its own threads. A Session adapts those callbacks into typed,
// replay-nothing multicast streams and implements the protocols layered on
// top: contact authentication, group formation, delivery confirmation, user
// discovery, file transfer and encrypted backup.
//
// # Getting Started
//
// Create a Session over an engine handle, subscribe to the streams you care
// about, then start it:
//
//	options := mixsession.NewOptions()
//	options.Logger = logrus.StandardLogger()
//
//	s, err := mixsession.New(eng, options)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	cancel := s.Messages().Subscribe(func(m mixsession.Message) {
//	    fmt.Printf("%s: %s\n", hex.EncodeToString(m.SenderID), m.Text)
//	})
//	defer cancel()
//
//	if err := s.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer s.Stop()
//
// # Streams
//
// Handlers run on the engine thread that produced the event, in the order
// the engine produced events of that kind. A handler that renders must hop
// to its own goroutine. Subscribing late never replays earlier events.
//
// # Errors
//
// Engine errors from synchronous calls are translated into *friendly.Error
// values carrying a curated message; unknown errors are escalated to the
// configured crash reporter and replaced with a generic message. Delivery
// outcomes are values on the channel returned by ListenDelivery, never
// errors.
//
// # Blocking
//
// Outbound engine calls run on a dedicated worker goroutine in FIFO order.
// Cancelling the context passed to an operation stops forwarding its result;
// it never aborts the engine call already in flight. Start retries the
// network follower without bound while the engine reports it is not ready,
// and Stop may block for several seconds while engine threads unwind.
package mixsession
