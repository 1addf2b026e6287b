// Package simulation provides an in-process engine for tests and the CLI
// demo. It implements every engine interface, records the calls it
// receives, and lets the caller fire engine callbacks deterministically.
//
// Nothing here talks to a network. In Async mode the simulated engine fires
// delivery, confirmation and progress callbacks from its own goroutines, the
// way the real engine calls back from threads the session does not control;
// otherwise tests fire them explicitly.
//
// Example:
//
//	sim := simulation.NewEngine(simulation.Config{Registered: 90, Total: 100})
//	s, _ := mixsession.New(sim, mixsession.Options{})
//	_ = s.Start(ctx)
//	sim.DeliverMessage(engine.ReceivedMessage{...})
package simulation
