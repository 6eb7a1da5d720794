// Package dispatch contains the message routing and delivery core: the
// typed handler registry built at startup, the routing table mapping
// message classes to target entities, the bus orchestrating
// classify/route/shard/dispatch, scheduled posting with cancellation,
// and the system event watcher feeding lifecycle events to an
// observability sink.
//
// Handler resolution is explicit. Targets register their handlers with
// generic registration calls (AssignCommand, ApplyEvent,
// SubstituteCommand) which build an immutable dispatch table keyed by
// message class. A registration that could match a class already
// claimed on the same target fails immediately with ErrHandlerAmbiguity
// rather than being tie-broken at dispatch time.
//
// The command path and the event path compose through envelope origin
// chaining: every event produced by a successful command dispatch is
// wrapped into a new envelope carrying the triggering envelope as its
// origin and fed back through the bus.
package dispatch
