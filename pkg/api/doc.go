// Package api contains the core building blocks of the trailhead onboarding
// engine: journey definitions, sessions, the event vocabulary, analytics
// results, the error taxonomy and the Engine interface itself.
//
// Most users interact with the higher-level trailhead package, which
// re-exports selected types and helpers from this package. The api package
// is intended for custom integrations, alternative stores, or contributors
// extending the engine.
//
// # Journeys
//
// A Journey is a versioned, directed graph of Steps. Every step has a kind:
//
//   - message, tour, video: informational, completed on acknowledgement
//   - form: completed once all required fields are present
//   - task: completed once an external criterion is reported met
//   - wait: completed once a minimum duration has passed or an event arrived
//   - branch: routes the session by evaluating Rules in order, falling back
//     to a default target
//
// A step with no successor is terminal; entering it completes the session.
// Published versions are immutable. Sessions stay bound to the version they
// started on, so publishing a new version never disturbs users in flight.
//
// # Sessions
//
// A Session is one user's progress through one journey version. It records
// the current step, accumulated data, the A/B Variant it was assigned at
// creation, and a Revision that backs optimistic concurrency: two clients
// completing the same step at once cannot both win.
//
// # Events
//
// Every transition appends Events to a per-session, gap-free sequence. The
// log is the only source of truth for analytics; JourneyStats is a pure
// function of it.
//
// # Errors
//
// ValidationError lists every problem found in a definition and is returned
// at publish time only. StepError carries a StepErrorCode explaining why a
// completion was refused (stale step, missing fields, unmet criteria, not
// ready, inactive session, exhausted conflict retries). Sentinel values such
// as ErrStaleStep match any StepError with the same code via errors.Is:
//
//	_, err := eng.CompleteStep(ctx, id, "profile", data)
//	if errors.Is(err, api.ErrMissingFields) {
//	    var se *api.StepError
//	    errors.As(err, &se)
//	    fmt.Println("please fill in:", se.Fields)
//	}
//
// # Observability
//
// The Observer interface is called by the engine on session and step
// lifecycle changes. LoggingObserver writes them through log/slog,
// BasicMetrics keeps in-process counters, and NewCompositeObserver fans out
// to several observers at once.
package api
