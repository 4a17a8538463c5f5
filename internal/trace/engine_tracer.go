package trace

import "kiln/internal/engine"

// EngineTracer adapts a Sink to the engine's Tracer interface,
// recording one Event per finished evaluation.
type EngineTracer struct {
	Sink Sink
}

func (t EngineTracer) EvaluationStarted(engine.Key) {}

func (t EngineTracer) EvaluationEnded(key engine.Key, fromCache bool, err error) {
	if t.Sink == nil {
		return
	}
	outcome := OutcomeExecuted
	switch {
	case err != nil:
		outcome = OutcomeFailed
	case fromCache:
		outcome = OutcomeCached
	}
	t.Sink.Record(Event{Key: key.String(), Outcome: outcome})
}
