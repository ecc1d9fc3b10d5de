// Package inference scores a scaled crop for anemia risk. Scoring prefers a
// remote model backend when one was attached at startup and falls back to a
// deterministic color heuristic when the backend is absent or a call fails,
// so a screening always completes.
package inference

import "context"

// Scores is a model backend's output for one crop, on the model's own
// scale; the engine clamps both values into [0,1].
type Scores struct {
	Risk       float64
	Confidence float64
}

// Backend runs the anemia model against a normalized image tensor.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Infer scores a tensor laid out row-major as Height×Width×RGB with
	// every channel normalized to [-1,1].
	Infer(ctx context.Context, tensor []float32) (Scores, error)
	// Describe identifies the backend in logs.
	Describe() string
}
