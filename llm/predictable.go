package llm

import (
	"context"
	"fmt"
)

// Predictable is a deterministic Service for tests and keyless local runs.
// It answers every prompt with a fixed transformation of it, so behavior is
// reproducible without network access.
type Predictable struct{}

func (Predictable) Complete(_ context.Context, prompt string) (string, error) {
	return fmt.Sprintf("echo: %s", prompt), nil
}
