package engine

import (
	"context"
	"fmt"
	"io"
)

// preparer is implemented by engines that can provision their own models.
type preparer interface {
	Prepare(ctx context.Context, embedModel string, w io.Writer) error
}

// EnsureReady checks that e is reachable. Engines that manage local models
// also pull and warm them, writing progress to w.
func EnsureReady(ctx context.Context, e Engine, embedModel string, w io.Writer) error {
	if p, ok := e.(preparer); ok {
		return p.Prepare(ctx, embedModel, w)
	}
	if !e.IsRunning(ctx) {
		return fmt.Errorf("%s backend is not reachable", e.Name())
	}
	fmt.Fprintf(w, "%s backend: ready\n", e.Name())
	return nil
}
