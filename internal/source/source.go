// Package source defines the perception-source contract and the file-drop
// inbox source the daemon runs.
package source

import (
	"context"

	"github.com/msageha/taskvault/internal/model"
)

// Event is the normalized form every source emits.
type Event = model.Event

// Admitter accepts events into the pipeline. Admitting the same
// (source, external id) twice returns the first task with Admitted=false.
type Admitter interface {
	Admit(ctx context.Context, ev Event) (model.Admission, error)
}

// AdmitterFunc adapts a function to Admitter.
type AdmitterFunc func(ctx context.Context, ev Event) (model.Admission, error)

func (f AdmitterFunc) Admit(ctx context.Context, ev Event) (model.Admission, error) {
	return f(ctx, ev)
}
