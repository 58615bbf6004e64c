package persist

import (
	"context"

	"github.com/dynadoc/dynadoc/schema"
)

// Decision is a hook's verdict on the operation in progress.
type Decision int

const (
	// Continue lets the operation proceed.
	Continue Decision = iota
	// Abort stops the operation before the wire call. Aborting a remove
	// surfaces ErrNotDestroyed; aborting a persist returns nil without
	// writing.
	Abort
)

// Hook observes or vetoes a persistence operation. Returning an error stops
// the operation and propagates; returning Abort stops it without error
// (except for removes, which report ErrNotDestroyed).
type Hook func(ctx context.Context, doc *schema.Document) (Decision, error)

// Hooks holds the callbacks for the four fixed points of the document
// lifecycle. Hooks at each point run in registration order; the first Abort
// or error wins. After hooks cannot abort, their Decision is ignored.
type Hooks struct {
	BeforePersist []Hook
	AfterPersist  []Hook
	BeforeRemove  []Hook
	AfterRemove   []Hook
}

func runHooks(ctx context.Context, hooks []Hook, doc *schema.Document) (Decision, error) {
	for _, h := range hooks {
		d, err := h(ctx, doc)
		if err != nil {
			return Abort, err
		}
		if d == Abort {
			return Abort, nil
		}
	}
	return Continue, nil
}
