package frames

import (
	"context"
	"fmt"

	"github.com/quanta/quanta/pkg/engine"
	"github.com/quanta/quanta/pkg/stores"
)

// Lineage walks the previous links from the pointer and returns up to limit
// main frames, newest first. The genesis frame is not included. limit <= 0
// walks the whole lineage.
func Lineage(ctx context.Context, store stores.Store, limit int) ([]engine.MainFrame, error) {
	tx, err := store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	ptr, err := tx.FirstOf(ctx, stores.Filter{Type: engine.RecordPreviousPointer})
	if err != nil {
		return nil, err
	}
	if ptr == nil {
		return nil, nil
	}

	var (
		out  []engine.MainFrame
		seen = make(map[string]bool)
		id   = ptr.Get(engine.PropMainFrame)
	)
	for id != "" && (limit <= 0 || len(out) < limit) {
		if seen[id] {
			return out, engine.NewInvariantError("lineage cycle", nil).WithRecord(id)
		}
		seen[id] = true

		rec, err := tx.Get(ctx, id)
		if err != nil {
			return out, err
		}
		if rec.Type != engine.RecordMainFrame {
			return out, engine.NewInvariantError(fmt.Sprintf("lineage reaches %s record", rec.Type), nil).WithRecord(id)
		}
		mf, err := engine.DecodeMainFrame(rec.ID, rec.Props)
		if err != nil {
			return out, err
		}
		if mf.Genesis {
			break
		}
		out = append(out, mf)

		prev, err := tx.Linked(ctx, id, engine.RelPrevious)
		if err != nil {
			return out, err
		}
		switch len(prev) {
		case 0:
			return out, engine.NewInvariantError("main frame has no previous link", nil).WithRecord(id)
		case 1:
			id = prev[0]
		default:
			return out, engine.NewInvariantError(fmt.Sprintf("main frame has %d previous links", len(prev)), nil).WithRecord(id)
		}
	}
	return out, nil
}

// Members returns the frame group ids linked to a main frame.
func Members(ctx context.Context, store stores.Store, mainID string) ([]string, error) {
	tx, err := store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	return tx.Linked(ctx, mainID, engine.RelMember)
}
