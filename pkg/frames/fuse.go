package frames

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/quanta/quanta/pkg/engine"
	"github.com/quanta/quanta/pkg/execqueue"
	"github.com/quanta/quanta/pkg/stores"
	"github.com/quanta/quanta/pkg/telemetry"
)

// Fuse is the single per-deployment role that turns a quantum's frame groups
// into a main frame and appends it to the lineage.
type Fuse struct {
	p      *Pipeline
	logger *telemetry.Logger

	started   bool
	nextIndex int64
}

var _ engine.Role = (*Fuse)(nil)

// Fuser returns the fuse role.
func (p *Pipeline) Fuser() *Fuse {
	return &Fuse{p: p, logger: p.logger.WithRole("fuse")}
}

// Name implements engine.Role.
func (f *Fuse) Name() string { return "fuse" }

// Run implements engine.Role.
func (f *Fuse) Run(ctx context.Context, halt *engine.Halt) error {
	if err := f.Bootstrap(ctx); err != nil {
		return err
	}
	if _, err := f.Recover(ctx); err != nil {
		return err
	}

	for !halt.Halted() {
		now := f.p.now()
		idx := f.p.FrameIndex(now)
		if f.started && idx < f.nextIndex {
			if !halt.Sleep(f.p.quantumStart(f.nextIndex).Sub(now)) {
				return nil
			}
			continue
		}

		// Give the per-type ticks of this quantum time to land.
		start := f.p.quantumStart(idx)
		if !halt.Sleep(start.Add(f.p.cfg.Quantum * 2 / 3).Sub(now)) {
			return nil
		}
		if woke := f.p.now(); !woke.Before(start.Add(f.p.cfg.Quantum)) {
			over := woke.Sub(start.Add(f.p.cfg.Quantum))
			f.logger.WithFrameIndex(idx).WithField("overslept", over.String()).Warn("fuse woke after its quantum ended")
			f.p.tel.Events.Log(f.p.rt.Identity, telemetry.EventLevelWarning, "overload", "fuse overslept by "+over.String(), nil)
		}

		if _, err := f.Fuse(ctx, idx); err != nil {
			return err
		}
		f.started = true
		f.nextIndex = idx + 1
	}
	return nil
}

// Fuse runs one fuse pass for quantum idx. It returns the new main frame, or
// nil when no frame group was announced since the previous pass.
func (f *Fuse) Fuse(ctx context.Context, idx int64) (mf *engine.MainFrame, err error) {
	ctx, span := f.p.tel.Tracer.StartFuseSpan(ctx, idx)
	timer := telemetry.NewTimer()
	defer func() {
		if err != nil {
			telemetry.RecordError(span, err)
		} else {
			telemetry.RecordSuccess(span)
		}
		span.End()
		f.p.tel.Metrics.RecordFuse(timer.Duration(), mf != nil)
	}()

	main, groups, err := f.linkMembers(ctx, idx)
	if err != nil || main == nil {
		return nil, err
	}
	span.SetAttributes(telemetry.AttrMainFrameID.String(main.ID), telemetry.AttrGroupCount.Int(groups))

	if err := f.linkLineage(ctx, main.ID); err != nil {
		return nil, err
	}
	f.p.rt.Counters.MainFrames.Add(1)

	if f.p.queue != nil {
		f.p.queue.Enqueue(f.p.IndexMainFrame(main.ID))
	}

	decoded, err := engine.DecodeMainFrame(main.ID, main.Props)
	if err != nil {
		return nil, err
	}
	return &decoded, nil
}

// linkMembers is the first fuse transaction: drain announce markers, create
// the main frame and link every announced group to it.
func (f *Fuse) linkMembers(ctx context.Context, idx int64) (*stores.Record, int, error) {
	var (
		main    *stores.Record
		groups  int
		missing int
	)
	err := f.p.retrier.Strict(ctx, "fuse", func(ctx context.Context, tx stores.Txn) error {
		main, groups, missing = nil, 0, 0

		markers, err := tx.Query(ctx, stores.Filter{Type: engine.RecordAnnounceMarker})
		if err != nil {
			return err
		}
		if len(markers) == 0 {
			return nil
		}

		aggregate := 0.0
		if f.p.aggregate != nil {
			aggregate = f.p.aggregate.GlobalAggregate()
		}
		m, err := tx.CreateWithID(newFrameID(), engine.RecordMainFrame, map[string]string{
			engine.PropTimestampMs: strconv.FormatInt(f.p.now().UnixMilli(), 10),
			engine.PropAggregate:   strconv.FormatFloat(aggregate, 'f', -1, 64),
			engine.PropFrameIndex:  strconv.FormatInt(idx, 10),
			engine.PropIndexed:     "false",
			engine.PropLinked:      "false",
		})
		if err != nil {
			return err
		}

		for _, marker := range markers {
			if _, err := engine.ParseSourceType(marker.Get(engine.PropSourceType)); err != nil {
				return err
			}
			group, err := tx.Get(ctx, marker.Get(engine.PropFrameGroup))
			switch {
			case engine.IsNotFound(err):
				missing++
			case err != nil:
				return err
			case group.Type != engine.RecordFrameGroup:
				return engine.NewInvariantError(
					fmt.Sprintf("announce marker references %s record", group.Type), nil).WithRecord(group.ID)
			default:
				if err := tx.Link(m, engine.RelMember, group); err != nil {
					return err
				}
				groups++
			}
			if err := tx.Delete(marker); err != nil {
				return err
			}
		}
		if err := tx.Set(m, engine.PropMembers, strconv.Itoa(groups)); err != nil {
			return err
		}

		if _, err := tx.Create(engine.RecordCompletedMarker, map[string]string{
			engine.PropIdentity: f.p.rt.Identity,
			engine.PropRef:      m.ID,
			engine.PropStage:    engine.StageFuse,
		}); err != nil {
			return err
		}
		main = m
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	if missing > 0 {
		f.p.rt.Counters.NotFound.Add(int64(missing))
		f.p.tel.Metrics.RecordNotFound("fuse")
		f.logger.WithField("missing", missing).Warn("announced frame groups vanished")
	}
	return main, groups, nil
}

// linkLineage is the second fuse transaction: link the new main frame to the
// one the previous pointer references, then replace the pointer.
func (f *Fuse) linkLineage(ctx context.Context, mainID string) error {
	return f.p.retrier.Strict(ctx, "lineage", func(ctx context.Context, tx stores.Txn) error {
		main, err := tx.Get(ctx, mainID)
		if err != nil {
			return err
		}
		return appendToLineage(ctx, tx, main)
	})
}

// appendToLineage links main after the record the pointer references and
// moves the pointer to main.
func appendToLineage(ctx context.Context, tx stores.Txn, main *stores.Record) error {
	pointers, err := tx.Query(ctx, stores.Filter{Type: engine.RecordPreviousPointer})
	if err != nil {
		return err
	}
	switch len(pointers) {
	case 0:
		return engine.NewInvariantError("no previous pointer, lineage not bootstrapped", nil)
	case 1:
	default:
		return engine.NewInvariantError(fmt.Sprintf("%d live previous pointers", len(pointers)), nil)
	}
	ptr := pointers[0]

	prev, err := tx.Get(ctx, ptr.Get(engine.PropMainFrame))
	if err != nil {
		return fmt.Errorf("previous main frame: %w", err)
	}
	if err := tx.Link(main, engine.RelPrevious, prev); err != nil {
		return err
	}
	if err := tx.Set(main, engine.PropLinked, "true"); err != nil {
		return err
	}
	if err := tx.Delete(ptr); err != nil {
		return err
	}
	_, err = tx.Create(engine.RecordPreviousPointer, map[string]string{engine.PropMainFrame: main.ID})
	return err
}

// Bootstrap creates the genesis main frame and the previous pointer when no
// pointer exists yet. It is a no-op otherwise.
func (f *Fuse) Bootstrap(ctx context.Context) error {
	return f.p.retrier.Strict(ctx, "bootstrap", func(ctx context.Context, tx stores.Txn) error {
		ptr, err := tx.FirstOf(ctx, stores.Filter{Type: engine.RecordPreviousPointer})
		if err != nil || ptr != nil {
			return err
		}
		genesis, err := tx.CreateWithID(newFrameID(), engine.RecordMainFrame, map[string]string{
			engine.PropTimestampMs: strconv.FormatInt(f.p.now().UnixMilli(), 10),
			engine.PropAggregate:   "0",
			engine.PropFrameIndex:  "0",
			engine.PropIndexed:     "true",
			engine.PropLinked:      "true",
			engine.PropGenesis:     "true",
		})
		if err != nil {
			return err
		}
		f.logger.WithField("main_frame", genesis.ID).Info("lineage bootstrapped with genesis main frame")
		_, err = tx.Create(engine.RecordPreviousPointer, map[string]string{engine.PropMainFrame: genesis.ID})
		return err
	})
}

// Recover links main frames whose lineage transaction never ran, oldest
// first, and returns how many it repaired.
func (f *Fuse) Recover(ctx context.Context) (int, error) {
	tx, err := f.p.retrier.Store().Begin(ctx)
	if err != nil {
		return 0, err
	}
	orphans, err := tx.Query(ctx, stores.Filter{
		Type:  engine.RecordMainFrame,
		Props: map[string]string{engine.PropLinked: "false"},
	})
	_ = tx.Rollback()
	if err != nil {
		return 0, err
	}

	for _, o := range orphans {
		if err := f.linkLineage(ctx, o.ID); err != nil {
			return 0, err
		}
		f.logger.WithField("main_frame", o.ID).Warn("linked main frame left unlinked by an interrupted fuse")
	}
	return len(orphans), nil
}

// IndexMainFrame returns the follow-up item that promotes a main frame into
// the index once it is fused.
func (p *Pipeline) IndexMainFrame(mainID string) execqueue.Item {
	return execqueue.Item{
		Name: "index:" + mainID,
		Run: func(ctx context.Context, halt *engine.Halt) error {
			start := time.Now()
			err := p.retrier.Strict(ctx, "index", func(ctx context.Context, tx stores.Txn) error {
				main, err := tx.Get(ctx, mainID)
				if err != nil {
					return err
				}
				members, err := tx.Linked(ctx, mainID, engine.RelMember)
				if err != nil {
					return err
				}
				if err := tx.Set(main, engine.PropMembers, strconv.Itoa(len(members))); err != nil {
					return err
				}
				return tx.Set(main, engine.PropIndexed, "true")
			})
			if engine.IsNotFound(err) {
				p.rt.Counters.NotFound.Add(1)
				p.logger.WithField("main_frame", mainID).Warn("main frame vanished before indexing")
				return nil
			}
			if err == nil {
				p.logger.WithField("main_frame", mainID).WithField("took", time.Since(start).String()).Debug("main frame indexed")
			}
			return err
		},
	}
}
