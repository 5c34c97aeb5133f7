package frames

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/quanta/quanta/pkg/engine"
	"github.com/quanta/quanta/pkg/stores"
	"github.com/quanta/quanta/pkg/telemetry"
)

// Tick batches the pending task markers of one source type into a frame
// group, at most once per quantum.
type Tick struct {
	p          *Pipeline
	sourceType engine.RecordType
	logger     *telemetry.Logger

	started   bool
	nextIndex int64
}

var _ engine.Role = (*Tick)(nil)

// Tick returns the tick role for sourceType.
func (p *Pipeline) Tick(sourceType engine.RecordType) *Tick {
	return &Tick{
		p:          p,
		sourceType: sourceType,
		logger:     p.logger.WithRole("tick").WithField("source_type", string(sourceType)),
	}
}

// Name implements engine.Role.
func (t *Tick) Name() string { return "tick." + string(t.sourceType) }

// Run implements engine.Role.
func (t *Tick) Run(ctx context.Context, halt *engine.Halt) error {
	if !t.sourceType.IsSource() {
		return engine.NewInvariantError(fmt.Sprintf("tick for non-source type %q", t.sourceType), nil)
	}
	for !halt.Halted() {
		wait, err := t.Step(ctx, t.p.now())
		if err != nil {
			return err
		}
		if !halt.Sleep(wait) {
			return nil
		}
	}
	return nil
}

// Step runs the tick once for the wall-clock time now and returns how long
// to wait before the next step.
func (t *Tick) Step(ctx context.Context, now time.Time) (time.Duration, error) {
	idx := t.p.FrameIndex(now)
	if t.started && idx < t.nextIndex {
		return t.p.quantumStart(t.nextIndex).Sub(now), nil
	}

	if t.started {
		if skipped := idx - t.nextIndex; skipped > 1 {
			t.logger.WithFrameIndex(idx).WithField("skipped", skipped).Warn("tick fell behind, quanta skipped")
			t.p.tel.Metrics.RecordFrameSkipped(string(t.sourceType), skipped)
			t.p.rt.Counters.FramesSkipped.Add(skipped)
			t.p.tel.Events.Log(t.p.rt.Identity, telemetry.EventLevelWarning, "overload",
				fmt.Sprintf("%s tick skipped %d quanta", t.sourceType, skipped), nil)
		}
	}
	offset := now.Sub(t.p.quantumStart(idx))

	group, err := t.Execute(ctx, idx)
	if err != nil {
		return 0, err
	}
	t.started = true

	// Polling re-enters a quantum many times; only a group written late counts.
	if group != nil && offset > t.p.cfg.Quantum/2 {
		t.logger.WithFrameIndex(idx).WithField("offset", offset.String()).Warn("tick started late in quantum")
	}

	if group == nil {
		// Nothing pending: try again on the next loop iteration, same quantum.
		t.nextIndex = idx
		return t.p.cfg.PollInterval, nil
	}
	t.nextIndex = idx + 1
	return t.p.quantumStart(t.nextIndex).Sub(t.p.now()), nil
}

// Execute drains every pending marker of the tick's type into a new frame
// group for quantum idx. It returns nil when no marker was pending.
func (t *Tick) Execute(ctx context.Context, idx int64) (*stores.Record, error) {
	var (
		group   *stores.Record
		missing int
	)
	op := "tick." + string(t.sourceType)
	err := t.p.retrier.Strict(ctx, op, func(ctx context.Context, tx stores.Txn) error {
		group, missing = nil, 0

		markers, err := tx.Query(ctx, stores.Filter{
			Type:  engine.RecordTaskMarker,
			Props: map[string]string{engine.PropSourceType: string(t.sourceType)},
		})
		if err != nil {
			return err
		}
		if len(markers) == 0 {
			return nil
		}

		g, err := tx.CreateWithID(newFrameID(), engine.RecordFrameGroup, map[string]string{
			engine.PropSourceType: string(t.sourceType),
			engine.PropFrameIndex: strconv.FormatInt(idx, 10),
		})
		if err != nil {
			return err
		}

		members := 0
		for _, m := range markers {
			rec, err := tx.Get(ctx, m.Get(engine.PropRecord))
			switch {
			case engine.IsNotFound(err):
				// The record vanished; count it and still consume the marker.
				missing++
			case err != nil:
				return err
			case rec.Type != t.sourceType:
				return engine.NewInvariantError(
					fmt.Sprintf("%s marker references %s record", t.sourceType, rec.Type), nil).WithRecord(rec.ID)
			default:
				if err := tx.Link(g, engine.RelMember, rec); err != nil {
					return err
				}
				members++
			}
			if err := tx.Delete(m); err != nil {
				return err
			}
		}
		if err := tx.Set(g, engine.PropMembers, strconv.Itoa(members)); err != nil {
			return err
		}

		if _, err := tx.Create(engine.RecordAnnounceMarker, map[string]string{
			engine.PropSourceType: string(t.sourceType),
			engine.PropFrameGroup: g.ID,
		}); err != nil {
			return err
		}
		if _, err := tx.Create(engine.RecordCompletedMarker, map[string]string{
			engine.PropIdentity: t.p.rt.Identity,
			engine.PropRef:      g.ID,
			engine.PropStage:    engine.StageFrame,
		}); err != nil {
			return err
		}
		group = g
		return nil
	})
	if err != nil {
		return nil, err
	}

	if missing > 0 {
		t.p.rt.Counters.NotFound.Add(int64(missing))
		t.p.tel.Metrics.RecordNotFound("tick")
		t.logger.WithField("missing", missing).Warn("markers referenced vanished records")
	}
	if group != nil {
		t.p.rt.Counters.FrameGroups.Add(1)
		t.p.tel.Metrics.RecordFrameGroup(string(t.sourceType))
	}
	return group, nil
}
