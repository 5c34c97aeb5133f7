// Package ingest turns device readings into payload records.
//
// Each reading becomes one payload record plus a task marker of the same
// source type, written in one strict transaction, so the frame tick for that
// type picks it up in the next quantum.
package ingest

import (
	"context"
	"errors"
	"io"
	"strconv"

	"github.com/quanta/quanta/pkg/engine"
	"github.com/quanta/quanta/pkg/stores"
	"github.com/quanta/quanta/pkg/telemetry"
	"github.com/quanta/quanta/pkg/txn"
)

// Reading is one observation produced by a device adapter.
type Reading struct {
	Type  engine.RecordType
	Props map[string]string

	// Score, when set, is submitted to the aggregate service.
	Score *float64
}

// Source yields readings. Next blocks until a reading is available, the
// context is cancelled, or the source is exhausted (io.EOF).
type Source interface {
	Next(ctx context.Context) (Reading, error)
}

// ChannelSource adapts a channel into a Source. Closing the channel
// exhausts the source.
type ChannelSource struct {
	C <-chan Reading
}

// Next implements Source.
func (s ChannelSource) Next(ctx context.Context) (Reading, error) {
	select {
	case r, ok := <-s.C:
		if !ok {
			return Reading{}, io.EOF
		}
		return r, nil
	case <-ctx.Done():
		return Reading{}, ctx.Err()
	}
}

// Ingester is the ingestion role.
type Ingester struct {
	name      string
	source    Source
	retrier   *txn.Retrier
	rt        *engine.RuntimeContext
	aggregate engine.AggregateService
	tel       *telemetry.Telemetry
	logger    *telemetry.Logger
}

var _ engine.Role = (*Ingester)(nil)

// New creates an ingestion role named "ingest.<name>". aggregate may be nil.
func New(name string, source Source, retrier *txn.Retrier, rt *engine.RuntimeContext, aggregate engine.AggregateService, tel *telemetry.Telemetry) *Ingester {
	if tel == nil {
		tel = telemetry.Nop()
	}
	return &Ingester{
		name:      "ingest." + name,
		source:    source,
		retrier:   retrier,
		rt:        rt,
		aggregate: aggregate,
		tel:       tel,
		logger:    tel.Logger.NewComponentLogger("ingest").WithRole("ingest." + name),
	}
}

// Name implements engine.Role.
func (in *Ingester) Name() string { return in.name }

// Run implements engine.Role. It returns nil on halt or when the source is
// exhausted. A source that implements io.Closer is closed on return.
func (in *Ingester) Run(ctx context.Context, halt *engine.Halt) error {
	if c, ok := in.source.(io.Closer); ok {
		defer func() {
			if err := c.Close(); err != nil {
				in.logger.WithError(err).Warn("closing source")
			}
		}()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-halt.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	for !halt.Halted() {
		r, err := in.source.Next(ctx)
		if errors.Is(err, io.EOF) {
			in.logger.Info("source exhausted")
			return nil
		}
		if err != nil {
			if halt.Halted() {
				return nil
			}
			return err
		}
		// The write runs to completion even if halt arrives meanwhile.
		if _, err := in.Ingest(context.WithoutCancel(ctx), r); err != nil {
			return err
		}
	}
	return nil
}

// Ingest writes r and its task marker and returns the new record.
func (in *Ingester) Ingest(ctx context.Context, r Reading) (*stores.Record, error) {
	if !r.Type.IsSource() {
		return nil, engine.NewInvariantError("ingest: unsupported record type "+strconv.Quote(string(r.Type)), nil)
	}

	props := make(map[string]string, len(r.Props)+1)
	for k, v := range r.Props {
		props[k] = v
	}
	if props[engine.PropTimestampMs] == "" {
		props[engine.PropTimestampMs] = strconv.FormatInt(in.rt.Clock.Now().UnixMilli(), 10)
	}

	var rec *stores.Record
	err := in.retrier.Strict(ctx, "ingest", func(ctx context.Context, tx stores.Txn) error {
		var err error
		rec, err = tx.Create(r.Type, props)
		if err != nil {
			return err
		}
		_, err = tx.Create(engine.RecordTaskMarker, map[string]string{
			engine.PropSourceType: string(r.Type),
			engine.PropRecord:     rec.ID,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	if r.Score != nil && in.aggregate != nil {
		in.aggregate.Submit(*r.Score)
	}
	in.rt.Counters.Ingested.Add(1)
	in.tel.Metrics.RecordIngested(string(r.Type))
	return rec, nil
}
