package aggregate

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/quanta/quanta/pkg/stores"
	"github.com/quanta/quanta/pkg/telemetry"
	"github.com/quanta/quanta/pkg/txn"
)

func TestWindowMeanAndBounds(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		samples []float64
		want    float64
	}{
		{"empty", 4, nil, 0},
		{"single", 4, []float64{40}, 40},
		{"mean", 4, []float64{10, 20, 30}, 20},
		{"slides", 2, []float64{10, 20, 30}, 25},
		{"clamped high", 4, []float64{150, 50}, 75},
		{"clamped low", 4, []float64{-20, 20}, 10},
		{"nan", 4, []float64{math.NaN(), 50}, 25},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := NewWindow(tt.size)
			for _, s := range tt.samples {
				w.Submit(s)
			}
			got := w.GlobalAggregate()
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("GlobalAggregate() = %v, want %v", got, tt.want)
			}
			if got < Min || got > Max {
				t.Errorf("aggregate %v out of bounds", got)
			}
		})
	}
}

func TestPersistWritesSingleton(t *testing.T) {
	ctx := context.Background()
	store, err := stores.Open(ctx, stores.Config{Path: filepath.Join(t.TempDir(), "agg.db")})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	w := NewWindow(0)
	p := NewPersister(w, txn.New(store, txn.Options{}), 0, telemetry.Nop())

	for _, v := range []float64{30, 60} {
		w.Submit(v)
		ok, err := p.Persist(ctx)
		if err != nil || !ok {
			t.Fatalf("persist: ok=%v err=%v", ok, err)
		}
	}

	got, found, err := Load(ctx, store)
	if err != nil || !found {
		t.Fatalf("load: found=%v err=%v", found, err)
	}
	if got != 45 {
		t.Errorf("expected 45, got %v", got)
	}

	counts, err := store.CountByType(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts["aggregate_snapshot"] != 1 {
		t.Errorf("expected one snapshot record, got %d", counts["aggregate_snapshot"])
	}
}
