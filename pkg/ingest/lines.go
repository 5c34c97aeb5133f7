package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/quanta/quanta/pkg/engine"
)

// lineReading is the JSON form of a Reading, one per line:
//
//	{"type":"image","props":{"device":"cam0"},"score":42.5}
type lineReading struct {
	Type  engine.RecordType `json:"type"`
	Props map[string]string `json:"props,omitempty"`
	Score *float64          `json:"score,omitempty"`
}

type lineResult struct {
	r   Reading
	err error
}

// LineSource reads newline-delimited JSON readings from r. Reading happens
// on a background goroutine so Next honours context cancellation. Close stops
// that goroutine once it next has a line to hand over.
type LineSource struct {
	ch     chan lineResult
	done   chan struct{}
	exited chan struct{}
	once   sync.Once
}

// NewLineSource starts reading r.
func NewLineSource(r io.Reader) *LineSource {
	s := &LineSource{
		ch:     make(chan lineResult),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go s.read(r)
	return s
}

func (s *LineSource) read(r io.Reader) {
	defer close(s.exited)
	defer close(s.ch)

	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var lr lineReading
		if err := json.Unmarshal(scanner.Bytes(), &lr); err != nil {
			s.send(lineResult{err: fmt.Errorf("line %d: %w", line, err)})
			return
		}
		if !s.send(lineResult{r: Reading{Type: lr.Type, Props: lr.Props, Score: lr.Score}}) {
			return
		}
	}
	if err := scanner.Err(); err != nil {
		s.send(lineResult{err: err})
	}
}

func (s *LineSource) send(res lineResult) bool {
	select {
	case s.ch <- res:
		return true
	case <-s.done:
		return false
	}
}

// Next implements Source. It returns io.EOF once r is exhausted or the
// source has been closed.
func (s *LineSource) Next(ctx context.Context) (Reading, error) {
	select {
	case <-s.done:
		return Reading{}, io.EOF
	default:
	}
	select {
	case res, ok := <-s.ch:
		if !ok {
			return Reading{}, io.EOF
		}
		return res.r, res.err
	case <-s.done:
		return Reading{}, io.EOF
	case <-ctx.Done():
		return Reading{}, ctx.Err()
	}
}

// Close implements io.Closer. It is safe to call more than once.
func (s *LineSource) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}
