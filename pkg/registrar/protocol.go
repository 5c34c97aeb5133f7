package registrar

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/quanta/quanta/pkg/engine"
)

// MaxFrameSize bounds a single request or response payload.
const MaxFrameSize = 64 * 1024

// ErrFrameTooLarge is returned when a length prefix exceeds MaxFrameSize.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// RequestKind identifies a registrar request.
type RequestKind string

const (
	KindAddWorker      RequestKind = "add1"
	KindAddCoordinator RequestKind = "add2"
	KindRemove         RequestKind = "remove"
	KindHalt           RequestKind = "halt"
)

// IsAdd reports whether k allocates a partition.
func (k RequestKind) IsAdd() bool {
	return k == KindAddWorker || k == KindAddCoordinator
}

// Request is one decoded registrar request.
type Request struct {
	Kind        RequestKind
	Worker      *engine.WorkerConfig
	Coordinator *engine.CoordinatorConfig
	PartitionID string
}

// Registrant returns the identity named by an add request.
func (r Request) Registrant() string {
	switch {
	case r.Worker != nil:
		return r.Worker.Identity
	case r.Coordinator != nil:
		return r.Coordinator.Identity
	default:
		return ""
	}
}

// PartitionKind returns the directory kind recorded for an add request.
func (r Request) PartitionKind() engine.PartitionKind {
	if r.Kind == KindAddCoordinator {
		return engine.PartitionKindCoordinator
	}
	return engine.PartitionKindWorker
}

// WriteFrame writes payload with a 4-byte big-endian length prefix.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("write frame of %d bytes: %w", len(payload), ErrFrameTooLarge)
	}
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed payload. A connection closed before any
// byte of the prefix arrives yields io.EOF.
func ReadFrame(r io.Reader) ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("read frame of %d bytes: %w", n, ErrFrameTooLarge)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("failed to read frame body: %w", err)
	}
	return payload, nil
}

// EncodeRequest renders req as a wire payload.
func EncodeRequest(req Request) ([]byte, error) {
	switch req.Kind {
	case KindAddWorker:
		return encodeAdd(req.Kind, req.Worker)
	case KindAddCoordinator:
		return encodeAdd(req.Kind, req.Coordinator)
	case KindRemove:
		if !ValidPartitionID(req.PartitionID) {
			return nil, fmt.Errorf("invalid partition id %q", req.PartitionID)
		}
		return []byte(string(KindRemove) + req.PartitionID), nil
	case KindHalt:
		return []byte(KindHalt), nil
	default:
		return nil, fmt.Errorf("unknown request kind %q", req.Kind)
	}
}

func encodeAdd(kind RequestKind, cfg interface{}) ([]byte, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s config: %w", kind, err)
	}
	return append([]byte(kind), data...), nil
}

// Parser decodes and validates request payloads.
type Parser struct {
	validate *validator.Validate
}

// NewParser creates a request parser.
func NewParser() *Parser {
	return &Parser{validate: validator.New()}
}

// Parse decodes payload into a Request. Configs are validated; unknown
// prefixes, bad JSON and malformed ids are errors.
func (p *Parser) Parse(payload []byte) (Request, error) {
	text := string(payload)
	switch {
	case strings.HasPrefix(text, string(KindAddWorker)):
		var cfg engine.WorkerConfig
		if err := p.decode(payload[len(KindAddWorker):], &cfg); err != nil {
			return Request{}, fmt.Errorf("add1: %w", err)
		}
		return Request{Kind: KindAddWorker, Worker: &cfg}, nil

	case strings.HasPrefix(text, string(KindAddCoordinator)):
		var cfg engine.CoordinatorConfig
		if err := p.decode(payload[len(KindAddCoordinator):], &cfg); err != nil {
			return Request{}, fmt.Errorf("add2: %w", err)
		}
		return Request{Kind: KindAddCoordinator, Coordinator: &cfg}, nil

	case strings.HasPrefix(text, string(KindRemove)):
		id := text[len(KindRemove):]
		if !ValidPartitionID(id) {
			return Request{}, fmt.Errorf("remove: invalid partition id %q", id)
		}
		return Request{Kind: KindRemove, PartitionID: id}, nil

	case text == string(KindHalt):
		return Request{Kind: KindHalt}, nil

	default:
		return Request{}, fmt.Errorf("unknown request %q", truncate(text, 16))
	}
}

func (p *Parser) decode(data []byte, target interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := p.validate.Struct(target); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
