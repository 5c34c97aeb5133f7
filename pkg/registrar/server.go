package registrar

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/quanta/quanta/pkg/engine"
	"github.com/quanta/quanta/pkg/stores"
	"github.com/quanta/quanta/pkg/telemetry"
	"github.com/quanta/quanta/pkg/txn"
)

// Defaults for Config.
const (
	DefaultHost             = "127.0.0.1"
	DefaultPort             = 7461
	DefaultSnapshotInterval = 5 * time.Second
	DefaultAcceptTimeout    = 250 * time.Millisecond
	DefaultIOTimeout        = 5 * time.Second
)

// Config configures a registrar server.
type Config struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port" validate:"gte=0,lte=65535"`

	// Ceiling bounds the fresh-id counter. Ids are five digits wide.
	Ceiling int `yaml:"ceiling" validate:"gte=0,lte=100000"`

	SnapshotInterval time.Duration `yaml:"snapshot_interval" validate:"gte=0"`
	AcceptTimeout    time.Duration `yaml:"accept_timeout" validate:"gte=0"`
	IOTimeout        time.Duration `yaml:"io_timeout" validate:"gte=0"`

	// StatePath is the YAML snapshot file. Empty disables snapshots.
	StatePath string `yaml:"state_path"`

	// CredentialPath locates the store the directory lives in.
	CredentialPath string `yaml:"credential_path"`
}

// DefaultConfig returns the default registrar configuration.
func DefaultConfig() Config {
	return Config{
		Host:             DefaultHost,
		Port:             DefaultPort,
		Ceiling:          DefaultCeiling,
		SnapshotInterval: DefaultSnapshotInterval,
		AcceptTimeout:    DefaultAcceptTimeout,
		IOTimeout:        DefaultIOTimeout,
	}
}

// directoryLister is implemented by stores that can enumerate the partition
// directory outside a transaction.
type directoryLister interface {
	ListPartitions(ctx context.Context) ([]*stores.Partition, error)
}

// Server is the registrar accept loop. All state is owned by the goroutine
// running Serve.
type Server struct {
	cfg      Config
	retrier  *txn.Retrier
	alloc    *Allocator
	parser   *Parser
	listener *net.TCPListener
	tel      *telemetry.Telemetry
	logger   *telemetry.Logger

	lastSnapshot time.Time
}

var _ engine.Role = (*Server)(nil)

// NewServer creates a registrar. When the state file exists the counter and
// recycle set resume from it.
func NewServer(cfg Config, retrier *txn.Retrier, tel *telemetry.Telemetry) (*Server, error) {
	if tel == nil {
		tel = telemetry.Nop()
	}
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = DefaultSnapshotInterval
	}
	if cfg.AcceptTimeout <= 0 {
		cfg.AcceptTimeout = DefaultAcceptTimeout
	}
	if cfg.IOTimeout <= 0 {
		cfg.IOTimeout = DefaultIOTimeout
	}

	var counter int
	var recycled []string
	if cfg.StatePath != "" {
		st, err := LoadState(cfg.StatePath)
		if err != nil {
			return nil, err
		}
		if st != nil {
			counter, recycled = st.Counter, st.Recycled
			if cfg.Host == "" {
				cfg.Host, cfg.Port = st.Host, st.Port
			}
			if cfg.CredentialPath == "" {
				cfg.CredentialPath = st.CredentialPath
			}
		}
	}
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}

	return &Server{
		cfg:     cfg,
		retrier: retrier,
		alloc:   NewAllocator(counter, cfg.Ceiling, recycled),
		parser:  NewParser(),
		tel:     tel,
		logger:  tel.Logger.NewComponentLogger("registrar"),
	}, nil
}

// Name implements engine.Role.
func (s *Server) Name() string { return "registrar" }

// Run implements engine.Role: it listens if needed, reconciles with the
// directory and serves until halt.
func (s *Server) Run(ctx context.Context, halt *engine.Halt) error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	if err := s.Reconcile(ctx); err != nil {
		_ = s.listener.Close()
		return err
	}
	return s.Serve(ctx, halt)
}

// Listen binds the configured address.
func (s *Server) Listen() error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return engine.NewConnectivityError("registrar listen on "+addr, err)
	}
	s.listener = l.(*net.TCPListener)
	s.cfg.Port = s.listener.Addr().(*net.TCPAddr).Port
	s.logger.WithField("addr", s.listener.Addr().String()).Info("registrar listening")
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Reconcile aligns the allocator with the directory: registered ids leave the
// recycle set and push the counter past them, free ids become reusable.
func (s *Server) Reconcile(ctx context.Context) error {
	lister, ok := s.retrier.Store().(directoryLister)
	if !ok {
		return nil
	}
	rows, err := lister.ListPartitions(ctx)
	if err != nil {
		return fmt.Errorf("reconcile directory: %w", err)
	}
	before := s.alloc.Counter()
	for _, p := range rows {
		if !ValidPartitionID(p.ID) {
			continue
		}
		s.alloc.Claim(p.ID)
		if p.State == engine.PartitionFree {
			s.alloc.Release(p.ID)
		}
	}
	if s.alloc.Counter() != before {
		s.logger.WithField("from", before).WithField("to", s.alloc.Counter()).
			Warn("counter advanced past directory rows newer than the last snapshot")
	}
	s.tel.Metrics.SetRegistrarLive(s.alloc.Live())
	return nil
}

// Serve runs the accept loop until halt, a halt request or a fatal error.
// A final snapshot is taken on the way out.
func (s *Server) Serve(ctx context.Context, halt *engine.Halt) error {
	if s.listener == nil {
		return fmt.Errorf("registrar is not listening")
	}
	defer s.listener.Close()
	s.lastSnapshot = time.Now()

	for {
		if halt.Halted() || ctx.Err() != nil {
			return s.shutdown("halt signalled")
		}

		_ = s.listener.SetDeadline(time.Now().Add(s.cfg.AcceptTimeout))
		conn, err := s.listener.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.maybeSnapshot()
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return s.shutdown("listener closed")
			}
			return engine.NewConnectivityError("registrar accept", err)
		}

		stop, err := s.handle(ctx, conn)
		if err != nil {
			if serr := s.Snapshot(); serr != nil {
				s.logger.WithError(serr).Error("final snapshot failed")
			}
			return err
		}
		if stop {
			return s.shutdown("halt requested")
		}
		s.maybeSnapshot()
	}
}

func (s *Server) shutdown(reason string) error {
	if err := s.Snapshot(); err != nil {
		return err
	}
	s.logger.WithField("reason", reason).WithField("counter", s.alloc.Counter()).Info("registrar stopped")
	return nil
}

// handle serves one connection. It reports whether a halt was requested.
// Errors returned here are fatal to the accept loop.
func (s *Server) handle(ctx context.Context, conn net.Conn) (bool, error) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(s.cfg.IOTimeout))
	remote := conn.RemoteAddr().String()

	payload, err := ReadFrame(conn)
	if err != nil {
		s.reject(remote, "unknown", err)
		return false, nil
	}
	req, err := s.parser.Parse(payload)
	if err != nil {
		s.reject(remote, "unknown", err)
		return false, nil
	}

	switch {
	case req.Kind.IsAdd():
		return false, s.add(ctx, conn, req)
	case req.Kind == KindRemove:
		return false, s.remove(ctx, req.PartitionID)
	case req.Kind == KindHalt:
		s.tel.Metrics.RecordRegistrarRequest(string(req.Kind), "ok")
		return true, nil
	default:
		return false, engine.NewInvariantError(fmt.Sprintf("unhandled request kind %q", req.Kind), nil)
	}
}

func (s *Server) reject(remote, kind string, err error) {
	s.tel.Metrics.RecordRegistrarRequest(kind, "malformed")
	s.logger.WithField("remote", remote).WithError(err).Warn("malformed request dropped")
	s.tel.Events.Log("registrar", telemetry.EventLevelWarning, "registrar", "malformed request from "+remote, err)
}

func (s *Server) add(ctx context.Context, conn net.Conn, req Request) error {
	kind := string(req.Kind)
	id, err := s.alloc.Allocate()
	if engine.IsExhausted(err) {
		s.tel.Metrics.RecordRegistrarRequest(kind, "exhausted")
		s.logger.WithIdentity(req.Registrant()).WithField("ceiling", s.alloc.Ceiling()).Warn("partition pool exhausted")
		s.tel.Events.Log("registrar", telemetry.EventLevelWarning, "registrar", "partition pool exhausted", err)
		return nil
	}
	if err != nil {
		return err
	}

	purged, err := s.register(ctx, id, req)
	if err != nil {
		s.alloc.Release(id)
		s.tel.Metrics.RecordRegistrarRequest(kind, "error")
		return fmt.Errorf("register partition %s: %w", id, err)
	}

	s.tel.Metrics.RecordRegistrarRequest(kind, "ok")
	s.tel.Metrics.SetRegistrarLive(s.alloc.Live())
	s.logger.WithIdentity(req.Registrant()).WithPartition(id).
		WithField("purged", purged).Info("partition registered")

	if err := WriteFrame(conn, []byte(id)); err != nil {
		// The row stays registered; the registrant can still remove it by id.
		s.logger.WithPartition(id).WithError(err).Warn("failed to deliver partition id")
	}
	return nil
}

// register marks id registered and purges the entries of its previous occupant.
func (s *Server) register(ctx context.Context, id string, req Request) (int, error) {
	purged := 0
	err := s.retrier.Strict(ctx, "registrar.add", func(ctx context.Context, tx stores.Txn) error {
		purged = 0
		row, err := tx.GetPartition(ctx, id)
		if engine.IsNotFound(err) {
			row = &stores.Partition{ID: id}
		} else if err != nil {
			return err
		}
		if row.State == engine.PartitionRegistered {
			return engine.NewInvariantError(
				fmt.Sprintf("partition %s is already registered to %s", id, row.Registrant), nil)
		}

		next := *row
		next.State = engine.PartitionRegistered
		next.Kind = req.PartitionKind()
		next.Registrant = req.Registrant()
		next.LastAssignedAt = time.Now()
		if err := tx.PutPartition(&next); err != nil {
			return err
		}

		entries, err := tx.Query(ctx, stores.Filter{
			Type:  engine.RecordPartitionEntry,
			Props: map[string]string{engine.PropPartition: id},
		})
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := tx.Delete(e); err != nil {
				return err
			}
			purged++
		}
		return nil
	})
	return purged, err
}

// remove frees id. A missing directory row is returned as is: the registrar
// is the only writer of the directory, so it means a bug.
func (s *Server) remove(ctx context.Context, id string) error {
	err := s.retrier.Strict(ctx, "registrar.remove", func(ctx context.Context, tx stores.Txn) error {
		row, err := tx.GetPartition(ctx, id)
		if err != nil {
			return err
		}
		next := *row
		next.State = engine.PartitionFree
		next.Kind = ""
		next.Registrant = ""
		return tx.PutPartition(&next)
	})
	if err != nil {
		s.tel.Metrics.RecordRegistrarRequest(string(KindRemove), "error")
		return fmt.Errorf("remove partition %s: %w", id, err)
	}

	s.alloc.Release(id)
	s.tel.Metrics.RecordRegistrarRequest(string(KindRemove), "ok")
	s.tel.Metrics.SetRegistrarLive(s.alloc.Live())
	s.logger.WithPartition(id).Info("partition reclaimed")
	return nil
}

func (s *Server) maybeSnapshot() {
	if time.Since(s.lastSnapshot) < s.cfg.SnapshotInterval {
		return
	}
	if err := s.Snapshot(); err != nil {
		s.logger.WithError(err).Error("snapshot failed")
		s.tel.Events.Log("registrar", telemetry.EventLevelError, "registrar", "snapshot failed", err)
	}
}

// Snapshot writes the counter and recycle set to the state file.
func (s *Server) Snapshot() error {
	s.lastSnapshot = time.Now()
	if s.cfg.StatePath == "" {
		return nil
	}
	st := &State{
		Host:             s.cfg.Host,
		Port:             s.cfg.Port,
		Counter:          s.alloc.Counter(),
		Recycled:         s.alloc.Recycled(),
		SnapshotInterval: s.cfg.SnapshotInterval,
		CredentialPath:   s.cfg.CredentialPath,
	}
	if err := st.Save(s.cfg.StatePath); err != nil {
		return fmt.Errorf("registrar snapshot: %w", err)
	}
	s.logger.WithField("counter", st.Counter).WithField("recycled", len(st.Recycled)).Debug("snapshot written")
	return nil
}
