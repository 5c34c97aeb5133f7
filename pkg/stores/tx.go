package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/quanta/quanta/pkg/engine"
)

type opKind int

const (
	opCreate opKind = iota
	opUpdate
	opDelete
	opLink
	opPutPartition
)

type op struct {
	kind      opKind
	rec       *Record
	relation  string
	to        string
	partition *Partition
}

// Tx is the SQLite implementation of Txn.
type Tx struct {
	store *SQLiteStore
	ops   []op

	// expect maps a record ID to the version it had when this transaction
	// first touched it. Commit fails if any of them moved.
	expect map[string]int64

	// partExpect is the same for directory rows; 0 means "must not exist".
	partExpect map[string]int64

	created map[string]bool
	dirty   map[string]bool
	deleted map[string]bool
	done    bool
}

var _ Txn = (*Tx)(nil)

func newTx(s *SQLiteStore) *Tx {
	return &Tx{
		store:      s,
		expect:     make(map[string]int64),
		partExpect: make(map[string]int64),
		created:    make(map[string]bool),
		dirty:      make(map[string]bool),
		deleted:    make(map[string]bool),
	}
}

func (tx *Tx) check() error {
	if tx.done {
		return ErrTxDone
	}
	return nil
}

// touch remembers the version of an existing record the transaction mutates.
func (tx *Tx) touch(rec *Record) {
	if tx.created[rec.ID] {
		return
	}
	if _, ok := tx.expect[rec.ID]; !ok {
		tx.expect[rec.ID] = rec.Version
	}
}

// Create implements Txn.
func (tx *Tx) Create(t engine.RecordType, props map[string]string) (*Record, error) {
	return tx.CreateWithID(uuid.New().String(), t, props)
}

// CreateWithID implements Txn.
func (tx *Tx) CreateWithID(id string, t engine.RecordType, props map[string]string) (*Record, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, fmt.Errorf("record id is required")
	}

	cp := make(map[string]string, len(props))
	for k, v := range props {
		cp[k] = v
	}
	rec := &Record{
		ID:        id,
		Type:      t,
		Version:   1,
		Props:     cp,
		CreatedAt: time.Now(),
	}
	tx.created[id] = true
	tx.ops = append(tx.ops, op{kind: opCreate, rec: rec})
	return rec, nil
}

// Get implements Txn.
func (tx *Tx) Get(ctx context.Context, id string) (*Record, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	row := tx.store.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("record %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	return rec, nil
}

// FirstOf implements Txn.
func (tx *Tx) FirstOf(ctx context.Context, f Filter) (*Record, error) {
	f.Limit = 1
	recs, err := tx.Query(ctx, f)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return recs[0], nil
}

// Query implements Txn.
func (tx *Tx) Query(ctx context.Context, f Filter) ([]*Record, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	where, args := filterSQL(f)
	query := `SELECT ` + recordColumns + ` FROM records` + where + ` ORDER BY seq`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := tx.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}

// Count implements Txn.
func (tx *Tx) Count(ctx context.Context, f Filter) (int, error) {
	if err := tx.check(); err != nil {
		return 0, err
	}
	where, args := filterSQL(f)
	var n int
	if err := tx.store.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

// Guard implements Txn.
func (tx *Tx) Guard(rec *Record) error {
	if err := tx.check(); err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("guard on nil record")
	}
	tx.touch(rec)
	return nil
}

// Set implements Txn.
func (tx *Tx) Set(rec *Record, key, value string) error {
	if err := tx.check(); err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("set on nil record")
	}
	if tx.deleted[rec.ID] {
		return fmt.Errorf("record %s: %w", rec.ID, ErrNotFound)
	}
	if rec.Props == nil {
		rec.Props = make(map[string]string)
	}
	rec.Props[key] = value
	tx.touch(rec)
	if !tx.created[rec.ID] && !tx.dirty[rec.ID] {
		tx.dirty[rec.ID] = true
		tx.ops = append(tx.ops, op{kind: opUpdate, rec: rec})
	}
	return nil
}

// Delete implements Txn.
func (tx *Tx) Delete(rec *Record) error {
	if err := tx.check(); err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("delete of nil record")
	}
	if tx.deleted[rec.ID] {
		return nil
	}
	tx.touch(rec)
	tx.deleted[rec.ID] = true
	tx.ops = append(tx.ops, op{kind: opDelete, rec: rec})
	return nil
}

// Link implements Txn.
func (tx *Tx) Link(from *Record, relation string, to *Record) error {
	if err := tx.check(); err != nil {
		return err
	}
	if from == nil || to == nil {
		return fmt.Errorf("link with nil endpoint")
	}
	tx.touch(from)
	tx.touch(to)
	tx.ops = append(tx.ops, op{kind: opLink, rec: from, relation: relation, to: to.ID})
	return nil
}

// Linked implements Txn.
func (tx *Tx) Linked(ctx context.Context, id, relation string) ([]string, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	rows, err := tx.store.db.QueryContext(ctx,
		`SELECT to_id FROM links WHERE from_id = ? AND relation = ? ORDER BY created_at, to_id`, id, relation)
	if err != nil {
		return nil, fmt.Errorf("query links: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var to string
		if err := rows.Scan(&to); err != nil {
			return nil, fmt.Errorf("scan link: %w", err)
		}
		out = append(out, to)
	}
	return out, rows.Err()
}

// GetPartition implements Txn.
func (tx *Tx) GetPartition(ctx context.Context, id string) (*Partition, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	row := tx.store.db.QueryRowContext(ctx,
		`SELECT id, state, kind, registrant, last_assigned_at, version FROM partitions WHERE id = ?`, id)
	p, err := scanPartition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("partition %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get partition: %w", err)
	}
	return p, nil
}

// PutPartition implements Txn.
func (tx *Tx) PutPartition(p *Partition) error {
	if err := tx.check(); err != nil {
		return err
	}
	if p == nil || p.ID == "" {
		return fmt.Errorf("partition id is required")
	}
	if _, ok := tx.partExpect[p.ID]; !ok {
		tx.partExpect[p.ID] = p.Version
	}
	tx.ops = append(tx.ops, op{kind: opPutPartition, partition: p})
	return nil
}

// Rollback implements Txn.
func (tx *Tx) Rollback() error {
	if tx.done {
		return nil
	}
	tx.done = true
	tx.ops = nil
	return nil
}

// Commit implements Txn. Validation and apply run inside one immediate SQLite
// transaction, so no other commit can interleave between them.
func (tx *Tx) Commit(ctx context.Context) (err error) {
	if err := tx.check(); err != nil {
		return err
	}
	tx.done = true
	if len(tx.ops) == 0 && len(tx.expect) == 0 && len(tx.partExpect) == 0 {
		return nil
	}

	sqlTx, err := tx.store.db.BeginTx(ctx, nil)
	if err != nil {
		if isBusy(err) {
			return fmt.Errorf("begin commit: %w", ErrConflict)
		}
		return fmt.Errorf("begin commit: %w", err)
	}
	defer func() {
		if err != nil {
			_ = sqlTx.Rollback()
		}
	}()

	if err = tx.validate(ctx, sqlTx); err != nil {
		return err
	}

	now := time.Now().UnixMilli()
	for _, o := range tx.ops {
		if err = tx.apply(ctx, sqlTx, o, now); err != nil {
			if isBusy(err) {
				return fmt.Errorf("apply: %w", ErrConflict)
			}
			return err
		}
	}

	if err = sqlTx.Commit(); err != nil {
		if isBusy(err) {
			return fmt.Errorf("commit: %w", ErrConflict)
		}
		return fmt.Errorf("commit: %w", err)
	}

	tx.bumpVersions()
	return nil
}

func (tx *Tx) validate(ctx context.Context, sqlTx *sql.Tx) error {
	for id, want := range tx.expect {
		var got int64
		err := sqlTx.QueryRowContext(ctx, `SELECT version FROM records WHERE id = ?`, id).Scan(&got)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("record %s vanished: %w", id, ErrConflict)
		}
		if err != nil {
			if isBusy(err) {
				return fmt.Errorf("validate %s: %w", id, ErrConflict)
			}
			return fmt.Errorf("validate %s: %w", id, err)
		}
		if got != want {
			return fmt.Errorf("record %s at version %d, read %d: %w", id, got, want, ErrConflict)
		}
	}

	for id, want := range tx.partExpect {
		var got int64
		err := sqlTx.QueryRowContext(ctx, `SELECT version FROM partitions WHERE id = ?`, id).Scan(&got)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if want != 0 {
				return fmt.Errorf("partition %s vanished: %w", id, ErrConflict)
			}
		case err != nil:
			return fmt.Errorf("validate partition %s: %w", id, err)
		case got != want:
			return fmt.Errorf("partition %s at version %d, read %d: %w", id, got, want, ErrConflict)
		}
	}
	return nil
}

func (tx *Tx) apply(ctx context.Context, sqlTx *sql.Tx, o op, now int64) error {
	switch o.kind {
	case opCreate:
		props, err := json.Marshal(o.rec.Props)
		if err != nil {
			return fmt.Errorf("encode props: %w", err)
		}
		res, err := sqlTx.ExecContext(ctx,
			`INSERT INTO records (id, type, version, props, created_at) VALUES (?, ?, 1, ?, ?)`,
			o.rec.ID, string(o.rec.Type), string(props), o.rec.CreatedAt.UnixMilli())
		if err != nil {
			return fmt.Errorf("insert record %s: %w", o.rec.ID, err)
		}
		if seq, err := res.LastInsertId(); err == nil {
			o.rec.Seq = seq
		}

	case opUpdate:
		if tx.deleted[o.rec.ID] {
			return nil
		}
		props, err := json.Marshal(o.rec.Props)
		if err != nil {
			return fmt.Errorf("encode props: %w", err)
		}
		if _, err := sqlTx.ExecContext(ctx,
			`UPDATE records SET props = ?, version = version + 1 WHERE id = ?`,
			string(props), o.rec.ID); err != nil {
			return fmt.Errorf("update record %s: %w", o.rec.ID, err)
		}

	case opDelete:
		if _, err := sqlTx.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, o.rec.ID); err != nil {
			return fmt.Errorf("delete record %s: %w", o.rec.ID, err)
		}
		if _, err := sqlTx.ExecContext(ctx,
			`DELETE FROM links WHERE from_id = ? OR to_id = ?`, o.rec.ID, o.rec.ID); err != nil {
			return fmt.Errorf("delete links of %s: %w", o.rec.ID, err)
		}

	case opLink:
		if _, err := sqlTx.ExecContext(ctx,
			`INSERT OR IGNORE INTO links (from_id, relation, to_id, created_at) VALUES (?, ?, ?, ?)`,
			o.rec.ID, o.relation, o.to, now); err != nil {
			return fmt.Errorf("link %s -%s-> %s: %w", o.rec.ID, o.relation, o.to, err)
		}

	case opPutPartition:
		p := o.partition
		var assigned int64
		if !p.LastAssignedAt.IsZero() {
			assigned = p.LastAssignedAt.UnixMilli()
		}
		if _, err := sqlTx.ExecContext(ctx,
			`INSERT INTO partitions (id, state, kind, registrant, last_assigned_at, version)
			 VALUES (?, ?, ?, ?, ?, 1)
			 ON CONFLICT(id) DO UPDATE SET
			   state = excluded.state,
			   kind = excluded.kind,
			   registrant = excluded.registrant,
			   last_assigned_at = excluded.last_assigned_at,
			   version = partitions.version + 1`,
			p.ID, string(p.State), string(p.Kind), p.Registrant, assigned); err != nil {
			return fmt.Errorf("put partition %s: %w", p.ID, err)
		}

	default:
		return engine.NewInvariantError(fmt.Sprintf("unknown store op %d", o.kind), nil)
	}
	return nil
}

// bumpVersions keeps in-memory snapshots in step with what was committed so a
// caller holding them does not trip over its own write.
func (tx *Tx) bumpVersions() {
	for _, o := range tx.ops {
		switch o.kind {
		case opUpdate:
			o.rec.Version++
		case opPutPartition:
			o.partition.Version++
		}
	}
}
