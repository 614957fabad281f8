package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/relaymesh/relaymesh/pkg/errdefs"
	"github.com/relaymesh/relaymesh/pkg/model"
)

// schema is applied by EnsureSchema. Each record is kept whole in a JSONB doc
// column; the plain columns only carry what queries filter or order on.
const schema = `
CREATE TABLE IF NOT EXISTS mesh_nodes (
	id         TEXT PRIMARY KEY,
	identity   TEXT NOT NULL,
	doc        JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS mesh_nodes_identity_idx ON mesh_nodes (identity);

CREATE TABLE IF NOT EXISTS mesh_routes (
	id           TEXT PRIMARY KEY,
	path         TEXT[] NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL,
	last_used_at TIMESTAMPTZ,
	doc          JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS mesh_routes_created_idx ON mesh_routes (created_at DESC);

CREATE TABLE IF NOT EXISTS identity_reputation (
	identity TEXT PRIMARY KEY,
	doc      JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS reputation_events (
	seq         BIGSERIAL PRIMARY KEY,
	id          TEXT NOT NULL UNIQUE,
	entity_type TEXT NOT NULL,
	entity_id   TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	doc         JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS reputation_events_entity_idx ON reputation_events (entity_type, entity_id, created_at DESC);

CREATE TABLE IF NOT EXISTS abuse_reports (
	id          TEXT PRIMARY KEY,
	status      TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	entity_id   TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	doc         JSONB NOT NULL
);
`

// PostgresStore is a PostgreSQL-backed implementation of Store. Mutations run
// inside a transaction holding a row lock (SELECT ... FOR UPDATE).
type PostgresStore struct {
	db         *sql.DB
	nodes      *pgNodeStore
	routes     *pgRouteStore
	identities *pgIdentityStore
	events     *pgEventStore
	reports    *pgReportStore
}

// NewPostgresStore opens a connection pool for dsn, verifies connectivity and
// applies the schema.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: ping: %w: %w", errdefs.ErrUnavailable, err)
	}
	s := newPostgresStore(db)
	if err := s.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func newPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{
		db:         db,
		nodes:      &pgNodeStore{db: db},
		routes:     &pgRouteStore{db: db},
		identities: &pgIdentityStore{db: db},
		events:     &pgEventStore{db: db},
		reports:    &pgReportStore{db: db},
	}
}

// EnsureSchema creates the tables and indexes if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return pgErr("ensure schema", err)
	}
	return nil
}

func (s *PostgresStore) Nodes() NodeStore                       { return s.nodes }
func (s *PostgresStore) Routes() RouteStore                     { return s.routes }
func (s *PostgresStore) Identities() IdentityStore              { return s.identities }
func (s *PostgresStore) ReputationEvents() ReputationEventStore { return s.events }
func (s *PostgresStore) AbuseReports() AbuseReportStore         { return s.reports }

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres: ping: %w: %w", errdefs.ErrUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// pgErr classifies a database/sql error. Server-side errors keep their
// message; anything that never reached the server is reported unavailable.
func pgErr(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if pqErr.Code == "23505" {
			return fmt.Errorf("postgres: %s: %w: %s", op, errdefs.ErrConflict, pqErr.Message)
		}
		return fmt.Errorf("postgres: %s: %w", op, err)
	}
	return fmt.Errorf("postgres: %s: %w: %w", op, errdefs.ErrUnavailable, err)
}

func withTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return pgErr("begin", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return pgErr("commit", err)
	}
	return nil
}

// lockDoc loads and row-locks the doc of table/keyCol = id into v.
func lockDoc(ctx context.Context, tx *sql.Tx, table, keyCol, id string, v any) (bool, error) {
	var raw []byte
	q := fmt.Sprintf(`SELECT doc FROM %s WHERE %s = $1 FOR UPDATE`, table, keyCol)
	err := tx.QueryRowContext(ctx, q, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, pgErr("select "+table, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("postgres: decode %s %q: %w", table, id, err)
	}
	return true, nil
}

func getDoc(ctx context.Context, db *sql.DB, table, keyCol, id string, v any) (bool, error) {
	var raw []byte
	q := fmt.Sprintf(`SELECT doc FROM %s WHERE %s = $1`, table, keyCol)
	err := db.QueryRowContext(ctx, q, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, pgErr("select "+table, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("postgres: decode %s %q: %w", table, id, err)
	}
	return true, nil
}

func queryDocs[T any](ctx context.Context, db *sql.DB, op, q string, args ...any) ([]T, error) {
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, pgErr(op, err)
	}
	defer rows.Close()
	var out []T
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, pgErr(op+": scan", err)
		}
		var item T
		if err := json.Unmarshal(raw, &item); err != nil {
			return nil, fmt.Errorf("postgres: %s: decode: %w", op, err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, pgErr(op, err)
	}
	return out, nil
}

// whereBuilder accumulates AND-ed conditions with positional arguments.
type whereBuilder struct {
	conds []string
	args  []any
}

func (w *whereBuilder) add(cond string, arg any) {
	w.args = append(w.args, arg)
	w.conds = append(w.conds, fmt.Sprintf(cond, len(w.args)))
}

func (w *whereBuilder) String() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

// ---------------------------------------------------------------------------
// Nodes
// ---------------------------------------------------------------------------

type pgNodeStore struct {
	db *sql.DB
}

func (s *pgNodeStore) List(ctx context.Context) ([]model.Node, error) {
	return queryDocs[model.Node](ctx, s.db, "list nodes", `SELECT doc FROM mesh_nodes ORDER BY id`)
}

func (s *pgNodeStore) ListByIdentity(ctx context.Context, identity string) ([]model.Node, error) {
	return queryDocs[model.Node](ctx, s.db, "list nodes by identity",
		`SELECT doc FROM mesh_nodes WHERE identity = $1 ORDER BY id`, identity)
}

func (s *pgNodeStore) Get(ctx context.Context, id string) (*model.Node, error) {
	var n model.Node
	found, err := getDoc(ctx, s.db, "mesh_nodes", "id", id, &n)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("node %q: %w", id, errdefs.ErrNotFound)
	}
	return &n, nil
}

func (s *pgNodeStore) Create(ctx context.Context, node *model.Node) error {
	doc, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO mesh_nodes (id, identity, doc, updated_at) VALUES ($1, $2, $3, $4)`,
		node.ID, node.Identity, doc, node.UpdatedAt)
	if err != nil {
		return pgErr("create node", err)
	}
	return nil
}

func (s *pgNodeStore) Mutate(ctx context.Context, id string, fn func(*model.Node) error) (*model.Node, error) {
	var n model.Node
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		found, err := lockDoc(ctx, tx, "mesh_nodes", "id", id, &n)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("node %q: %w", id, errdefs.ErrNotFound)
		}
		if err := fn(&n); err != nil {
			return err
		}
		n.ID = id
		doc, err := json.Marshal(&n)
		if err != nil {
			return fmt.Errorf("marshal: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE mesh_nodes SET identity = $2, doc = $3, updated_at = $4 WHERE id = $1`,
			id, n.Identity, doc, n.UpdatedAt); err != nil {
			return pgErr("update node", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// ---------------------------------------------------------------------------
// Routes
// ---------------------------------------------------------------------------

type pgRouteStore struct {
	db *sql.DB
}

func (s *pgRouteStore) List(ctx context.Context, f RouteFilter) ([]model.Route, error) {
	var w whereBuilder
	if f.NodeID != "" {
		w.add("$%d = ANY(path)", f.NodeID)
	}
	if !f.Since.IsZero() {
		w.add("created_at >= $%d", f.Since)
	}
	if !f.UsedSince.IsZero() {
		w.add("last_used_at >= $%d", f.UsedSince)
	}
	q := `SELECT doc FROM mesh_routes` + w.String() + ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	return queryDocs[model.Route](ctx, s.db, "list routes", q, w.args...)
}

func (s *pgRouteStore) Get(ctx context.Context, id string) (*model.Route, error) {
	var r model.Route
	found, err := getDoc(ctx, s.db, "mesh_routes", "id", id, &r)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("route %q: %w", id, errdefs.ErrNotFound)
	}
	return &r, nil
}

func (s *pgRouteStore) Create(ctx context.Context, route *model.Route) error {
	doc, err := json.Marshal(route)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO mesh_routes (id, path, created_at, last_used_at, doc) VALUES ($1, $2, $3, $4, $5)`,
		route.ID, pq.Array(route.Path), route.CreatedAt, route.LastUsedAt, doc)
	if err != nil {
		return pgErr("create route", err)
	}
	return nil
}

func (s *pgRouteStore) Mutate(ctx context.Context, id string, fn func(*model.Route) error) (*model.Route, error) {
	var r model.Route
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		found, err := lockDoc(ctx, tx, "mesh_routes", "id", id, &r)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("route %q: %w", id, errdefs.ErrNotFound)
		}
		if err := fn(&r); err != nil {
			return err
		}
		r.ID = id
		doc, err := json.Marshal(&r)
		if err != nil {
			return fmt.Errorf("marshal: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE mesh_routes SET path = $2, last_used_at = $3, doc = $4 WHERE id = $1`,
			id, pq.Array(r.Path), r.LastUsedAt, doc); err != nil {
			return pgErr("update route", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ---------------------------------------------------------------------------
// Identities
// ---------------------------------------------------------------------------

type pgIdentityStore struct {
	db *sql.DB
}

func (s *pgIdentityStore) Get(ctx context.Context, identity string) (*model.IdentityReputation, error) {
	var rep model.IdentityReputation
	found, err := getDoc(ctx, s.db, "identity_reputation", "identity", identity, &rep)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("identity %q: %w", identity, errdefs.ErrNotFound)
	}
	return &rep, nil
}

func (s *pgIdentityStore) Upsert(ctx context.Context, identity string, fn func(*model.IdentityReputation) error) (*model.IdentityReputation, error) {
	var rep model.IdentityReputation
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		// Seed a blank row so the following SELECT ... FOR UPDATE always has
		// something to lock.
		seed, _ := json.Marshal(model.IdentityReputation{Identity: identity})
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO identity_reputation (identity, doc) VALUES ($1, $2) ON CONFLICT (identity) DO NOTHING`,
			identity, seed); err != nil {
			return pgErr("seed identity", err)
		}
		if _, err := lockDoc(ctx, tx, "identity_reputation", "identity", identity, &rep); err != nil {
			return err
		}
		if err := fn(&rep); err != nil {
			return err
		}
		rep.Identity = identity
		doc, err := json.Marshal(&rep)
		if err != nil {
			return fmt.Errorf("marshal: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE identity_reputation SET doc = $2 WHERE identity = $1`, identity, doc); err != nil {
			return pgErr("update identity", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &rep, nil
}

// ---------------------------------------------------------------------------
// Reputation events
// ---------------------------------------------------------------------------

type pgEventStore struct {
	db *sql.DB
}

func (s *pgEventStore) Append(ctx context.Context, ev *model.ReputationEvent) error {
	doc, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO reputation_events (id, entity_type, entity_id, created_at, doc) VALUES ($1, $2, $3, $4, $5)`,
		ev.ID, ev.EntityType, ev.EntityID, ev.CreatedAt, doc)
	if err != nil {
		return pgErr("append event", err)
	}
	return nil
}

func (s *pgEventStore) List(ctx context.Context, f EventFilter) ([]model.ReputationEvent, error) {
	var w whereBuilder
	if f.EntityType != "" {
		w.add("entity_type = $%d", f.EntityType)
	}
	if f.EntityID != "" {
		w.add("entity_id = $%d", f.EntityID)
	}
	if !f.Since.IsZero() {
		w.add("created_at >= $%d", f.Since)
	}
	q := `SELECT doc FROM reputation_events` + w.String() + ` ORDER BY created_at DESC, seq DESC`
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	return queryDocs[model.ReputationEvent](ctx, s.db, "list events", q, w.args...)
}

// ---------------------------------------------------------------------------
// Abuse reports
// ---------------------------------------------------------------------------

type pgReportStore struct {
	db *sql.DB
}

func (s *pgReportStore) Create(ctx context.Context, r *model.AbuseReport) error {
	doc, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO abuse_reports (id, status, entity_type, entity_id, created_at, doc) VALUES ($1, $2, $3, $4, $5, $6)`,
		r.ID, r.Status, r.ReportedEntityType, r.ReportedEntityID, r.CreatedAt, doc)
	if err != nil {
		return pgErr("create abuse report", err)
	}
	return nil
}

func (s *pgReportStore) Get(ctx context.Context, id string) (*model.AbuseReport, error) {
	var r model.AbuseReport
	found, err := getDoc(ctx, s.db, "abuse_reports", "id", id, &r)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("abuse report %q: %w", id, errdefs.ErrNotFound)
	}
	return &r, nil
}

func (s *pgReportStore) List(ctx context.Context, f ReportFilter) ([]model.AbuseReport, error) {
	var w whereBuilder
	if f.Status != "" {
		w.add("status = $%d", f.Status)
	}
	if f.EntityType != "" {
		w.add("entity_type = $%d", f.EntityType)
	}
	if f.EntityID != "" {
		w.add("entity_id = $%d", f.EntityID)
	}
	if !f.Since.IsZero() {
		w.add("created_at >= $%d", f.Since)
	}
	q := `SELECT doc FROM abuse_reports` + w.String() + ` ORDER BY created_at DESC`
	return queryDocs[model.AbuseReport](ctx, s.db, "list abuse reports", q, w.args...)
}

func (s *pgReportStore) Mutate(ctx context.Context, id string, fn func(*model.AbuseReport) error) (*model.AbuseReport, error) {
	var r model.AbuseReport
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		found, err := lockDoc(ctx, tx, "abuse_reports", "id", id, &r)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("abuse report %q: %w", id, errdefs.ErrNotFound)
		}
		if err := fn(&r); err != nil {
			return err
		}
		r.ID = id
		doc, err := json.Marshal(&r)
		if err != nil {
			return fmt.Errorf("marshal: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE abuse_reports SET status = $2, doc = $3 WHERE id = $1`, id, r.Status, doc); err != nil {
			return pgErr("update abuse report", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}
