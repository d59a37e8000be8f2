// Package postgres provides a PostgreSQL-backed node repository with metrics.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/amitdevx/FileFlow/internal/logging"
	"github.com/amitdevx/FileFlow/internal/metadata"
	"github.com/amitdevx/FileFlow/internal/metrics"
	"github.com/amitdevx/FileFlow/internal/models"
)

const nodeColumns = `id, filename, filepath, owner_id, is_folder, parent_id, created_at, modified_at,
	size_bytes, mime_type, content_hash, is_favorite, tags`

// Store is a PostgreSQL node repository.
type Store struct {
	db *sql.DB
}

var _ metadata.Repository = (*Store)(nil)

// New creates a new PostgreSQL metadata store.
func New(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *Store) DB() *sql.DB {
	return s.db
}

// UpdateConnectionMetrics updates the database connection metrics.
func (s *Store) UpdateConnectionMetrics() {
	stats := s.db.Stats()
	metrics.SetDBConnectionsOpen(stats.OpenConnections)
}

// Migrate runs SQL migration files.
func (s *Store) Migrate(migrationsDir string) error {
	files, err := filepath.Glob(filepath.Join(migrationsDir, "*.up.sql"))
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}

	for _, f := range files {
		logging.Info("running migration", zap.String("file", filepath.Base(f)))
		content, err := os.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.Exec(string(content)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
	}

	return nil
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanNode(row scanner) (*models.Node, error) {
	var (
		n        models.Node
		parentID sql.NullString
		hash     sql.NullString
		tags     pq.StringArray
	)
	if err := row.Scan(&n.ID, &n.Filename, &n.Filepath, &n.OwnerID, &n.IsFolder, &parentID,
		&n.CreatedAt, &n.ModifiedAt, &n.SizeBytes, &n.MimeType, &hash, &n.IsFavorite, &tags); err != nil {
		return nil, err
	}
	if parentID.Valid {
		p := parentID.String
		n.ParentID = &p
	}
	if hash.Valid {
		h := hash.String
		n.ContentHash = &h
	}
	n.Tags = []string(tags)
	if n.Tags == nil {
		n.Tags = []string{}
	}
	return &n, nil
}

func scanNodes(rows *sql.Rows) ([]*models.Node, error) {
	defer rows.Close()
	var out []*models.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// mapErr translates driver errors into repository sentinels. A malformed
// uuid can never match a row, so it reads as not found.
func mapErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return metadata.ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505":
			return fmt.Errorf("%w: %s", metadata.ErrConflict, pqErr.Constraint)
		case "23503":
			return fmt.Errorf("%w: parent does not exist", metadata.ErrNotFound)
		case "22P02":
			return metadata.ErrNotFound
		}
	}
	return err
}

func nullable(p *string) interface{} {
	if p == nil {
		return nil
	}
	return *p
}

func getNode(ctx context.Context, q queryer, id string) (*models.Node, error) {
	n, err := scanNode(q.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM nodes WHERE id = $1`, id))
	if err != nil {
		if mapped := mapErr(err); errors.Is(mapped, metadata.ErrNotFound) {
			return nil, mapped
		}
		return nil, fmt.Errorf("get node: %w", err)
	}
	return n, nil
}

func listChildren(ctx context.Context, q queryer, ownerID string, parentID *string) ([]*models.Node, error) {
	var (
		rows *sql.Rows
		err  error
	)
	const order = ` ORDER BY is_folder DESC, lower(filename), id`
	if parentID == nil {
		rows, err = q.QueryContext(ctx,
			`SELECT `+nodeColumns+` FROM nodes WHERE owner_id = $1 AND parent_id IS NULL`+order, ownerID)
	} else {
		rows, err = q.QueryContext(ctx,
			`SELECT `+nodeColumns+` FROM nodes WHERE owner_id = $1 AND parent_id = $2`+order, ownerID, *parentID)
	}
	if err != nil {
		if mapped := mapErr(err); errors.Is(mapped, metadata.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list children: %w", err)
	}
	return scanNodes(rows)
}

// Get returns a node by id.
func (s *Store) Get(ctx context.Context, id string) (*models.Node, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("get_node", time.Since(start)) }()
	return getNode(ctx, s.db, id)
}

// ListChildren returns the owner's nodes under parentID.
func (s *Store) ListChildren(ctx context.Context, ownerID string, parentID *string) ([]*models.Node, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("list_children", time.Since(start)) }()
	return listChildren(ctx, s.db, ownerID, parentID)
}

// PathInUse reports whether a file of the owner uses fp as its key or sits
// below fp.
func (s *Store) PathInUse(ctx context.Context, ownerID, fp string) (bool, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("path_in_use", time.Since(start)) }()

	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM nodes
		  WHERE owner_id = $1 AND NOT is_folder
		    AND (filepath = $2 OR filepath LIKE $3 ESCAPE '\'))`,
		ownerID, fp, likeEscaper.Replace(fp)+"/%").Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("path in use: %w", err)
	}
	return exists, nil
}

// ─── Search ──────────────────────────────────────────────────────────────────

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// Search returns the owner's nodes matching q, newest first.
func (s *Store) Search(ctx context.Context, ownerID string, q models.SearchQuery) ([]*models.Node, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("search_nodes", time.Since(start)) }()

	args := []interface{}{ownerID}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	query := `SELECT ` + nodeColumns + ` FROM nodes WHERE owner_id = $1`
	if q.Query != "" {
		p := arg("%" + likeEscaper.Replace(q.Query) + "%")
		query += ` AND (filename ILIKE ` + p + ` OR EXISTS (SELECT 1 FROM unnest(tags) t WHERE t ILIKE ` + p + `))`
	}
	if len(q.MimePrefixes) > 0 {
		patterns := make([]string, len(q.MimePrefixes))
		for i, prefix := range q.MimePrefixes {
			patterns[i] = likeEscaper.Replace(strings.ToLower(prefix)) + "%"
		}
		query += ` AND lower(mime_type) LIKE ANY(` + arg(pq.Array(patterns)) + `)`
	}
	if q.MinSize > 0 {
		query += ` AND size_bytes >= ` + arg(q.MinSize)
	}
	if q.MaxSize > 0 {
		query += ` AND size_bytes <= ` + arg(q.MaxSize)
	}
	if q.From != nil {
		query += ` AND modified_at >= ` + arg(*q.From)
	}
	if q.To != nil {
		query += ` AND modified_at <= ` + arg(*q.To)
	}
	if q.FavoritesOnly {
		query += ` AND is_favorite`
	}
	query += ` ORDER BY modified_at DESC, id LIMIT ` + arg(q.EffectiveLimit())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search nodes: %w", err)
	}
	return scanNodes(rows)
}

// ─── Search profiles ─────────────────────────────────────────────────────────

const profileColumns = `id, owner_id, name, query, created_at`

func scanProfile(row scanner) (*models.SearchProfile, error) {
	var (
		p   models.SearchProfile
		raw []byte
	)
	if err := row.Scan(&p.ID, &p.OwnerID, &p.Name, &raw, &p.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &p.Query); err != nil {
		return nil, fmt.Errorf("decode profile %s query: %w", p.ID, err)
	}
	return &p, nil
}

// SaveProfile inserts a search profile.
func (s *Store) SaveProfile(ctx context.Context, p *models.SearchProfile) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("save_profile", time.Since(start)) }()

	raw, err := json.Marshal(p.Query)
	if err != nil {
		return fmt.Errorf("encode profile query: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO search_profiles (`+profileColumns+`) VALUES ($1, $2, $3, $4, $5)`,
		p.ID, p.OwnerID, p.Name, raw, p.CreatedAt)
	if err != nil {
		if mapped := mapErr(err); mapped != err {
			return mapped
		}
		return fmt.Errorf("insert profile: %w", err)
	}
	return nil
}

// GetProfile returns a search profile by id.
func (s *Store) GetProfile(ctx context.Context, id string) (*models.SearchProfile, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("get_profile", time.Since(start)) }()

	p, err := scanProfile(s.db.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM search_profiles WHERE id = $1`, id))
	if err != nil {
		if mapped := mapErr(err); errors.Is(mapped, metadata.ErrNotFound) {
			return nil, mapped
		}
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return p, nil
}

// ListProfiles returns the owner's search profiles, oldest first.
func (s *Store) ListProfiles(ctx context.Context, ownerID string) ([]*models.SearchProfile, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("list_profiles", time.Since(start)) }()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+profileColumns+` FROM search_profiles WHERE owner_id = $1 ORDER BY created_at, id`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer rows.Close()
	var out []*models.SearchProfile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeleteProfile removes a search profile.
func (s *Store) DeleteProfile(ctx context.Context, id string) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("delete_profile", time.Since(start)) }()

	res, err := s.db.ExecContext(ctx, `DELETE FROM search_profiles WHERE id = $1`, id)
	if err != nil {
		if mapped := mapErr(err); errors.Is(mapped, metadata.ErrNotFound) {
			return mapped
		}
		return fmt.Errorf("delete profile: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return metadata.ErrNotFound
	}
	return nil
}

// ─── Transactions ────────────────────────────────────────────────────────────

// InTx runs fn inside a database transaction.
func (s *Store) InTx(ctx context.Context, fn func(tx metadata.Tx) error) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("transaction", time.Since(start)) }()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&tx{tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", mapErr(err))
	}
	return nil
}

type tx struct {
	tx *sql.Tx
}

func (t *tx) Get(ctx context.Context, id string) (*models.Node, error) {
	return getNode(ctx, t.tx, id)
}

func (t *tx) ListChildren(ctx context.Context, ownerID string, parentID *string) ([]*models.Node, error) {
	return listChildren(ctx, t.tx, ownerID, parentID)
}

// Lock takes row locks in id order so concurrent lockers cannot deadlock.
func (t *tx) Lock(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	rows, err := t.tx.QueryContext(ctx,
		`SELECT id FROM nodes WHERE id::text = ANY($1) ORDER BY id FOR UPDATE`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("lock nodes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
	}
	return rows.Err()
}

// LockOwner takes a transaction-scoped advisory lock keyed by owner.
func (t *tx) LockOwner(ctx context.Context, ownerID string) error {
	if _, err := t.tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, ownerID); err != nil {
		return fmt.Errorf("lock owner: %w", err)
	}
	return nil
}

func (t *tx) Insert(ctx context.Context, nodes ...*models.Node) error {
	for _, n := range nodes {
		tags := n.Tags
		if tags == nil {
			tags = []string{}
		}
		_, err := t.tx.ExecContext(ctx,
			`INSERT INTO nodes (`+nodeColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			n.ID, n.Filename, n.Filepath, n.OwnerID, n.IsFolder, nullable(n.ParentID),
			n.CreatedAt, n.ModifiedAt, n.SizeBytes, n.MimeType, nullable(n.ContentHash), n.IsFavorite, pq.Array(tags))
		if err != nil {
			if mapped := mapErr(err); mapped != err {
				return mapped
			}
			return fmt.Errorf("insert node: %w", err)
		}
	}
	return nil
}

func (t *tx) Update(ctx context.Context, n *models.Node) error {
	tags := n.Tags
	if tags == nil {
		tags = []string{}
	}
	res, err := t.tx.ExecContext(ctx,
		`UPDATE nodes SET filename = $2, filepath = $3, parent_id = $4, modified_at = $5,
		   size_bytes = $6, mime_type = $7, content_hash = $8, is_favorite = $9, tags = $10
		 WHERE id = $1`,
		n.ID, n.Filename, n.Filepath, nullable(n.ParentID), n.ModifiedAt,
		n.SizeBytes, n.MimeType, nullable(n.ContentHash), n.IsFavorite, pq.Array(tags))
	if err != nil {
		if mapped := mapErr(err); mapped != err {
			return mapped
		}
		return fmt.Errorf("update node: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return metadata.ErrNotFound
	}
	return nil
}

func (t *tx) Delete(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := t.tx.ExecContext(ctx, `DELETE FROM nodes WHERE id::text = ANY($1)`, pq.Array(ids))
	if err != nil {
		return 0, fmt.Errorf("delete nodes: %w", mapErr(err))
	}
	return res.RowsAffected()
}
