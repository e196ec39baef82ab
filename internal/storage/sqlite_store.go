package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/example/ride-dispatch/internal/models"
)

// SQLiteStore is the embedded single-file backend. Writes serialize on the
// database, so the compare-and-set guards behave exactly as they do on
// Postgres, just without contention.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS providers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		phone TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL,
		state TEXT NOT NULL DEFAULT 'offline',
		lat REAL,
		lon REAL,
		rating REAL NOT NULL DEFAULT 5,
		rating_count INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS requesters (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		phone TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS requests (
		id TEXT PRIMARY KEY,
		requester_id TEXT NOT NULL REFERENCES requesters(id),
		provider_id TEXT REFERENCES providers(id),
		category TEXT NOT NULL,
		origin_lat REAL NOT NULL,
		origin_lon REAL NOT NULL,
		dest_lat REAL NOT NULL,
		dest_lon REAL NOT NULL,
		status TEXT NOT NULL,
		distance_km REAL,
		rating INTEGER,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		assigned_at DATETIME,
		started_at DATETIME,
		completed_at DATETIME,
		cancelled_at DATETIME
	);

	CREATE UNIQUE INDEX IF NOT EXISTS requests_one_active_per_requester
		ON requests(requester_id) WHERE status IN ('requested','assigned','ongoing');
	CREATE UNIQUE INDEX IF NOT EXISTS requests_one_active_per_provider
		ON requests(provider_id) WHERE status IN ('assigned','ongoing');
	CREATE INDEX IF NOT EXISTS requests_status_idx ON requests(status);

	CREATE TABLE IF NOT EXISTS request_transitions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		request_id TEXT NOT NULL REFERENCES requests(id),
		from_status TEXT NOT NULL,
		to_status TEXT NOT NULL,
		actor TEXT NOT NULL,
		at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS request_transitions_request_idx
		ON request_transitions(request_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateProvider(ctx context.Context, pr *models.Provider) error {
	var lat, lon *float64
	if pr.Loc != nil {
		lat, lon = &pr.Loc.Lat, &pr.Loc.Lon
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO providers(id, name, phone, category, state, lat, lon, rating, rating_count, created_at, updated_at)
		VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		pr.ID, pr.Name, pr.Phone, pr.Category, pr.State, lat, lon, pr.Rating, pr.RatingCount, pr.CreatedAt, pr.UpdatedAt)
	if isSQLiteConstraint(err, "providers") {
		return fmt.Errorf("provider %s already registered: %w", pr.ID, models.ErrStateConflict)
	}
	return err
}

func (s *SQLiteStore) GetProvider(ctx context.Context, id string) (*models.Provider, error) {
	return s.getProvider(ctx, s.db, id)
}

func (s *SQLiteStore) getProvider(ctx context.Context, q querier, id string) (*models.Provider, error) {
	row := q.QueryRowContext(ctx, `SELECT `+providerCols+` FROM providers WHERE id = ?`, id)
	pr, err := scanProvider(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("provider %s: %w", id, models.ErrNotFound)
	}
	return pr, err
}

func (s *SQLiteStore) ProvidersByState(ctx context.Context, state models.ProviderState) ([]models.Provider, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+providerCols+` FROM providers WHERE state = ? ORDER BY id`, state)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []models.Provider{}
	for rows.Next() {
		pr, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *pr)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateProviderState(ctx context.Context, id string, from, to models.ProviderState) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE providers SET state = ?, updated_at = ? WHERE id = ? AND state = ?`,
		to, time.Now().UTC(), id, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM providers WHERE id = ?)`, id).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, fmt.Errorf("provider %s: %w", id, models.ErrNotFound)
	}
	return false, nil
}

func (s *SQLiteStore) UpdateProviderLocation(ctx context.Context, id string, loc models.Coord) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE providers SET lat = ?, lon = ?, updated_at = ? WHERE id = ?`,
		loc.Lat, loc.Lon, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("provider %s: %w", id, models.ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) UpsertRequester(ctx context.Context, r *models.Requester) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO requesters(id, name, phone, created_at)
		VALUES(?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, phone = excluded.phone`,
		r.ID, r.Name, r.Phone, r.CreatedAt)
	return err
}

func (s *SQLiteStore) CreateRequest(ctx context.Context, rq *models.Request) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO requests(id, requester_id, category, origin_lat, origin_lon, dest_lat, dest_lon, status, created_at, updated_at)
		VALUES(?,?,?,?,?,?,?,?,?,?)`,
		rq.ID, rq.RequesterID, rq.Category, rq.Origin.Lat, rq.Origin.Lon,
		rq.Destination.Lat, rq.Destination.Lon, rq.Status, rq.CreatedAt, rq.UpdatedAt)
	switch {
	case isSQLiteConstraint(err, "requests_one_active_per_requester"):
		return fmt.Errorf("requester %s: %w", rq.RequesterID, models.ErrActiveRequestExists)
	case isSQLiteConstraint(err, "FOREIGN KEY"):
		return fmt.Errorf("requester %s: %w", rq.RequesterID, models.ErrNotFound)
	case isSQLiteConstraint(err, ""):
		return fmt.Errorf("request %s already exists: %w", rq.ID, models.ErrStateConflict)
	}
	return err
}

func (s *SQLiteStore) GetRequest(ctx context.Context, id string) (*models.Request, error) {
	return s.getRequest(ctx, s.db, id)
}

func (s *SQLiteStore) getRequest(ctx context.Context, q querier, id string) (*models.Request, error) {
	row := q.QueryRowContext(ctx, `SELECT `+requestCols+` FROM requests WHERE id = ?`, id)
	rq, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("request %s: %w", id, models.ErrNotFound)
	}
	return rq, err
}

func (s *SQLiteStore) ListRequests(ctx context.Context, f RequestFilter) ([]models.Request, error) {
	q := `SELECT ` + requestCols + ` FROM requests`
	conds := []string{}
	args := []interface{}{}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}
	if f.RequesterID != "" {
		conds = append(conds, "requester_id = ?")
		args = append(args, f.RequesterID)
	}
	if f.ProviderID != "" {
		conds = append(conds, "provider_id = ?")
		args = append(args, f.ProviderID)
	}
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY created_at DESC, id"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []models.Request{}
	for rows.Next() {
		rq, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rq)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ApplyTransition(ctx context.Context, t Transition) (*models.Request, error) {
	at := t.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE requests
		SET status = ?1,
		    updated_at = ?2,
		    provider_id = CASE WHEN ?3 <> '' THEN ?3 WHEN ?4 THEN NULL ELSE provider_id END,
		    distance_km = CASE WHEN ?1 = 'requested' THEN NULL WHEN ?5 IS NOT NULL THEN ?5 ELSE distance_km END,
		    assigned_at = CASE WHEN ?1 = 'assigned' THEN ?2 WHEN ?1 = 'requested' THEN NULL ELSE assigned_at END,
		    started_at = CASE WHEN ?1 = 'ongoing' THEN ?2 ELSE started_at END,
		    completed_at = CASE WHEN ?1 = 'completed' THEN ?2 ELSE completed_at END,
		    cancelled_at = CASE WHEN ?1 = 'cancelled' THEN ?2 ELSE cancelled_at END
		WHERE id = ?6 AND status = ?7 AND (?8 = '' OR provider_id = ?8)`,
		t.ToStatus, at, t.AssignProvider, t.ClearProvider, t.DistanceKm,
		t.RequestID, t.FromStatus, t.ExpectProvider)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		var status string
		err := tx.QueryRowContext(ctx, `SELECT status FROM requests WHERE id = ?`, t.RequestID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("request %s: %w", t.RequestID, models.ErrNotFound)
		}
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("request %s is %s, expected %s: %w", t.RequestID, status, t.FromStatus, models.ErrConcurrencyConflict)
	}

	if t.Provider != nil {
		res, err := tx.ExecContext(ctx,
			`UPDATE providers SET state = ?, updated_at = ? WHERE id = ? AND state = ?`,
			t.Provider.To, at, t.Provider.ProviderID, t.Provider.From)
		if err != nil {
			return nil, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			var exists bool
			if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM providers WHERE id = ?)`, t.Provider.ProviderID).Scan(&exists); err != nil {
				return nil, err
			}
			if !exists {
				return nil, fmt.Errorf("provider %s: %w", t.Provider.ProviderID, models.ErrNotFound)
			}
			return nil, fmt.Errorf("provider %s not %s: %w", t.Provider.ProviderID, t.Provider.From, models.ErrConcurrencyConflict)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO request_transitions(request_id, from_status, to_status, actor, at)
		VALUES(?,?,?,?,?)`,
		t.RequestID, t.FromStatus, t.ToStatus, t.Actor, at); err != nil {
		return nil, err
	}

	rq, err := s.getRequest(ctx, tx, t.RequestID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return rq, nil
}

func (s *SQLiteStore) ApplyRating(ctx context.Context, requestID string, stars int, at time.Time) (*models.Request, *models.Provider, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE requests SET rating = ?, updated_at = ?
		WHERE id = ? AND status = 'completed' AND rating IS NULL`,
		stars, at, requestID)
	if err != nil {
		return nil, nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, nil, err
	}
	if n == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM requests WHERE id = ?)`, requestID).Scan(&exists); err != nil {
			return nil, nil, err
		}
		if !exists {
			return nil, nil, fmt.Errorf("request %s: %w", requestID, models.ErrNotFound)
		}
		return nil, nil, fmt.Errorf("request %s not ratable: %w", requestID, models.ErrConcurrencyConflict)
	}

	res, err = tx.ExecContext(ctx, `
		UPDATE providers
		SET rating = (rating * rating_count + ?1) / (rating_count + 1),
		    rating_count = rating_count + 1,
		    updated_at = ?2
		WHERE id = (SELECT provider_id FROM requests WHERE id = ?3)`,
		stars, at, requestID)
	if err != nil {
		return nil, nil, err
	}
	n, err = res.RowsAffected()
	if err != nil {
		return nil, nil, err
	}
	if n == 0 {
		return nil, nil, fmt.Errorf("request %s has no provider: %w", requestID, models.ErrNotFound)
	}

	rq, err := s.getRequest(ctx, tx, requestID)
	if err != nil {
		return nil, nil, err
	}
	pr, err := s.getProvider(ctx, tx, rq.ProviderID)
	if err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}
	return rq, pr, nil
}

func (s *SQLiteStore) Transitions(ctx context.Context, requestID string) ([]models.RequestTransition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, request_id, from_status, to_status, actor, at
		FROM request_transitions WHERE request_id = ? ORDER BY id`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []models.RequestTransition{}
	for rows.Next() {
		var tr models.RequestTransition
		if err := rows.Scan(&tr.ID, &tr.RequestID, &tr.FromStatus, &tr.ToStatus, &tr.Actor, &tr.At); err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Stats(ctx context.Context) (*models.Stats, error) {
	st := &models.Stats{
		ProvidersByState: map[models.ProviderState]int{
			models.ProviderOffline:      0,
			models.ProviderAvailable:    0,
			models.ProviderOnAssignment: 0,
		},
		RequestsByStatus: map[models.RequestStatus]int{
			models.StatusRequested: 0,
			models.StatusAssigned:  0,
			models.StatusOngoing:   0,
			models.StatusCompleted: 0,
			models.StatusCancelled: 0,
		},
	}
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM providers GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var state models.ProviderState
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		st.ProvidersByState[state] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM requests GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var status models.RequestStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		st.RequestsByStatus[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(rating), COALESCE(AVG(rating), 0)
		FROM requests WHERE rating IS NOT NULL`).Scan(&st.RatedRequests, &st.AverageRating)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// isSQLiteConstraint matches constraint failures, optionally narrowed to a
// needle from the driver message (index name or "FOREIGN KEY").
func isSQLiteConstraint(err error, needle string) bool {
	var serr sqlite3.Error
	if !errors.As(err, &serr) {
		return false
	}
	if serr.Code != sqlite3.ErrConstraint {
		return false
	}
	return needle == "" || strings.Contains(serr.Error(), needle)
}
