package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (p *PostgresStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS providers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		phone TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL,
		state TEXT NOT NULL DEFAULT 'offline',
		lat DOUBLE PRECISION,
		lon DOUBLE PRECISION,
		rating DOUBLE PRECISION NOT NULL DEFAULT 5,
		rating_count INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS requesters (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		phone TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS requests (
		id TEXT PRIMARY KEY,
		requester_id TEXT NOT NULL REFERENCES requesters(id),
		provider_id TEXT REFERENCES providers(id),
		category TEXT NOT NULL,
		origin_lat DOUBLE PRECISION NOT NULL,
		origin_lon DOUBLE PRECISION NOT NULL,
		dest_lat DOUBLE PRECISION NOT NULL,
		dest_lon DOUBLE PRECISION NOT NULL,
		status TEXT NOT NULL,
		distance_km DOUBLE PRECISION,
		rating INTEGER,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		assigned_at TIMESTAMPTZ,
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		cancelled_at TIMESTAMPTZ
	);

	CREATE UNIQUE INDEX IF NOT EXISTS requests_one_active_per_requester
		ON requests(requester_id) WHERE status IN ('requested','assigned','ongoing');
	CREATE UNIQUE INDEX IF NOT EXISTS requests_one_active_per_provider
		ON requests(provider_id) WHERE status IN ('assigned','ongoing');
	CREATE INDEX IF NOT EXISTS requests_status_idx ON requests(status);

	CREATE TABLE IF NOT EXISTS request_transitions (
		id BIGSERIAL PRIMARY KEY,
		request_id TEXT NOT NULL REFERENCES requests(id),
		from_status TEXT NOT NULL,
		to_status TEXT NOT NULL,
		actor TEXT NOT NULL,
		at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS request_transitions_request_idx
		ON request_transitions(request_id);
	`
	_, err := p.db.Exec(schema)
	return err
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *PostgresStore) Close() error {
	return p.db.Close()
}

func (p *PostgresStore) CreateProvider(ctx context.Context, pr *models.Provider) error {
	var lat, lon *float64
	if pr.Loc != nil {
		lat, lon = &pr.Loc.Lat, &pr.Loc.Lon
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO providers(id, name, phone, category, state, lat, lon, rating, rating_count, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		pr.ID, pr.Name, pr.Phone, pr.Category, pr.State, lat, lon, pr.Rating, pr.RatingCount, pr.CreatedAt, pr.UpdatedAt)
	if isUniqueViolation(err, "") {
		return fmt.Errorf("provider %s already registered: %w", pr.ID, models.ErrStateConflict)
	}
	return err
}

const providerCols = `id, name, phone, category, state, lat, lon, rating, rating_count, created_at, updated_at`

func scanProvider(row interface{ Scan(...interface{}) error }) (*models.Provider, error) {
	var pr models.Provider
	var lat, lon sql.NullFloat64
	err := row.Scan(&pr.ID, &pr.Name, &pr.Phone, &pr.Category, &pr.State, &lat, &lon, &pr.Rating, &pr.RatingCount, &pr.CreatedAt, &pr.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if lat.Valid && lon.Valid {
		pr.Loc = &models.Coord{Lat: lat.Float64, Lon: lon.Float64}
	}
	return &pr, nil
}

func (p *PostgresStore) GetProvider(ctx context.Context, id string) (*models.Provider, error) {
	return p.getProvider(ctx, p.db, id)
}

func (p *PostgresStore) getProvider(ctx context.Context, q querier, id string) (*models.Provider, error) {
	row := q.QueryRowContext(ctx, `SELECT `+providerCols+` FROM providers WHERE id = $1`, id)
	pr, err := scanProvider(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("provider %s: %w", id, models.ErrNotFound)
	}
	return pr, err
}

func (p *PostgresStore) ProvidersByState(ctx context.Context, state models.ProviderState) ([]models.Provider, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+providerCols+` FROM providers WHERE state = $1 ORDER BY id`, state)
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

func (p *PostgresStore) UpdateProviderState(ctx context.Context, id string, from, to models.ProviderState) (bool, error) {
	res, err := p.db.ExecContext(ctx,
		`UPDATE providers SET state = $1, updated_at = $2 WHERE id = $3 AND state = $4`,
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
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM providers WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, fmt.Errorf("provider %s: %w", id, models.ErrNotFound)
	}
	return false, nil
}

func (p *PostgresStore) UpdateProviderLocation(ctx context.Context, id string, loc models.Coord) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE providers SET lat = $1, lon = $2, updated_at = $3 WHERE id = $4`,
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

func (p *PostgresStore) UpsertRequester(ctx context.Context, r *models.Requester) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO requesters(id, name, phone, created_at)
		VALUES($1,$2,$3,$4)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, phone = EXCLUDED.phone`,
		r.ID, r.Name, r.Phone, r.CreatedAt)
	return err
}

func (p *PostgresStore) CreateRequest(ctx context.Context, rq *models.Request) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO requests(id, requester_id, category, origin_lat, origin_lon, dest_lat, dest_lon, status, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		rq.ID, rq.RequesterID, rq.Category, rq.Origin.Lat, rq.Origin.Lon,
		rq.Destination.Lat, rq.Destination.Lon, rq.Status, rq.CreatedAt, rq.UpdatedAt)
	switch {
	case isUniqueViolation(err, "requests_one_active_per_requester"):
		return fmt.Errorf("requester %s: %w", rq.RequesterID, models.ErrActiveRequestExists)
	case isUniqueViolation(err, ""):
		return fmt.Errorf("request %s already exists: %w", rq.ID, models.ErrStateConflict)
	case isForeignKeyViolation(err):
		return fmt.Errorf("requester %s: %w", rq.RequesterID, models.ErrNotFound)
	}
	return err
}

const requestCols = `id, requester_id, provider_id, category, origin_lat, origin_lon, dest_lat, dest_lon,
	status, distance_km, rating, created_at, updated_at, assigned_at, started_at, completed_at, cancelled_at`

func scanRequest(row interface{ Scan(...interface{}) error }) (*models.Request, error) {
	var rq models.Request
	var providerID sql.NullString
	var distance sql.NullFloat64
	var rating sql.NullInt64
	var assignedAt, startedAt, completedAt, cancelledAt sql.NullTime
	err := row.Scan(&rq.ID, &rq.RequesterID, &providerID, &rq.Category,
		&rq.Origin.Lat, &rq.Origin.Lon, &rq.Destination.Lat, &rq.Destination.Lon,
		&rq.Status, &distance, &rating, &rq.CreatedAt, &rq.UpdatedAt,
		&assignedAt, &startedAt, &completedAt, &cancelledAt)
	if err != nil {
		return nil, err
	}
	if providerID.Valid {
		rq.ProviderID = providerID.String
	}
	if distance.Valid {
		rq.DistanceKm = &distance.Float64
	}
	if rating.Valid {
		v := int(rating.Int64)
		rq.Rating = &v
	}
	rq.AssignedAt = timePtr(assignedAt)
	rq.StartedAt = timePtr(startedAt)
	rq.CompletedAt = timePtr(completedAt)
	rq.CancelledAt = timePtr(cancelledAt)
	return &rq, nil
}

func (p *PostgresStore) GetRequest(ctx context.Context, id string) (*models.Request, error) {
	return p.getRequest(ctx, p.db, id)
}

func (p *PostgresStore) getRequest(ctx context.Context, q querier, id string) (*models.Request, error) {
	row := q.QueryRowContext(ctx, `SELECT `+requestCols+` FROM requests WHERE id = $1`, id)
	rq, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("request %s: %w", id, models.ErrNotFound)
	}
	return rq, err
}

func (p *PostgresStore) ListRequests(ctx context.Context, f RequestFilter) ([]models.Request, error) {
	q := `SELECT ` + requestCols + ` FROM requests`
	conds := []string{}
	args := []interface{}{}
	if f.Status != "" {
		args = append(args, f.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.RequesterID != "" {
		args = append(args, f.RequesterID)
		conds = append(conds, fmt.Sprintf("requester_id = $%d", len(args)))
	}
	if f.ProviderID != "" {
		args = append(args, f.ProviderID)
		conds = append(conds, fmt.Sprintf("provider_id = $%d", len(args)))
	}
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY created_at DESC, id"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := p.db.QueryContext(ctx, q, args...)
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

func (p *PostgresStore) ApplyTransition(ctx context.Context, t Transition) (*models.Request, error) {
	at := t.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE requests
		SET status = $1,
		    updated_at = $2,
		    provider_id = CASE WHEN $3 <> '' THEN $3 WHEN $4 THEN NULL ELSE provider_id END,
		    distance_km = CASE WHEN $1 = 'requested' THEN NULL WHEN $5::double precision IS NOT NULL THEN $5::double precision ELSE distance_km END,
		    assigned_at = CASE WHEN $1 = 'assigned' THEN $2 WHEN $1 = 'requested' THEN NULL ELSE assigned_at END,
		    started_at = CASE WHEN $1 = 'ongoing' THEN $2 ELSE started_at END,
		    completed_at = CASE WHEN $1 = 'completed' THEN $2 ELSE completed_at END,
		    cancelled_at = CASE WHEN $1 = 'cancelled' THEN $2 ELSE cancelled_at END
		WHERE id = $6 AND status = $7 AND ($8 = '' OR provider_id = $8)`,
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
		err := tx.QueryRowContext(ctx, `SELECT status FROM requests WHERE id = $1`, t.RequestID).Scan(&status)
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
			`UPDATE providers SET state = $1, updated_at = $2 WHERE id = $3 AND state = $4`,
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
			if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM providers WHERE id = $1)`, t.Provider.ProviderID).Scan(&exists); err != nil {
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
		VALUES($1,$2,$3,$4,$5)`,
		t.RequestID, t.FromStatus, t.ToStatus, t.Actor, at); err != nil {
		return nil, err
	}

	rq, err := p.getRequest(ctx, tx, t.RequestID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return rq, nil
}

func (p *PostgresStore) ApplyRating(ctx context.Context, requestID string, stars int, at time.Time) (*models.Request, *models.Provider, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE requests SET rating = $1, updated_at = $2
		WHERE id = $3 AND status = 'completed' AND rating IS NULL`,
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
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM requests WHERE id = $1)`, requestID).Scan(&exists); err != nil {
			return nil, nil, err
		}
		if !exists {
			return nil, nil, fmt.Errorf("request %s: %w", requestID, models.ErrNotFound)
		}
		return nil, nil, fmt.Errorf("request %s not ratable: %w", requestID, models.ErrConcurrencyConflict)
	}

	res, err = tx.ExecContext(ctx, `
		UPDATE providers
		SET rating = (rating * rating_count + $1) / (rating_count + 1),
		    rating_count = rating_count + 1,
		    updated_at = $2
		WHERE id = (SELECT provider_id FROM requests WHERE id = $3)`,
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

	rq, err := p.getRequest(ctx, tx, requestID)
	if err != nil {
		return nil, nil, err
	}
	pr, err := p.getProvider(ctx, tx, rq.ProviderID)
	if err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}
	return rq, pr, nil
}

func (p *PostgresStore) Transitions(ctx context.Context, requestID string) ([]models.RequestTransition, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, request_id, from_status, to_status, actor, at
		FROM request_transitions WHERE request_id = $1 ORDER BY id`, requestID)
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

func (p *PostgresStore) Stats(ctx context.Context) (*models.Stats, error) {
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
	rows, err := p.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM providers GROUP BY state`)
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

	rows, err = p.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM requests GROUP BY status`)
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

	err = p.db.QueryRowContext(ctx, `
		SELECT COUNT(rating), COALESCE(AVG(rating)::double precision, 0)
		FROM requests WHERE rating IS NOT NULL`).Scan(&st.RatedRequests, &st.AverageRating)
	if err != nil {
		return nil, err
	}
	return st, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}

func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	if pqErr.Code != "23505" {
		return false
	}
	return constraint == "" || pqErr.Constraint == constraint
}

func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23503"
}
