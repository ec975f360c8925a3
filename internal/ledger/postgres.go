package ledger

import (
	"context"
	"database/sql"
	"errors"

	_ "github.com/lib/pq"

	"github.com/example/ride-escrow/internal/models"
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
	return &PostgresStore{db: db}, nil
}

// DB exposes the underlying handle for migrations.
func (p *PostgresStore) DB() *sql.DB { return p.db }

const rideColumns = `id, rider_id, driver_id, pickup_lat, pickup_lon, pickup_address,
	dest_lat, dest_lon, dest_address, fee_cents, currency, payment_ref, capture_id,
	status, version, created_at, accepted_at, completed_at, canceled_at`

func (p *PostgresStore) Insert(ctx context.Context, r *models.RideRequest) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO ride_requests(`+rideColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		r.ID, r.RiderID, r.DriverID,
		r.Pickup.Lat, r.Pickup.Lon, r.Pickup.Address,
		r.Destination.Lat, r.Destination.Lon, r.Destination.Address,
		r.FeeCents, r.Currency, r.PaymentRef, r.CaptureID,
		r.Status, r.Version, r.CreatedAt, r.AcceptedAt, r.CompletedAt, r.CanceledAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*models.RideRequest, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM ride_requests WHERE id=$1`, id)
	return scanRide(row)
}

func (p *PostgresStore) GetByPaymentRef(ctx context.Context, ref string) (*models.RideRequest, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM ride_requests WHERE payment_ref=$1`, ref)
	return scanRide(row)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status models.Status, limit int) ([]*models.RideRequest, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `SELECT `+rideColumns+` FROM ride_requests
		WHERE status=$1 ORDER BY created_at ASC LIMIT $2`, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.RideRequest
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CompareAndSwap commits the mutation only if (version, status) still match.
// The conditional UPDATE is the single serialization point for a record; a
// zero-row result means someone else advanced the version first.
func (p *PostgresStore) CompareAndSwap(ctx context.Context, id string, expectedVersion int64, expectedStatus models.Status, mut Mutation) (*models.RideRequest, error) {
	row := p.db.QueryRowContext(ctx, `UPDATE ride_requests SET
			status=$4,
			version=version+1,
			driver_id=CASE WHEN $5<>'' THEN $5 ELSE driver_id END,
			capture_id=CASE WHEN $6<>'' THEN $6 ELSE capture_id END,
			accepted_at=COALESCE($7, accepted_at),
			completed_at=COALESCE($8, completed_at),
			canceled_at=COALESCE($9, canceled_at)
		WHERE id=$1 AND version=$2 AND status=$3
		RETURNING `+rideColumns,
		id, expectedVersion, expectedStatus,
		mut.Status, mut.DriverID, mut.CaptureID,
		mut.AcceptedAt, mut.CompletedAt, mut.CanceledAt)

	r, err := scanRide(row)
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	// No row matched: distinguish a lost race from a missing record.
	current, gerr := p.Get(ctx, id)
	if gerr != nil {
		return nil, gerr
	}
	return nil, &ConflictError{Current: current}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRide(row rowScanner) (*models.RideRequest, error) {
	var (
		r          models.RideRequest
		driverID   sql.NullString
		captureID  sql.NullString
		acceptedAt sql.NullTime
		completed  sql.NullTime
		canceledAt sql.NullTime
	)
	err := row.Scan(&r.ID, &r.RiderID, &driverID,
		&r.Pickup.Lat, &r.Pickup.Lon, &r.Pickup.Address,
		&r.Destination.Lat, &r.Destination.Lon, &r.Destination.Address,
		&r.FeeCents, &r.Currency, &r.PaymentRef, &captureID,
		&r.Status, &r.Version, &r.CreatedAt, &acceptedAt, &completed, &canceledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.DriverID = driverID.String
	r.CaptureID = captureID.String
	if acceptedAt.Valid {
		t := acceptedAt.Time
		r.AcceptedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		r.CompletedAt = &t
	}
	if canceledAt.Valid {
		t := canceledAt.Time
		r.CanceledAt = &t
	}
	return &r, nil
}
