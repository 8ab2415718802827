package election

import (
	"context"
	"database/sql"
	"errors"
	"time"

	mssql "github.com/microsoft/go-mssqldb"
)

// SQLStore keeps the lease in SQL Server. The epoch column only ever
// increments, which is what makes it usable as a fencing token: the
// migration store checks this same row inside its own transactions.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore wraps an open database handle.
func NewSQLStore(db *sql.DB) (*SQLStore, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	return &SQLStore{db: db}, nil
}

// EnsureSchema implements Store.
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
IF OBJECT_ID('dbo.tenant_migration_leases', 'U') IS NULL
CREATE TABLE dbo.tenant_migration_leases (
  lease_name NVARCHAR(128) NOT NULL PRIMARY KEY,
  holder_id NVARCHAR(128) NOT NULL,
  lease_epoch BIGINT NOT NULL,
  acquired_at DATETIME2 NOT NULL,
  renewed_at DATETIME2 NOT NULL,
  expires_at DATETIME2 NOT NULL
)`)
	return err
}

// Acquire implements Store. The update path takes over an expired lease and
// bumps the epoch; the insert path creates the row on first contact. A
// unique violation on insert means another holder won the race.
func (s *SQLStore) Acquire(ctx context.Context, name, holder string, duration time.Duration) (Lease, bool, error) {
	if name == "" || holder == "" {
		return Lease{}, false, errors.New("lease name and holder id are required")
	}
	durationMs := duration.Milliseconds()

	row := s.db.QueryRowContext(
		ctx,
		`UPDATE dbo.tenant_migration_leases
     SET holder_id = @p1,
         lease_epoch = lease_epoch + 1,
         acquired_at = SYSUTCDATETIME(),
         renewed_at = SYSUTCDATETIME(),
         expires_at = DATEADD(MILLISECOND, @p2, SYSUTCDATETIME())
     OUTPUT inserted.lease_epoch, inserted.expires_at
     WHERE lease_name = @p3 AND expires_at <= SYSUTCDATETIME()`,
		holder,
		durationMs,
		name,
	)
	var epoch int64
	var expiresAt time.Time
	if err := row.Scan(&epoch, &expiresAt); err == nil {
		return Lease{HolderID: holder, Epoch: epoch, ExpiresAt: normalizeDBTime(expiresAt)}, true, nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return Lease{}, false, err
	}

	row = s.db.QueryRowContext(
		ctx,
		`INSERT INTO dbo.tenant_migration_leases (
      lease_name, holder_id, lease_epoch, acquired_at, renewed_at, expires_at
    ) OUTPUT inserted.lease_epoch, inserted.expires_at
    VALUES (
      @p1, @p2, 1, SYSUTCDATETIME(), SYSUTCDATETIME(), DATEADD(MILLISECOND, @p3, SYSUTCDATETIME())
    )`,
		name,
		holder,
		durationMs,
	)
	if err := row.Scan(&epoch, &expiresAt); err != nil {
		if isUniqueViolation(err) {
			return Lease{}, false, nil
		}
		return Lease{}, false, err
	}
	return Lease{HolderID: holder, Epoch: epoch, ExpiresAt: normalizeDBTime(expiresAt)}, true, nil
}

// Renew implements Store.
func (s *SQLStore) Renew(ctx context.Context, name, holder string, epoch int64, duration time.Duration) (Lease, bool, error) {
	if name == "" || holder == "" {
		return Lease{}, false, errors.New("lease name and holder id are required")
	}
	durationMs := duration.Milliseconds()

	row := s.db.QueryRowContext(
		ctx,
		`UPDATE dbo.tenant_migration_leases
     SET renewed_at = SYSUTCDATETIME(),
         expires_at = DATEADD(MILLISECOND, @p1, SYSUTCDATETIME())
     OUTPUT inserted.lease_epoch, inserted.expires_at
     WHERE lease_name = @p2
       AND holder_id = @p3
       AND lease_epoch = @p4
       AND expires_at > SYSUTCDATETIME()`,
		durationMs,
		name,
		holder,
		epoch,
	)
	var newEpoch int64
	var expiresAt time.Time
	if err := row.Scan(&newEpoch, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Lease{}, false, nil
		}
		return Lease{}, false, err
	}
	return Lease{HolderID: holder, Epoch: newEpoch, ExpiresAt: normalizeDBTime(expiresAt)}, true, nil
}

// Read implements Store.
func (s *SQLStore) Read(ctx context.Context, name string) (Lease, bool, error) {
	if name == "" {
		return Lease{}, false, errors.New("lease name is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT holder_id, lease_epoch, expires_at
     FROM dbo.tenant_migration_leases
     WHERE lease_name = @p1`,
		name,
	)
	var holder string
	var epoch int64
	var expiresAt time.Time
	if err := row.Scan(&holder, &epoch, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Lease{}, false, nil
		}
		return Lease{}, false, err
	}
	return Lease{HolderID: holder, Epoch: epoch, ExpiresAt: normalizeDBTime(expiresAt)}, true, nil
}

func normalizeDBTime(value time.Time) time.Time {
	return time.Date(
		value.Year(),
		value.Month(),
		value.Day(),
		value.Hour(),
		value.Minute(),
		value.Second(),
		value.Nanosecond(),
		time.UTC,
	)
}

func isUniqueViolation(err error) bool {
	var mssqlErr mssql.Error
	if !errors.As(err, &mssqlErr) {
		return false
	}
	return mssqlErr.Number == 2627 || mssqlErr.Number == 2601
}
