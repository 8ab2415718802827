package recipient

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	mssql "github.com/microsoft/go-mssqldb"

	"tenantmigration"
)

// SQLStore is the Store implementation over SQL Server. Fenced writes
// verify the election lease row inside the same transaction as the
// mutation, so a write from a stale term can never land.
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
IF OBJECT_ID('dbo.tenant_migrations', 'U') IS NULL
CREATE TABLE dbo.tenant_migrations (
  migration_id NVARCHAR(64) NOT NULL PRIMARY KEY,
  tenant_id NVARCHAR(256) NOT NULL,
  donor_address NVARCHAR(1024) NOT NULL,
  read_preference NVARCHAR(1024) NOT NULL,
  start_fetching_seconds BIGINT NULL,
  start_fetching_increment BIGINT NULL,
  start_fetching_term BIGINT NULL,
  start_applying_seconds BIGINT NULL,
  start_applying_increment BIGINT NULL,
  start_applying_term BIGINT NULL,
  terminal_status NVARCHAR(64) NULL,
  created_at DATETIME2 NOT NULL,
  updated_at DATETIME2 NOT NULL
)`)
	return err
}

// Insert implements Store.
func (s *SQLStore) Insert(ctx context.Context, fence Fence, doc tenantmigration.StateDocument) (tenantmigration.StateDocument, bool, error) {
	prefJSON, err := json.Marshal(doc.ReadPreference)
	if err != nil {
		return tenantmigration.StateDocument{}, false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return tenantmigration.StateDocument{}, false, err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := s.verifyFence(ctx, tx, fence); err != nil {
		return tenantmigration.StateDocument{}, false, err
	}

	row := tx.QueryRowContext(
		ctx,
		`INSERT INTO dbo.tenant_migrations (
      migration_id, tenant_id, donor_address, read_preference,
      terminal_status, created_at, updated_at
    ) OUTPUT inserted.created_at
    VALUES (@p1, @p2, @p3, @p4, NULL, SYSUTCDATETIME(), SYSUTCDATETIME())`,
		doc.ID.String(),
		doc.TenantID,
		doc.DonorAddress,
		string(prefJSON),
	)
	var createdAt time.Time
	if err := row.Scan(&createdAt); err == nil {
		if err := tx.Commit(); err != nil {
			return tenantmigration.StateDocument{}, false, err
		}
		doc.CreatedAt = normalizeDBTime(createdAt)
		doc.UpdatedAt = doc.CreatedAt
		return doc, true, nil
	} else if !isUniqueViolation(err) {
		return tenantmigration.StateDocument{}, false, err
	}

	// Already durable: the stored copy wins over doc entirely.
	_ = tx.Rollback()
	existing, ok, err := s.Load(ctx, doc.ID)
	if err != nil {
		return tenantmigration.StateDocument{}, false, err
	}
	if !ok {
		return tenantmigration.StateDocument{}, false, errors.New("migration exists but could not be loaded")
	}
	return existing, false, nil
}

// Load implements Store.
func (s *SQLStore) Load(ctx context.Context, id uuid.UUID) (tenantmigration.StateDocument, bool, error) {
	row := s.db.QueryRowContext(ctx, selectDocument+` WHERE migration_id = @p1`, id.String())
	doc, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return tenantmigration.StateDocument{}, false, nil
		}
		return tenantmigration.StateDocument{}, false, err
	}
	return doc, true, nil
}

// List implements Store.
func (s *SQLStore) List(ctx context.Context) ([]tenantmigration.StateDocument, error) {
	return s.queryDocuments(ctx, selectDocument+` ORDER BY created_at DESC, migration_id`)
}

// Pending implements Store.
func (s *SQLStore) Pending(ctx context.Context) ([]tenantmigration.StateDocument, error) {
	return s.queryDocuments(ctx, selectDocument+` WHERE terminal_status IS NULL ORDER BY created_at, migration_id`)
}

// SetStartPositions implements Store. The position columns are write-once:
// the guarded update only touches rows that have no positions yet.
func (s *SQLStore) SetStartPositions(ctx context.Context, fence Fence, id uuid.UUID, fetch, apply tenantmigration.OpTime) error {
	if apply.Before(fetch) {
		return fmt.Errorf("startFetchingPosition %s after startApplyingPosition %s", fetch, apply)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := s.verifyFence(ctx, tx, fence); err != nil {
		return err
	}

	result, err := tx.ExecContext(
		ctx,
		`UPDATE dbo.tenant_migrations
     SET start_fetching_seconds = @p1,
         start_fetching_increment = @p2,
         start_fetching_term = @p3,
         start_applying_seconds = @p4,
         start_applying_increment = @p5,
         start_applying_term = @p6,
         updated_at = SYSUTCDATETIME()
     WHERE migration_id = @p7
       AND start_fetching_seconds IS NULL
       AND terminal_status IS NULL`,
		int64(fetch.Seconds),
		int64(fetch.Increment),
		fetch.Term,
		int64(apply.Seconds),
		int64(apply.Increment),
		apply.Term,
		id.String(),
	)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("start positions for migration %s already recorded or document missing", id)
	}
	return tx.Commit()
}

// SetTerminalStatus implements Store. Only the first write for a key
// applies.
func (s *SQLStore) SetTerminalStatus(ctx context.Context, fence Fence, id uuid.UUID, status string) (bool, error) {
	if status == "" {
		return false, errors.New("terminal status is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := s.verifyFence(ctx, tx, fence); err != nil {
		return false, err
	}

	result, err := tx.ExecContext(
		ctx,
		`UPDATE dbo.tenant_migrations
     SET terminal_status = @p1,
         updated_at = SYSUTCDATETIME()
     WHERE migration_id = @p2 AND terminal_status IS NULL`,
		status,
		id.String(),
	)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return affected > 0, nil
}

// Delete implements Store. Resumable documents are never deleted.
func (s *SQLStore) Delete(ctx context.Context, id uuid.UUID) (bool, error) {
	result, err := s.db.ExecContext(
		ctx,
		`DELETE FROM dbo.tenant_migrations
     WHERE migration_id = @p1 AND terminal_status IS NOT NULL`,
		id.String(),
	)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// verifyFence checks the election lease row still carries the fence's term.
// A missing or advanced lease means a newer primary has taken over.
func (s *SQLStore) verifyFence(ctx context.Context, tx *sql.Tx, fence Fence) error {
	row := tx.QueryRowContext(
		ctx,
		`SELECT lease_epoch FROM dbo.tenant_migration_leases
     WHERE lease_name = @p1 AND lease_epoch = @p2 AND expires_at > SYSUTCDATETIME()`,
		fence.LeaseName,
		fence.Term,
	)
	var epoch int64
	if err := row.Scan(&epoch); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &tenantmigration.PrimaryLostError{Term: fence.Term}
		}
		return err
	}
	return nil
}

const selectDocument = `SELECT migration_id, tenant_id, donor_address, read_preference,
      start_fetching_seconds, start_fetching_increment, start_fetching_term,
      start_applying_seconds, start_applying_increment, start_applying_term,
      terminal_status, created_at, updated_at
    FROM dbo.tenant_migrations`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (tenantmigration.StateDocument, error) {
	var (
		id             string
		tenantID       string
		donorAddress   string
		prefJSON       string
		fetchSeconds   sql.NullInt64
		fetchIncrement sql.NullInt64
		fetchTerm      sql.NullInt64
		applySeconds   sql.NullInt64
		applyIncrement sql.NullInt64
		applyTerm      sql.NullInt64
		terminalStatus sql.NullString
		createdAt      time.Time
		updatedAt      time.Time
	)
	if err := row.Scan(
		&id, &tenantID, &donorAddress, &prefJSON,
		&fetchSeconds, &fetchIncrement, &fetchTerm,
		&applySeconds, &applyIncrement, &applyTerm,
		&terminalStatus, &createdAt, &updatedAt,
	); err != nil {
		return tenantmigration.StateDocument{}, err
	}

	parsedID, err := uuid.Parse(id)
	if err != nil {
		return tenantmigration.StateDocument{}, fmt.Errorf("parse migration id %q: %w", id, err)
	}
	var pref tenantmigration.ReadPreference
	if err := json.Unmarshal([]byte(prefJSON), &pref); err != nil {
		return tenantmigration.StateDocument{}, fmt.Errorf("parse read preference for %s: %w", id, err)
	}

	doc := tenantmigration.StateDocument{
		ID:             parsedID,
		TenantID:       tenantID,
		DonorAddress:   donorAddress,
		ReadPreference: pref,
		TerminalStatus: terminalStatus.String,
		CreatedAt:      normalizeDBTime(createdAt),
		UpdatedAt:      normalizeDBTime(updatedAt),
	}
	if fetchSeconds.Valid {
		fetch := tenantmigration.NewOpTime(uint32(fetchSeconds.Int64), uint32(fetchIncrement.Int64), fetchTerm.Int64)
		apply := tenantmigration.NewOpTime(uint32(applySeconds.Int64), uint32(applyIncrement.Int64), applyTerm.Int64)
		doc.StartFetchingPosition = &fetch
		doc.StartApplyingPosition = &apply
	}
	return doc, nil
}

func (s *SQLStore) queryDocuments(ctx context.Context, query string) ([]tenantmigration.StateDocument, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []tenantmigration.StateDocument
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return docs, nil
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
