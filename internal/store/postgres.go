package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrVersionConflict reports that a snapshot raced another writer to the same
// version number. Callers recompute the next number and retry.
var ErrVersionConflict = errors.New("store: snapshot version already taken")

const pgUniqueViolation = "23505"

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) InsertContract(ctx context.Context, contract Contract) error {
	status := contract.Status
	if status == "" {
		status = StatusDraft
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contracts (id, title, status, latest_version_number, owner_id)
		VALUES ($1, $2, $3, 0, $4)
	`, contract.ID, contract.Title, status, contract.Owner)
	if err != nil {
		return fmt.Errorf("insert contract: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetContract(ctx context.Context, contractID string) (Contract, error) {
	var item Contract
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, status, latest_version_number, owner_id, archived_at, created_at, updated_at
		FROM contracts
		WHERE id=$1
	`, contractID).Scan(
		&item.ID,
		&item.Title,
		&item.Status,
		&item.LatestVersionNumber,
		&item.Owner,
		&item.ArchivedAt,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return Contract{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListContracts(ctx context.Context, includeArchived bool) ([]Contract, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, status, latest_version_number, owner_id, archived_at, created_at, updated_at
		FROM contracts
		WHERE ($1::boolean OR archived_at IS NULL)
		ORDER BY updated_at DESC
	`, includeArchived)
	if err != nil {
		return nil, fmt.Errorf("list contracts: %w", err)
	}
	defer rows.Close()

	items := make([]Contract, 0)
	for rows.Next() {
		var item Contract
		if err := rows.Scan(
			&item.ID,
			&item.Title,
			&item.Status,
			&item.LatestVersionNumber,
			&item.Owner,
			&item.ArchivedAt,
			&item.CreatedAt,
			&item.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan contract: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate contracts: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateContractStatus(ctx context.Context, contractID, status string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE contracts SET status=$2, updated_at=NOW() WHERE id=$1
	`, contractID, status)
	if err != nil {
		return fmt.Errorf("update contract status: %w", err)
	}
	return nil
}

func (s *PostgresStore) ArchiveContract(ctx context.Context, contractID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE contracts SET archived_at=NOW(), updated_at=NOW()
		WHERE id=$1 AND archived_at IS NULL
	`, contractID)
	if err != nil {
		return fmt.Errorf("archive contract: %w", err)
	}
	return nil
}

// InsertSnapshot writes one immutable ledger row and bumps the contract's
// latest-version pointer in the same transaction. A duplicate
// (contract_id, version_number) surfaces as ErrVersionConflict so the caller
// can retry with a fresh number.
func (s *PostgresStore) InsertSnapshot(ctx context.Context, snapshot Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO snapshots (id, contract_id, version_number, content_structured, content_text, raw_state, created_by)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7)
	`, snapshot.ID, snapshot.ContractID, snapshot.VersionNumber, string(snapshot.ContentStructured), snapshot.ContentText, snapshot.RawState, snapshot.CreatedBy)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrVersionConflict
		}
		return fmt.Errorf("insert snapshot: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE contracts
		SET latest_version_number = GREATEST(latest_version_number, $2), updated_at = NOW()
		WHERE id = $1
	`, snapshot.ContractID, snapshot.VersionNumber); err != nil {
		return fmt.Errorf("bump latest version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) LatestVersionNumber(ctx context.Context, contractID string) (int, error) {
	var latest int
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version_number), 0) FROM snapshots WHERE contract_id=$1
	`, contractID).Scan(&latest)
	if err != nil {
		return 0, fmt.Errorf("latest version number: %w", err)
	}
	return latest, nil
}

// ListSnapshots returns ledger rows newest-first. Raw CRDT state is omitted
// from listings; fetch a single version to resume from it.
func (s *PostgresStore) ListSnapshots(ctx context.Context, contractID string, limit, offset int) ([]Snapshot, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, contract_id, version_number, content_structured, content_text, created_by, created_at
		FROM snapshots
		WHERE contract_id=$1
		ORDER BY version_number DESC
		LIMIT $2 OFFSET $3
	`, contractID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	items := make([]Snapshot, 0)
	for rows.Next() {
		var item Snapshot
		var structured []byte
		if err := rows.Scan(
			&item.ID,
			&item.ContractID,
			&item.VersionNumber,
			&structured,
			&item.ContentText,
			&item.CreatedBy,
			&item.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		item.ContentStructured = structured
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) CountSnapshots(ctx context.Context, contractID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM snapshots WHERE contract_id=$1`, contractID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count snapshots: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) GetSnapshot(ctx context.Context, contractID string, versionNumber int) (Snapshot, error) {
	return s.getSnapshot(ctx, `
		SELECT id, contract_id, version_number, content_structured, content_text, raw_state, created_by, created_at
		FROM snapshots
		WHERE contract_id=$1 AND version_number=$2
	`, contractID, versionNumber)
}

func (s *PostgresStore) GetSnapshotByID(ctx context.Context, snapshotID string) (Snapshot, error) {
	return s.getSnapshot(ctx, `
		SELECT id, contract_id, version_number, content_structured, content_text, raw_state, created_by, created_at
		FROM snapshots
		WHERE id=$1
	`, snapshotID)
}

func (s *PostgresStore) getSnapshot(ctx context.Context, query string, args ...any) (Snapshot, error) {
	var item Snapshot
	var structured []byte
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&item.ID,
		&item.ContractID,
		&item.VersionNumber,
		&structured,
		&item.ContentText,
		&item.RawState,
		&item.CreatedBy,
		&item.CreatedAt,
	)
	if err != nil {
		return Snapshot{}, err
	}
	item.ContentStructured = structured
	return item, nil
}

func (s *PostgresStore) InsertApprovals(ctx context.Context, approvals []Approval) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin approvals tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, approval := range approvals {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO approvals (id, contract_id, version_id, approver_id, status, comment)
			VALUES ($1, $2, $3, $4, 'pending', '')
		`, approval.ID, approval.ContractID, approval.VersionID, approval.ApproverID); err != nil {
			return fmt.Errorf("insert approval: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit approvals tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetApproval(ctx context.Context, approvalID string) (Approval, error) {
	var item Approval
	err := s.db.QueryRowContext(ctx, `
		SELECT id, contract_id, version_id, approver_id, status, comment, created_at, decided_at
		FROM approvals
		WHERE id=$1
	`, approvalID).Scan(
		&item.ID,
		&item.ContractID,
		&item.VersionID,
		&item.ApproverID,
		&item.Status,
		&item.Comment,
		&item.CreatedAt,
		&item.DecidedAt,
	)
	if err != nil {
		return Approval{}, err
	}
	return item, nil
}

// DecideApproval flips a pending approval to its terminal status. The WHERE
// clause is the compare-and-swap: a false return means another decision got
// there first.
func (s *PostgresStore) DecideApproval(ctx context.Context, approvalID, status, comment string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE approvals
		SET status=$2, comment=$3, decided_at=NOW()
		WHERE id=$1 AND status='pending'
	`, approvalID, status, comment)
	if err != nil {
		return false, fmt.Errorf("decide approval: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("decide approval rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) ListApprovals(ctx context.Context, contractID string) ([]Approval, error) {
	return s.listApprovals(ctx, `
		SELECT id, contract_id, version_id, approver_id, status, comment, created_at, decided_at
		FROM approvals
		WHERE contract_id=$1
		ORDER BY created_at ASC, id ASC
	`, contractID)
}

func (s *PostgresStore) ListApprovalsForVersion(ctx context.Context, versionID string) ([]Approval, error) {
	return s.listApprovals(ctx, `
		SELECT id, contract_id, version_id, approver_id, status, comment, created_at, decided_at
		FROM approvals
		WHERE version_id=$1
		ORDER BY created_at ASC, id ASC
	`, versionID)
}

func (s *PostgresStore) listApprovals(ctx context.Context, query string, args ...any) ([]Approval, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()

	items := make([]Approval, 0)
	for rows.Next() {
		var item Approval
		if err := rows.Scan(
			&item.ID,
			&item.ContractID,
			&item.VersionID,
			&item.ApproverID,
			&item.Status,
			&item.Comment,
			&item.CreatedAt,
			&item.DecidedAt,
		); err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate approvals: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) PendingApprovalCountForVersion(ctx context.Context, versionID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM approvals WHERE version_id=$1 AND status='pending'
	`, versionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count pending approvals: %w", err)
	}
	return count, nil
}

// GetDocState loads the live replica state for a contract's document. It
// returns nil when the document has never been saved.
func (s *PostgresStore) GetDocState(ctx context.Context, contractID string) ([]byte, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT raw_state FROM doc_states WHERE contract_id=$1
	`, contractID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get doc state: %w", err)
	}
	return raw, nil
}

func (s *PostgresStore) UpsertDocState(ctx context.Context, contractID string, raw []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO doc_states (contract_id, raw_state, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (contract_id) DO UPDATE SET raw_state=EXCLUDED.raw_state, updated_at=NOW()
	`, contractID, raw)
	if err != nil {
		return fmt.Errorf("upsert doc state: %w", err)
	}
	return nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
