package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"redline/api/internal/util"
)

// TestSnapshotImmutabilityBlocksUpdate verifies that UPDATE operations on
// snapshots are blocked by the database trigger with a hard failure.
func TestSnapshotImmutabilityBlocksUpdate(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	db := openTestDB(ctx, t)
	defer db.Close()

	s := NewPostgresStore(db)
	contractID := seedContract(ctx, t, s)
	snapshotID := util.NewID("snap_")
	mustInsertSnapshot(ctx, t, s, Snapshot{
		ID:                snapshotID,
		ContractID:        contractID,
		VersionNumber:     1,
		ContentStructured: []byte(`{"type":"doc","content":[]}`),
		ContentText:       "initial terms",
		RawState:          []byte(`{}`),
		CreatedBy:         "user-test",
	})

	_, err := db.ExecContext(ctx, `
		UPDATE snapshots SET content_text = 'rewritten terms' WHERE id = $1
	`, snapshotID)
	if err == nil {
		t.Fatal("expected UPDATE to be blocked, but it succeeded")
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		t.Fatalf("expected PostgreSQL error, got: %v", err)
	}
	if pgErr.SQLState() != "P0001" {
		t.Fatalf("expected SQLSTATE P0001 (raise_exception), got: %s", pgErr.SQLState())
	}
}

// TestSnapshotImmutabilityBlocksDelete verifies that DELETE operations on
// snapshots are blocked by the database trigger with a hard failure.
func TestSnapshotImmutabilityBlocksDelete(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	db := openTestDB(ctx, t)
	defer db.Close()

	s := NewPostgresStore(db)
	contractID := seedContract(ctx, t, s)
	snapshotID := util.NewID("snap_")
	mustInsertSnapshot(ctx, t, s, Snapshot{
		ID:                snapshotID,
		ContractID:        contractID,
		VersionNumber:     1,
		ContentStructured: []byte(`{"type":"doc","content":[]}`),
		ContentText:       "initial terms",
		RawState:          []byte(`{}`),
		CreatedBy:         "user-test",
	})

	_, err := db.ExecContext(ctx, `DELETE FROM snapshots WHERE id = $1`, snapshotID)
	if err == nil {
		t.Fatal("expected DELETE to be blocked, but it succeeded")
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		t.Fatalf("expected PostgreSQL error, got: %v", err)
	}
	if pgErr.SQLState() != "P0001" {
		t.Fatalf("expected SQLSTATE P0001 (raise_exception), got: %s", pgErr.SQLState())
	}
}

// TestInsertSnapshotVersionConflict verifies that two writers claiming the
// same version number produce ErrVersionConflict rather than an opaque error.
func TestInsertSnapshotVersionConflict(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	db := openTestDB(ctx, t)
	defer db.Close()

	s := NewPostgresStore(db)
	contractID := seedContract(ctx, t, s)
	mustInsertSnapshot(ctx, t, s, Snapshot{
		ID:                util.NewID("snap_"),
		ContractID:        contractID,
		VersionNumber:     1,
		ContentStructured: []byte(`{"type":"doc","content":[]}`),
		ContentText:       "first",
		RawState:          []byte(`{}`),
		CreatedBy:         "user-a",
	})

	err := s.InsertSnapshot(ctx, Snapshot{
		ID:                util.NewID("snap_"),
		ContractID:        contractID,
		VersionNumber:     1,
		ContentStructured: []byte(`{"type":"doc","content":[]}`),
		ContentText:       "second",
		RawState:          []byte(`{}`),
		CreatedBy:         "user-b",
	})
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got: %v", err)
	}

	latest, err := s.LatestVersionNumber(ctx, contractID)
	if err != nil {
		t.Fatalf("latest version number: %v", err)
	}
	if latest != 1 {
		t.Fatalf("expected latest version 1, got %d", latest)
	}
}

// TestDecideApprovalIsSingleShot verifies the compare-and-swap: the first
// decision wins and any later decision reports false without overwriting.
func TestDecideApprovalIsSingleShot(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	db := openTestDB(ctx, t)
	defer db.Close()

	s := NewPostgresStore(db)
	contractID := seedContract(ctx, t, s)
	snapshotID := util.NewID("snap_")
	mustInsertSnapshot(ctx, t, s, Snapshot{
		ID:                snapshotID,
		ContractID:        contractID,
		VersionNumber:     1,
		ContentStructured: []byte(`{"type":"doc","content":[]}`),
		ContentText:       "terms",
		RawState:          []byte(`{}`),
		CreatedBy:         "user-test",
	})

	approvalID := util.NewID("apr_")
	err := s.InsertApprovals(ctx, []Approval{{
		ID:         approvalID,
		ContractID: contractID,
		VersionID:  snapshotID,
		ApproverID: "reviewer-1",
	}})
	if err != nil {
		t.Fatalf("insert approvals: %v", err)
	}

	won, err := s.DecideApproval(ctx, approvalID, ApprovalApproved, "looks good")
	if err != nil {
		t.Fatalf("first decide: %v", err)
	}
	if !won {
		t.Fatal("first decision should win")
	}

	won, err = s.DecideApproval(ctx, approvalID, ApprovalRejected, "changed my mind")
	if err != nil {
		t.Fatalf("second decide: %v", err)
	}
	if won {
		t.Fatal("second decision should lose the compare-and-swap")
	}

	got, err := s.GetApproval(ctx, approvalID)
	if err != nil {
		t.Fatalf("get approval: %v", err)
	}
	if got.Status != ApprovalApproved {
		t.Fatalf("expected status %q to survive, got %q", ApprovalApproved, got.Status)
	}
	if got.Comment != "looks good" {
		t.Fatalf("expected original comment to survive, got %q", got.Comment)
	}
	if got.DecidedAt == nil {
		t.Fatal("expected decided_at to be set")
	}
}

func openTestDB(ctx context.Context, t *testing.T) *sql.DB {
	t.Helper()

	db, err := Open(ctx, getTestDatabaseURL(t))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	if err := ApplyMigrations(ctx, db, "../../db/migrations"); err != nil {
		db.Close()
		t.Fatalf("apply migrations: %v", err)
	}
	return db
}

// seedContract inserts a contract with a fresh id so tests do not collide.
func seedContract(ctx context.Context, t *testing.T, s *PostgresStore) string {
	t.Helper()

	contractID := util.NewID("ctr_")
	err := s.InsertContract(ctx, Contract{
		ID:    contractID,
		Title: "Test Agreement",
		Owner: "user-test",
	})
	if err != nil {
		t.Fatalf("insert contract: %v", err)
	}
	return contractID
}

func mustInsertSnapshot(ctx context.Context, t *testing.T, s *PostgresStore, snapshot Snapshot) {
	t.Helper()
	if err := s.InsertSnapshot(ctx, snapshot); err != nil {
		t.Fatalf("insert snapshot: %v", err)
	}
}

// getTestDatabaseURL returns the database URL for testing. It checks the
// TEST_DATABASE_URL environment variable first, then falls back to the
// standard Postgres environment variables.
func getTestDatabaseURL(t *testing.T) string {
	t.Helper()

	if url := testenv("TEST_DATABASE_URL", ""); url != "" {
		return url
	}

	host := testenv("POSTGRES_HOST", "localhost")
	port := testenv("POSTGRES_PORT", "5432")
	user := testenv("POSTGRES_USER", "redline")
	pass := testenv("POSTGRES_PASSWORD", "redline")
	dbname := testenv("POSTGRES_DB", "redline_test")

	return "postgres://" + user + ":" + pass + "@" + host + ":" + port + "/" + dbname + "?sslmode=disable"
}

func testenv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
