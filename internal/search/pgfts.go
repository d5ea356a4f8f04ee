package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
// It searches contract titles and the plain text of saved versions.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search executes a UNION ALL query across contracts and snapshots using
// plainto_tsquery and ts_rank, with ts_headline for snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	argN := 2

	var subQueries []string

	if q.FilterType == "" || q.FilterType == ResultContract {
		contractWhere := "to_tsvector('english', c.title) @@ " + tsQuery
		contractWhere += " AND c.archived_at IS NULL"
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'contract'::text AS type, c.id, c.title,
				''::text AS snippet,
				c.id AS contract_id, 0 AS version_number,
				ts_rank(to_tsvector('english', c.title), %s) AS rank
			FROM contracts c
			WHERE %s`, tsQuery, contractWhere))
	}

	if q.FilterType == "" || q.FilterType == ResultVersion {
		versionWhere := "to_tsvector('english', s.content_text) @@ " + tsQuery
		if q.FilterContractID != "" {
			versionWhere += fmt.Sprintf(" AND s.contract_id = $%d", argN)
			args = append(args, q.FilterContractID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'version'::text AS type, s.id,
				'Version ' || s.version_number AS title,
				ts_headline('english', s.content_text, %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				s.contract_id, s.version_number,
				ts_rank(to_tsvector('english', s.content_text), %s) AS rank
			FROM snapshots s
			WHERE %s`, tsQuery, tsQuery, versionWhere))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	union := strings.Join(subQueries, " UNION ALL ")

	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub", union)
	var total int
	if err := p.db.QueryRowContext(context.Background(), countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, contract_id, version_number
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`, union, limit, offset)

	rows, err := p.db.QueryContext(context.Background(), dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var rtyp string
		if err := rows.Scan(&rtyp, &r.ID, &r.Title, &r.Snippet, &r.ContractID, &r.VersionNumber); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(rtyp)
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("pgfts iterate: %w", err)
	}

	return results, total, nil
}

// LoadAllRecords reads every contract and version for a bulk reindex into
// Meilisearch after it recovers or starts empty.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]ContractRecord, []VersionRecord, error) {
	contractRows, err := p.db.QueryContext(ctx, `
		SELECT id, title, status, owner_id FROM contracts WHERE archived_at IS NULL
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load contracts: %w", err)
	}
	defer contractRows.Close()

	var contracts []ContractRecord
	for contractRows.Next() {
		var c ContractRecord
		if err := contractRows.Scan(&c.ID, &c.Title, &c.Status, &c.Owner); err != nil {
			return nil, nil, fmt.Errorf("scan contract record: %w", err)
		}
		contracts = append(contracts, c)
	}
	if err := contractRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate contract records: %w", err)
	}

	versionRows, err := p.db.QueryContext(ctx, `
		SELECT id, contract_id, version_number, content_text, created_by FROM snapshots
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load versions: %w", err)
	}
	defer versionRows.Close()

	var versions []VersionRecord
	for versionRows.Next() {
		var v VersionRecord
		if err := versionRows.Scan(&v.ID, &v.ContractID, &v.VersionNumber, &v.Text, &v.CreatedBy); err != nil {
			return nil, nil, fmt.Errorf("scan version record: %w", err)
		}
		versions = append(versions, v)
	}
	if err := versionRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate version records: %w", err)
	}

	return contracts, versions, nil
}
