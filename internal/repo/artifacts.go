package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"storyline/internal/domain"
	"storyline/internal/registry"
)

// stored resolves kinds that share another kind's table to the owning entry.
func stored(e registry.Entry) registry.Entry {
	if e.InPlace {
		return registry.MustLookup(domain.KindTestCase)
	}
	return e
}

func artifactColumns(e registry.Entry) string {
	cols := `id,` + e.LineageColumn + `,title,content_json,version,is_active,prompt_tokens,completion_tokens,feedback,summary,work_item_id,parent_board_id,request_id,created_at,updated_at`
	if e.SubRecords {
		cols += `,script`
	}
	return cols
}

func scanArtifact(e registry.Entry, scan func(dest ...any) error) (domain.Artifact, error) {
	var (
		a                                  domain.Artifact
		content                            string
		active                             int
		feedback, summary, workItem, board sql.NullString
		script                             sql.NullString
	)
	dest := []any{&a.ID, &a.Parent, &a.Title, &content, &a.Version, &active, &a.PromptTokens, &a.CompletionTokens,
		&feedback, &summary, &workItem, &board, &a.RequestID, &a.CreatedAt, &a.UpdatedAt}
	if e.SubRecords {
		dest = append(dest, &script)
	}
	if err := scan(dest...); err != nil {
		return domain.Artifact{}, err
	}
	a.Kind = e.Kind
	a.Content = json.RawMessage(content)
	a.Active = active == 1
	a.Feedback = stringPtr(feedback)
	a.Summary = stringPtr(summary)
	a.WorkItemID = stringPtr(workItem)
	a.ParentBoardID = stringPtr(board)
	a.Script = stringPtr(script)
	return a, nil
}

// InsertArtifact writes a new row for e's kind and sets a.ID.
func (r Repo) InsertArtifact(ctx context.Context, tx *sql.Tx, e registry.Entry, a *domain.Artifact) error {
	e = stored(e)
	query := fmt.Sprintf(`INSERT INTO %s(%s,title,content_json,version,is_active,prompt_tokens,completion_tokens,feedback,summary,work_item_id,parent_board_id,request_id,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`, e.Table, e.LineageColumn)
	res, err := r.q(tx).ExecContext(ctx, query,
		a.Parent, a.Title, string(a.Content), a.Version, boolInt(a.Active), a.PromptTokens, a.CompletionTokens,
		nullableStringPtr(a.Feedback), nullableStringPtr(a.Summary), nullableStringPtr(a.WorkItemID), nullableStringPtr(a.ParentBoardID),
		a.RequestID, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return classify("insert "+string(e.Kind), err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	a.ID = id
	a.Kind = e.Kind
	return nil
}

// ArtifactUpdate is the in-place overwrite applied by reprocessing. Token
// counts are added to the stored totals.
type ArtifactUpdate struct {
	ID               int64
	Title            string
	Content          json.RawMessage
	Summary          *string
	Version          int
	PromptTokens     int
	CompletionTokens int
	RequestID        string
	WorkItemID       *string
	ParentBoardID    *string
	At               string
}

func (r Repo) UpdateArtifact(ctx context.Context, tx *sql.Tx, e registry.Entry, u ArtifactUpdate) error {
	e = stored(e)
	query := fmt.Sprintf(`UPDATE %s SET title=?, content_json=?, summary=COALESCE(?,summary), version=?, is_active=1,
prompt_tokens=prompt_tokens+?, completion_tokens=completion_tokens+?, request_id=?,
work_item_id=COALESCE(?,work_item_id), parent_board_id=COALESCE(?,parent_board_id), updated_at=? WHERE id=?`, e.Table)
	res, err := r.q(tx).ExecContext(ctx, query, u.Title, string(u.Content), nullableStringPtr(u.Summary), u.Version,
		u.PromptTokens, u.CompletionTokens, u.RequestID, nullableStringPtr(u.WorkItemID), nullableStringPtr(u.ParentBoardID), u.At, u.ID)
	if err != nil {
		return classify("update "+string(e.Kind), err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateScript overwrites a test case's automation script without touching its version.
func (r Repo) UpdateScript(ctx context.Context, tx *sql.Tx, testCaseID int64, script string, promptTokens, completionTokens int, at string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE test_cases SET script=?, prompt_tokens=prompt_tokens+?, completion_tokens=completion_tokens+?, updated_at=? WHERE id=?`,
		script, promptTokens, completionTokens, at, testCaseID)
	if err != nil {
		return classify("update script", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetArtifact loads one row, with scenario and steps for test cases.
func (r Repo) GetArtifact(ctx context.Context, tx *sql.Tx, e registry.Entry, id int64) (domain.Artifact, error) {
	e = stored(e)
	row := r.q(tx).QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE id=?`, artifactColumns(e), e.Table), id)
	a, err := scanArtifact(e, row.Scan)
	if err == sql.ErrNoRows {
		return domain.Artifact{}, ErrNotFound
	}
	if err != nil {
		return domain.Artifact{}, err
	}
	if e.SubRecords {
		if err := r.loadSubRecords(ctx, tx, &a); err != nil {
			return domain.Artifact{}, err
		}
	}
	return a, nil
}

// ListLineage returns every row of one lineage ordered by version.
func (r Repo) ListLineage(ctx context.Context, tx *sql.Tx, e registry.Entry, parent int64, activeOnly bool) ([]domain.Artifact, error) {
	e = stored(e)
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s=?`, artifactColumns(e), e.Table, e.LineageColumn)
	if activeOnly {
		query += ` AND is_active=1`
	}
	query += ` ORDER BY version ASC, id ASC`
	rows, err := r.q(tx).QueryContext(ctx, query, parent)
	if err != nil {
		return nil, err
	}
	var res []domain.Artifact
	for rows.Next() {
		a, err := scanArtifact(e, rows.Scan)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, a)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	if e.SubRecords {
		for i := range res {
			if err := r.loadSubRecords(ctx, tx, &res[i]); err != nil {
				return nil, err
			}
		}
	}
	return res, nil
}

// ClaimVersion records that version v of a lineage has been allocated. A
// second claim of the same version fails with an integrity error.
func (r Repo) ClaimVersion(ctx context.Context, tx *sql.Tx, kind domain.Kind, parent int64, version int, requestID, at string) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO lineage_versions(kind,parent_key,version,request_id,created_at) VALUES (?,?,?,?,?)`,
		kind, parent, version, requestID, at)
	return classify("claim version", err)
}

// DeactivateLineage clears is_active on every active row of the lineage
// except keep, cascading to test case sub-records. It returns the ids changed.
func (r Repo) DeactivateLineage(ctx context.Context, tx *sql.Tx, e registry.Entry, parent int64, keep []int64, at string) ([]int64, error) {
	e = stored(e)
	args := []any{parent}
	where := fmt.Sprintf(`%s=? AND is_active=1`, e.LineageColumn)
	if len(keep) > 0 {
		where += fmt.Sprintf(` AND id NOT IN (%s)`, placeholders(len(keep)))
		for _, id := range keep {
			args = append(args, id)
		}
	}
	rows, err := r.q(tx).QueryContext(ctx, fmt.Sprintf(`SELECT id FROM %s WHERE %s`, e.Table, where), args...)
	if err != nil {
		return nil, err
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if len(ids) == 0 {
		return nil, nil
	}
	idArgs := make([]any, 0, len(ids)+1)
	idArgs = append(idArgs, at)
	for _, id := range ids {
		idArgs = append(idArgs, id)
	}
	in := placeholders(len(ids))
	if _, err := r.q(tx).ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET is_active=0, updated_at=? WHERE id IN (%s)`, e.Table, in), idArgs...); err != nil {
		return nil, err
	}
	if e.SubRecords {
		for _, table := range []string{"test_case_scenarios", "test_case_steps"} {
			if _, err := r.q(tx).ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET is_active=0 WHERE test_case_id IN (%s)`, table, in), idArgs[1:]...); err != nil {
				return nil, err
			}
		}
	}
	return ids, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
