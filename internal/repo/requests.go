package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"storyline/internal/domain"
)

const requestColumns = `id,request_id,project_id,parent,task_type,status,artifact_id,error_message,created_at,updated_at,processed_at`

func scanRequest(scan func(dest ...any) error) (domain.Request, error) {
	var (
		req                  domain.Request
		project, errMsg, pAt sql.NullString
		parent, artifact     sql.NullInt64
	)
	if err := scan(&req.ID, &req.RequestID, &project, &parent, &req.Kind, &req.Status, &artifact, &errMsg, &req.CreatedAt, &req.UpdatedAt, &pAt); err != nil {
		return domain.Request{}, err
	}
	req.ProjectID = stringPtr(project)
	req.Parent = int64Ptr(parent)
	req.ArtifactID = int64Ptr(artifact)
	req.ErrorMessage = stringPtr(errMsg)
	req.ProcessedAt = stringPtr(pAt)
	return req, nil
}

// InsertRequest records a new pending request.
func (r Repo) InsertRequest(ctx context.Context, tx *sql.Tx, req domain.Request) error {
	if req.RequestID == "" {
		return fmt.Errorf("request_id required")
	}
	if req.Status == "" {
		req.Status = domain.StatusPending
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO requests(request_id,project_id,parent,task_type,status,artifact_id,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		req.RequestID, nullableStringPtr(req.ProjectID), nullableInt64Ptr(req.Parent), req.Kind, req.Status,
		nullableInt64Ptr(req.ArtifactID), req.CreatedAt, req.UpdatedAt)
	return classify("insert request", err)
}

func (r Repo) GetRequest(ctx context.Context, tx *sql.Tx, requestID string) (domain.Request, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE request_id=?`, requestID)
	req, err := scanRequest(row.Scan)
	if err == sql.ErrNoRows {
		return domain.Request{}, ErrNotFound
	}
	return req, err
}

type RequestFilters struct {
	Status string
	Kind   string
	Limit  int
}

func (r Repo) ListRequests(ctx context.Context, f RequestFilters) ([]domain.Request, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Kind != "" {
		clauses = append(clauses, "task_type=?")
		args = append(args, f.Kind)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	query := fmt.Sprintf(`SELECT %s FROM requests WHERE %s ORDER BY id DESC LIMIT ?`, requestColumns, strings.Join(clauses, " AND "))
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Request
	for rows.Next() {
		req, err := scanRequest(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, req)
	}
	return res, rows.Err()
}

// CompleteRequest moves a pending request to completed. A request that is
// no longer pending yields ErrTerminal and is left untouched.
func (r Repo) CompleteRequest(ctx context.Context, tx *sql.Tx, requestID, at string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE requests SET status=?, processed_at=?, updated_at=? WHERE request_id=? AND status=?`,
		domain.StatusCompleted, at, at, requestID, domain.StatusPending)
	if err != nil {
		return err
	}
	return terminalUnlessAffected(res)
}

// FailRequest moves a pending request to failed with a message.
func (r Repo) FailRequest(ctx context.Context, tx *sql.Tx, requestID, message, at string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE requests SET status=?, error_message=?, updated_at=? WHERE request_id=? AND status=?`,
		domain.StatusFailed, message, at, requestID, domain.StatusPending)
	if err != nil {
		return err
	}
	return terminalUnlessAffected(res)
}

// SetRequestParent records the lineage parent resolved for a request.
func (r Repo) SetRequestParent(ctx context.Context, tx *sql.Tx, requestID string, parent int64, at string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE requests SET parent=?, updated_at=? WHERE request_id=?`, parent, at, requestID)
	if err != nil {
		return classify("set request parent", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func terminalUnlessAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrTerminal
	}
	return nil
}
