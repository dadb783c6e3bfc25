package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"storyline/internal/domain"
)

// UpsertScenario writes the 1:1 scenario of a test case, active at version.
func (r Repo) UpsertScenario(ctx context.Context, tx *sql.Tx, testCaseID int64, gherkin json.RawMessage, version int) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO test_case_scenarios(test_case_id,gherkin_json,version,is_active) VALUES (?,?,?,1)
ON CONFLICT(test_case_id) DO UPDATE SET gherkin_json=excluded.gherkin_json, version=excluded.version, is_active=1`,
		testCaseID, string(gherkin), version)
	return classify("upsert scenario", err)
}

// ReplaceSteps swaps the ordered steps of a test case for a new list.
func (r Repo) ReplaceSteps(ctx context.Context, tx *sql.Tx, testCaseID int64, steps []domain.TestCaseStep, version int) error {
	if _, err := r.q(tx).ExecContext(ctx, `DELETE FROM test_case_steps WHERE test_case_id=?`, testCaseID); err != nil {
		return err
	}
	for i, s := range steps {
		if _, err := r.q(tx).ExecContext(ctx, `INSERT INTO test_case_steps(test_case_id,position,step,expected_result,version,is_active) VALUES (?,?,?,?,?,1)`,
			testCaseID, i+1, s.Step, s.ExpectedResult, version); err != nil {
			return classify("insert step", err)
		}
	}
	return nil
}

func (r Repo) loadSubRecords(ctx context.Context, tx *sql.Tx, a *domain.Artifact) error {
	var (
		sc      domain.TestCaseScenario
		gherkin string
		active  int
	)
	err := r.q(tx).QueryRowContext(ctx, `SELECT id,test_case_id,gherkin_json,version,is_active FROM test_case_scenarios WHERE test_case_id=?`, a.ID).
		Scan(&sc.ID, &sc.TestCaseID, &gherkin, &sc.Version, &active)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return err
	default:
		sc.Gherkin = json.RawMessage(gherkin)
		sc.Active = active == 1
		a.Scenario = &sc
	}

	rows, err := r.q(tx).QueryContext(ctx, `SELECT id,test_case_id,position,step,expected_result,version,is_active FROM test_case_steps WHERE test_case_id=? ORDER BY position`, a.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var s domain.TestCaseStep
		if err := rows.Scan(&s.ID, &s.TestCaseID, &s.Position, &s.Step, &s.ExpectedResult, &s.Version, &active); err != nil {
			return err
		}
		s.Active = active == 1
		a.Steps = append(a.Steps, s)
	}
	return rows.Err()
}
