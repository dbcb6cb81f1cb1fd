package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/flowgate/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/flowgate.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Workflows ---

const workflowColumns = `id, name, is_active, trigger_type, trigger_config, created_at, updated_at`

func (s *LibSQLStore) CreateWorkflow(ctx context.Context, def *schema.WorkflowDefinition) error {
	now := time.Now().UTC()
	if def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}
	def.CreatedAt = def.CreatedAt.UTC()
	def.UpdatedAt = now

	trigger, err := json.Marshal(def.TriggerConfig)
	if err != nil {
		return fmt.Errorf("marshal trigger config: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO workflows (`+workflowColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		def.ID, def.Name, boolInt(def.IsActive), string(def.TriggerType), string(trigger), def.CreatedAt, def.UpdatedAt,
	); err != nil {
		if isUniqueViolation(err) {
			return schema.NewErrorf(schema.ErrCodeConflict, "workflow %q already exists", def.ID)
		}
		return storeErr("insert workflow", err)
	}
	if err := insertGraph(ctx, tx, def); err != nil {
		return err
	}
	return commit(tx)
}

func (s *LibSQLStore) UpdateWorkflow(ctx context.Context, def *schema.WorkflowDefinition) error {
	trigger, err := json.Marshal(def.TriggerConfig)
	if err != nil {
		return fmt.Errorf("marshal trigger config: %w", err)
	}
	def.UpdatedAt = time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE workflows SET name = ?, is_active = ?, trigger_type = ?, trigger_config = ?, updated_at = ? WHERE id = ?`,
		def.Name, boolInt(def.IsActive), string(def.TriggerType), string(trigger), def.UpdatedAt, def.ID,
	)
	if err != nil {
		return storeErr("update workflow", err)
	}
	if err := checkRowsAffected(res, "workflow", def.ID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM edges WHERE workflow_id = ?`, def.ID); err != nil {
		return storeErr("clear edges", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM steps WHERE workflow_id = ?`, def.ID); err != nil {
		return storeErr("clear steps", err)
	}
	if err := insertGraph(ctx, tx, def); err != nil {
		return err
	}
	return commit(tx)
}

func insertGraph(ctx context.Context, tx *sql.Tx, def *schema.WorkflowDefinition) error {
	for i, st := range def.Steps {
		metadata, err := nullJSON(st.Metadata)
		if err != nil {
			return fmt.Errorf("marshal step %s metadata: %w", st.ID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO steps (workflow_id, id, ordinal, type, label, config, pos_x, pos_y, metadata)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			def.ID, st.ID, i, string(st.Type), nullStr(st.Label), nullRaw(st.Config),
			st.Position.X, st.Position.Y, metadata,
		); err != nil {
			if isUniqueViolation(err) {
				return schema.NewErrorf(schema.ErrCodeConflict, "duplicate step id %q", st.ID).WithStep(st.ID)
			}
			return storeErr("insert step", err)
		}
	}
	for i, e := range def.Edges {
		if err := insertEdge(ctx, tx, def.ID, i, e); err != nil {
			return err
		}
	}
	return nil
}

func insertEdge(ctx context.Context, tx *sql.Tx, workflowID string, ordinal int, e schema.Edge) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO edges (workflow_id, id, ordinal, source, target, source_handle, target_handle, label, animated)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		workflowID, e.ID, ordinal, e.Source, e.Target, e.SourceHandle, e.TargetHandle, nullStr(e.Label), boolInt(e.Animated),
	); err != nil {
		if isUniqueViolation(err) {
			return duplicateEdge(e)
		}
		return storeErr("insert edge", err)
	}
	return nil
}

func duplicateEdge(e schema.Edge) error {
	return schema.NewErrorf(schema.ErrCodeConflict, "edge %s -> %s (handle %q) already exists", e.Source, e.Target, e.SourceHandle).
		WithDetails(map[string]any{"edge_id": e.ID})
}

func (s *LibSQLStore) AddEdge(ctx context.Context, edge schema.Edge) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM workflows WHERE id = ?`, edge.WorkflowID).Scan(&exists); err != nil {
		return storeErr("check workflow", err)
	}
	if exists == 0 {
		return storeNotFound("workflow", edge.WorkflowID)
	}

	var dup int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM edges WHERE workflow_id = ? AND source = ? AND target = ? AND source_handle = ? AND target_handle = ?`,
		edge.WorkflowID, edge.Source, edge.Target, edge.SourceHandle, edge.TargetHandle,
	).Scan(&dup); err != nil {
		return storeErr("check edge", err)
	}
	if dup > 0 {
		return duplicateEdge(edge)
	}

	var ordinal int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(ordinal), -1) + 1 FROM edges WHERE workflow_id = ?`, edge.WorkflowID,
	).Scan(&ordinal); err != nil {
		return storeErr("next edge ordinal", err)
	}
	if err := insertEdge(ctx, tx, edge.WorkflowID, ordinal, edge); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE workflows SET updated_at = ? WHERE id = ?`, time.Now().UTC(), edge.WorkflowID); err != nil {
		return storeErr("touch workflow", err)
	}
	return commit(tx)
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*schema.WorkflowDefinition, error) {
	def, err := scanWorkflow(s.db.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	if err != nil {
		return nil, storeErr("get workflow", err)
	}
	if err := s.loadGraph(ctx, def); err != nil {
		return nil, err
	}
	return def, nil
}

func (s *LibSQLStore) SetWorkflowActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET is_active = ?, updated_at = ? WHERE id = ?`, boolInt(active), time.Now().UTC(), id)
	if err != nil {
		return storeErr("set workflow active", err)
	}
	return checkRowsAffected(res, "workflow", id)
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.WorkflowDefinition, error) {
	var where []string
	var args []any

	if filter.TriggerType != "" {
		where = append(where, "trigger_type = ?")
		args = append(args, string(filter.TriggerType))
	}
	if filter.Active != nil {
		where = append(where, "is_active = ?")
		args = append(args, boolInt(*filter.Active))
	}

	query := `SELECT ` + workflowColumns + ` FROM workflows`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list workflows", err)
	}
	var defs []*schema.WorkflowDefinition
	for rows.Next() {
		def, err := scanWorkflow(rows)
		if err != nil {
			rows.Close()
			return nil, storeErr("scan workflow", err)
		}
		defs = append(defs, def)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, storeErr("list workflows", err)
	}
	rows.Close()

	// Graphs are loaded after the cursor is closed: the pool has one connection.
	for _, def := range defs {
		if err := s.loadGraph(ctx, def); err != nil {
			return nil, err
		}
	}
	return defs, nil
}

func (s *LibSQLStore) ListActiveScheduledWorkflows(ctx context.Context) ([]*schema.WorkflowDefinition, error) {
	active := true
	return s.ListWorkflows(ctx, WorkflowFilter{TriggerType: schema.TriggerScheduled, Active: &active})
}

func (s *LibSQLStore) loadGraph(ctx context.Context, def *schema.WorkflowDefinition) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, label, config, pos_x, pos_y, metadata FROM steps WHERE workflow_id = ? ORDER BY ordinal`, def.ID)
	if err != nil {
		return storeErr("load steps", err)
	}
	def.Steps = nil
	for rows.Next() {
		var (
			st                     schema.Step
			typ                    string
			label, config, metaRaw sql.NullString
		)
		if err := rows.Scan(&st.ID, &typ, &label, &config, &st.Position.X, &st.Position.Y, &metaRaw); err != nil {
			rows.Close()
			return storeErr("scan step", err)
		}
		st.WorkflowID = def.ID
		st.Type = schema.StepType(typ)
		st.Label = label.String
		st.Config = rawOrNil(config)
		if metaRaw.Valid && metaRaw.String != "" {
			if err := json.Unmarshal([]byte(metaRaw.String), &st.Metadata); err != nil {
				rows.Close()
				return storeErr("unmarshal step metadata", err)
			}
		}
		def.Steps = append(def.Steps, st)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return storeErr("load steps", err)
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx,
		`SELECT id, source, target, source_handle, target_handle, label, animated FROM edges WHERE workflow_id = ? ORDER BY ordinal`, def.ID)
	if err != nil {
		return storeErr("load edges", err)
	}
	defer rows.Close()
	def.Edges = nil
	for rows.Next() {
		var (
			e     schema.Edge
			label sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.Source, &e.Target, &e.SourceHandle, &e.TargetHandle, &label, &e.Animated); err != nil {
			return storeErr("scan edge", err)
		}
		e.WorkflowID = def.ID
		e.Label = label.String
		def.Edges = append(def.Edges, e)
	}
	return rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row scanner) (*schema.WorkflowDefinition, error) {
	def := &schema.WorkflowDefinition{}
	var trigger, typ string
	if err := row.Scan(&def.ID, &def.Name, &def.IsActive, &typ, &trigger, &def.CreatedAt, &def.UpdatedAt); err != nil {
		return nil, err
	}
	def.TriggerType = schema.TriggerType(typ)
	if trigger != "" {
		if err := json.Unmarshal([]byte(trigger), &def.TriggerConfig); err != nil {
			return nil, fmt.Errorf("unmarshal trigger config: %w", err)
		}
	}
	return def, nil
}

// --- Executions ---

const executionColumns = `id, workflow_id, trigger_source, trigger_payload, status, context, output, error, waiting_step_id, definition, started_at, completed_at, updated_at`

func (s *LibSQLStore) CreateExecution(ctx context.Context, exec *schema.Execution) error {
	payload, err := nullJSON(exec.TriggerPayload)
	if err != nil {
		return fmt.Errorf("marshal trigger payload: %w", err)
	}
	state, err := nullJSON(exec.Context)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	var def any
	if exec.Definition != nil {
		if def, err = nullJSON(exec.Definition); err != nil {
			return fmt.Errorf("marshal definition: %w", err)
		}
	}
	exec.StartedAt = timeOrNow(exec.StartedAt)
	exec.UpdatedAt = timeOrNow(exec.UpdatedAt)

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (`+executionColumns+`) VALUES (?, ?, ?, ?, ?, ?, NULL, NULL, ?, ?, ?, ?, ?)`,
		exec.ID, exec.WorkflowID, string(exec.TriggerSource), payload, string(exec.Status), state,
		nullStr(exec.WaitingStepID), def, exec.StartedAt, nullTime(exec.CompletedAt), exec.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return schema.NewErrorf(schema.ErrCodeConflict, "execution %q already exists", exec.ID)
		}
		return storeErr("insert execution", err)
	}
	return nil
}

func (s *LibSQLStore) UpdateExecutionStatus(ctx context.Context, id string, expected []schema.ExecutionStatus, update ExecutionUpdate) error {
	if len(expected) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "at least one expected status is required")
	}

	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{string(update.Status), time.Now().UTC()}

	if update.Output != nil {
		out, err := nullJSON(update.Output)
		if err != nil {
			return fmt.Errorf("marshal output: %w", err)
		}
		sets = append(sets, "output = ?")
		args = append(args, out)
	}
	if update.Error != nil {
		e, err := nullJSON(update.Error)
		if err != nil {
			return fmt.Errorf("marshal error: %w", err)
		}
		sets = append(sets, "error = ?")
		args = append(args, e)
	}
	if update.WaitingStepID != nil {
		sets = append(sets, "waiting_step_id = ?")
		args = append(args, nullStr(*update.WaitingStepID))
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, update.CompletedAt.UTC())
	}

	args = append(args, id)
	placeholders := make([]string, len(expected))
	for i, st := range expected {
		placeholders[i] = "?"
		args = append(args, string(st))
	}
	query := fmt.Sprintf("UPDATE executions SET %s WHERE id = ? AND status IN (%s)",
		strings.Join(sets, ", "), strings.Join(placeholders, ", "))

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return storeErr("update execution", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("update execution", err)
	}
	if n > 0 {
		return nil
	}

	var current string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM executions WHERE id = ?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return storeNotFound("execution", id)
	}
	if err != nil {
		return storeErr("read execution status", err)
	}
	return statusConflict(id, schema.ExecutionStatus(current), update.Status)
}

func statusConflict(id string, current, target schema.ExecutionStatus) error {
	return schema.NewErrorf(schema.ErrCodeConflict, "execution %q is %s, cannot move to %s", id, current, target).
		WithDetails(map[string]any{"current_status": string(current)})
}

func (s *LibSQLStore) SaveExecutionState(ctx context.Context, id string, state map[string]any) error {
	data, err := nullJSON(state)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET context = ?, updated_at = ? WHERE id = ?`, data, time.Now().UTC(), id)
	if err != nil {
		return storeErr("save execution state", err)
	}
	return checkRowsAffected(res, "execution", id)
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*schema.Execution, error) {
	exec, err := scanExecution(s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", id)
	}
	if err != nil {
		return nil, storeErr("get execution", err)
	}
	return exec, nil
}

func (s *LibSQLStore) GetLastCompletedExecution(ctx context.Context, workflowID string) (*schema.Execution, error) {
	return s.lastExecution(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE workflow_id = ? AND status = ? ORDER BY completed_at DESC LIMIT 1`,
		workflowID, string(schema.ExecutionCompleted))
}

func (s *LibSQLStore) GetLastExecution(ctx context.Context, workflowID string) (*schema.Execution, error) {
	return s.lastExecution(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE workflow_id = ? ORDER BY started_at DESC LIMIT 1`,
		workflowID)
}

func (s *LibSQLStore) lastExecution(ctx context.Context, query string, args ...any) (*schema.Execution, error) {
	exec, err := scanExecution(s.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("get last execution", err)
	}
	return exec, nil
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.Execution, error) {
	var where []string
	var args []any

	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}

	query := `SELECT ` + executionColumns + ` FROM executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list executions", err)
	}
	defer rows.Close()

	var out []*schema.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, storeErr("scan execution", err)
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

func scanExecution(row scanner) (*schema.Execution, error) {
	exec := &schema.Execution{}
	var (
		source, status                         string
		payload, state, output, errJSON, defJS sql.NullString
		waiting                                sql.NullString
		completedAt                            sql.NullTime
	)
	if err := row.Scan(&exec.ID, &exec.WorkflowID, &source, &payload, &status, &state, &output, &errJSON,
		&waiting, &defJS, &exec.StartedAt, &completedAt, &exec.UpdatedAt); err != nil {
		return nil, err
	}
	exec.TriggerSource = schema.TriggerType(source)
	exec.Status = schema.ExecutionStatus(status)
	exec.WaitingStepID = waiting.String
	if completedAt.Valid {
		t := completedAt.Time
		exec.CompletedAt = &t
	}
	if err := unmarshalNull(payload, &exec.TriggerPayload); err != nil {
		return nil, fmt.Errorf("unmarshal trigger payload: %w", err)
	}
	if err := unmarshalNull(state, &exec.Context); err != nil {
		return nil, fmt.Errorf("unmarshal context: %w", err)
	}
	if err := unmarshalNull(output, &exec.Output); err != nil {
		return nil, fmt.Errorf("unmarshal output: %w", err)
	}
	if errJSON.Valid && errJSON.String != "" {
		exec.Error = &schema.ErrorDetail{}
		if err := json.Unmarshal([]byte(errJSON.String), exec.Error); err != nil {
			return nil, fmt.Errorf("unmarshal error: %w", err)
		}
	}
	if defJS.Valid && defJS.String != "" {
		exec.Definition = &schema.WorkflowDefinition{}
		if err := json.Unmarshal([]byte(defJS.String), exec.Definition); err != nil {
			return nil, fmt.Errorf("unmarshal definition: %w", err)
		}
	}
	return exec, nil
}

// --- Step results ---

func (s *LibSQLStore) AppendStepResult(ctx context.Context, res *schema.StepResult) error {
	output, err := nullJSON(res.Output)
	if err != nil {
		return fmt.Errorf("marshal step output: %w", err)
	}
	var errJSON any
	if res.Error != nil {
		if errJSON, err = nullJSON(res.Error); err != nil {
			return fmt.Errorf("marshal step error: %w", err)
		}
	}
	res.StartedAt = timeOrNow(res.StartedAt)
	res.CompletedAt = timeOrNow(res.CompletedAt)

	return s.withWriteLock(ctx, func(tx *sql.Tx) error {
		var seq int64
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(seq), 0) + 1 FROM step_results WHERE execution_id = ?`, res.ExecutionID,
		).Scan(&seq); err != nil {
			return fmt.Errorf("get next seq: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO step_results (execution_id, seq, step_id, step_type, status, output, error, started_at, completed_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			res.ExecutionID, seq, res.StepID, string(res.StepType), string(res.Status), output, errJSON,
			res.StartedAt, res.CompletedAt,
		); err != nil {
			return fmt.Errorf("insert step result: %w", err)
		}
		res.Seq = seq
		return nil
	})
}

func (s *LibSQLStore) ListStepResults(ctx context.Context, executionID string) ([]*schema.StepResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT execution_id, seq, step_id, step_type, status, output, error, started_at, completed_at
		 FROM step_results WHERE execution_id = ? ORDER BY seq ASC`, executionID)
	if err != nil {
		return nil, storeErr("list step results", err)
	}
	defer rows.Close()

	var out []*schema.StepResult
	for rows.Next() {
		r := &schema.StepResult{}
		var (
			typ, status     string
			output, errJSON sql.NullString
		)
		if err := rows.Scan(&r.ExecutionID, &r.Seq, &r.StepID, &typ, &status, &output, &errJSON,
			&r.StartedAt, &r.CompletedAt); err != nil {
			return nil, storeErr("scan step result", err)
		}
		r.StepType = schema.StepType(typ)
		r.Status = schema.StepStatus(status)
		if err := unmarshalNull(output, &r.Output); err != nil {
			return nil, fmt.Errorf("unmarshal step output: %w", err)
		}
		if errJSON.Valid && errJSON.String != "" {
			r.Error = &schema.ErrorDetail{}
			if err := json.Unmarshal([]byte(errJSON.String), r.Error); err != nil {
				return nil, fmt.Errorf("unmarshal step error: %w", err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- Approvals ---

const approvalColumns = `id, execution_id, workflow_id, step_id, message, approvers, status, requested_at, timeout_at, responder_id, notes, responded_at`

func (s *LibSQLStore) CreateApprovalRequest(ctx context.Context, req *schema.ApprovalRequest) error {
	approvers, err := nullJSON(req.Approvers)
	if err != nil {
		return fmt.Errorf("marshal approvers: %w", err)
	}
	if req.Status == "" {
		req.Status = schema.ApprovalPending
	}
	req.RequestedAt = timeOrNow(req.RequestedAt)

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO approval_requests (`+approvalColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, NULL)`,
		req.ID, req.ExecutionID, req.WorkflowID, req.StepID, nullStr(req.Message), approvers,
		string(req.Status), req.RequestedAt, req.TimeoutAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return schema.NewErrorf(schema.ErrCodeConflict, "approval request %q already exists", req.ID)
		}
		return storeErr("insert approval request", err)
	}
	return nil
}

func (s *LibSQLStore) ResolveApprovalRequest(ctx context.Context, id string, res Resolution) error {
	if res.Status == schema.ApprovalPending || res.Status == "" {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "cannot resolve approval %q to %q", id, res.Status)
	}
	r, err := s.db.ExecContext(ctx,
		`UPDATE approval_requests SET status = ?, responder_id = ?, notes = ?, responded_at = ?
		 WHERE id = ? AND status = ?`,
		string(res.Status), nullStr(res.ResponderID), nullStr(res.Notes), timeOrNow(res.RespondedAt),
		id, string(schema.ApprovalPending),
	)
	if err != nil {
		return storeErr("resolve approval", err)
	}
	n, err := r.RowsAffected()
	if err != nil {
		return storeErr("resolve approval", err)
	}
	if n > 0 {
		return nil
	}

	var current string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM approval_requests WHERE id = ?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return storeNotFound("approval request", id)
	}
	if err != nil {
		return storeErr("read approval status", err)
	}
	return alreadyResolved(id, schema.ApprovalStatus(current))
}

func alreadyResolved(id string, current schema.ApprovalStatus) error {
	return schema.NewErrorf(schema.ErrCodeConflict, "approval request %q already resolved", id).
		WithDetails(map[string]any{"current_status": string(current)})
}

func (s *LibSQLStore) ListExpiredPending(ctx context.Context, now time.Time) ([]*schema.ApprovalRequest, error) {
	return s.queryApprovals(ctx,
		`SELECT `+approvalColumns+` FROM approval_requests WHERE status = ? AND timeout_at <= ? ORDER BY timeout_at ASC`,
		string(schema.ApprovalPending), now.UTC())
}

func (s *LibSQLStore) GetApprovalRequest(ctx context.Context, id string) (*schema.ApprovalRequest, error) {
	req, err := scanApproval(s.db.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approval_requests WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("approval request", id)
	}
	if err != nil {
		return nil, storeErr("get approval request", err)
	}
	return req, nil
}

func (s *LibSQLStore) ListApprovals(ctx context.Context, filter ApprovalFilter) ([]*schema.ApprovalRequest, error) {
	var where []string
	var args []any

	if filter.ExecutionID != "" {
		where = append(where, "execution_id = ?")
		args = append(args, filter.ExecutionID)
	}
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}

	query := `SELECT ` + approvalColumns + ` FROM approval_requests`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY requested_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	return s.queryApprovals(ctx, query, args...)
}

func (s *LibSQLStore) queryApprovals(ctx context.Context, query string, args ...any) ([]*schema.ApprovalRequest, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list approvals", err)
	}
	defer rows.Close()

	var out []*schema.ApprovalRequest
	for rows.Next() {
		req, err := scanApproval(rows)
		if err != nil {
			return nil, storeErr("scan approval", err)
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func scanApproval(row scanner) (*schema.ApprovalRequest, error) {
	req := &schema.ApprovalRequest{}
	var (
		status                                 string
		message, approvers, responderID, notes sql.NullString
		respondedAt                            sql.NullTime
	)
	if err := row.Scan(&req.ID, &req.ExecutionID, &req.WorkflowID, &req.StepID, &message, &approvers, &status,
		&req.RequestedAt, &req.TimeoutAt, &responderID, &notes, &respondedAt); err != nil {
		return nil, err
	}
	req.Message = message.String
	req.Status = schema.ApprovalStatus(status)
	req.ResponderID = responderID.String
	req.Notes = notes.String
	if respondedAt.Valid {
		t := respondedAt.Time
		req.RespondedAt = &t
	}
	if err := unmarshalNull(approvers, &req.Approvers); err != nil {
		return nil, fmt.Errorf("unmarshal approvers: %w", err)
	}
	return req, nil
}

// --- Secrets ---

func (s *LibSQLStore) StoreSecret(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO secrets (key, value, created_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, rotated_at=CURRENT_TIMESTAMP`,
		key, value,
	)
	if err != nil {
		return storeErr("store secret", err)
	}
	return nil
}

func (s *LibSQLStore) GetSecret(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM secrets WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("secret", key)
	}
	if err != nil {
		return nil, storeErr("get secret", err)
	}
	return value, nil
}

func (s *LibSQLStore) DeleteSecret(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE key = ?`, key)
	if err != nil {
		return storeErr("delete secret", err)
	}
	return checkRowsAffected(res, "secret", key)
}

func (s *LibSQLStore) ListSecrets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM secrets ORDER BY key`)
	if err != nil {
		return nil, storeErr("list secrets", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, storeErr("scan secret", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func storeErr(op string, err error) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err.Error()).WithCause(err)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func commit(tx *sql.Tx) error {
	if err := tx.Commit(); err != nil {
		return storeErr("commit", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "PRIMARY KEY")
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

// nullJSON marshals v, mapping nil values to SQL NULL.
func nullJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if m, ok := v.(map[string]any); ok && m == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(data) == "null" {
		return nil, nil
	}
	return string(data), nil
}

func unmarshalNull(ns sql.NullString, dst any) error {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(ns.String), dst)
}
