package runstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"agentdock/internal/domain"
)

// Store implements domain.DefinitionStore and domain.RunStore on SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at dbPath and runs the
// schema migration.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open run db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate run db: %w", err)
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			id                   TEXT PRIMARY KEY,
			name                 TEXT NOT NULL,
			icon                 TEXT NOT NULL DEFAULT 'bot',
			model                TEXT NOT NULL,
			system_prompt        TEXT NOT NULL,
			default_task         TEXT NOT NULL DEFAULT '',
			default_project_path TEXT NOT NULL DEFAULT '',
			schedule             TEXT NOT NULL DEFAULT '',
			enable_file_read     INTEGER NOT NULL DEFAULT 1,
			enable_file_write    INTEGER NOT NULL DEFAULT 1,
			enable_network       INTEGER NOT NULL DEFAULT 0,
			hook_on_start        TEXT NOT NULL DEFAULT '',
			hook_on_complete     TEXT NOT NULL DEFAULT '',
			created_at           TEXT NOT NULL,
			updated_at           TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS agent_runs (
			id            TEXT PRIMARY KEY,
			agent_id      TEXT NOT NULL,
			agent_name    TEXT NOT NULL,
			agent_icon    TEXT NOT NULL,
			model         TEXT NOT NULL,
			system_prompt TEXT NOT NULL,
			task          TEXT NOT NULL,
			project_path  TEXT NOT NULL,
			session_id    TEXT NOT NULL DEFAULT '',
			status        TEXT NOT NULL DEFAULT 'pending',
			reason        TEXT NOT NULL DEFAULT '',
			pid           INTEGER,
			input_tokens  INTEGER,
			output_tokens INTEGER,
			cost_usd      REAL,
			duration_ms   INTEGER,
			created_at    TEXT NOT NULL,
			completed_at  TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agent_runs_created
			ON agent_runs(created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_agent_runs_status
			ON agent_runs(status)`,
		`CREATE TABLE IF NOT EXISTS run_output (
			run_id TEXT NOT NULL,
			seq    INTEGER NOT NULL,
			line   TEXT NOT NULL,
			PRIMARY KEY (run_id, seq)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func storageErr(op string, err error) error {
	return domain.NewSubSystemError("runstore", op, domain.ErrStorage, err.Error())
}

const timeFormat = time.RFC3339Nano

// --- DefinitionStore ---

func (s *Store) CreateDefinition(ctx context.Context, def *domain.AgentDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	def.CreatedAt = now
	def.UpdatedAt = now

	var hookStart, hookComplete string
	if def.Hooks != nil {
		hookStart = def.Hooks.OnStart
		hookComplete = def.Hooks.OnComplete
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, name, icon, model, system_prompt, default_task,
			default_project_path, schedule, enable_file_read, enable_file_write,
			enable_network, hook_on_start, hook_on_complete, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		def.ID, def.Name, def.Icon, def.Model, def.SystemPrompt, def.DefaultTask,
		def.DefaultProjectPath, def.Schedule,
		boolInt(def.EnableFileRead), boolInt(def.EnableFileWrite), boolInt(def.EnableNetwork),
		hookStart, hookComplete,
		now.Format(timeFormat), now.Format(timeFormat),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return domain.NewSubSystemError("definition", "CreateDefinition", domain.ErrDuplicate, def.ID)
		}
		return storageErr("CreateDefinition", err)
	}
	return nil
}

func (s *Store) GetDefinition(ctx context.Context, id string) (*domain.AgentDefinition, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, icon, model, system_prompt, default_task,
			default_project_path, schedule, enable_file_read, enable_file_write,
			enable_network, hook_on_start, hook_on_complete, created_at, updated_at
		FROM agents WHERE id = ?`, id)
	def, err := scanDefinition(row)
	if err == sql.ErrNoRows {
		return nil, domain.NewSubSystemError("definition", "GetDefinition", domain.ErrNotFound, id)
	}
	if err != nil {
		return nil, storageErr("GetDefinition", err)
	}
	return def, nil
}

func (s *Store) UpdateDefinition(ctx context.Context, def *domain.AgentDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	def.UpdatedAt = now

	var hookStart, hookComplete string
	if def.Hooks != nil {
		hookStart = def.Hooks.OnStart
		hookComplete = def.Hooks.OnComplete
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET name = ?, icon = ?, model = ?, system_prompt = ?,
			default_task = ?, default_project_path = ?, schedule = ?,
			enable_file_read = ?, enable_file_write = ?, enable_network = ?,
			hook_on_start = ?, hook_on_complete = ?, updated_at = ?
		WHERE id = ?`,
		def.Name, def.Icon, def.Model, def.SystemPrompt,
		def.DefaultTask, def.DefaultProjectPath, def.Schedule,
		boolInt(def.EnableFileRead), boolInt(def.EnableFileWrite), boolInt(def.EnableNetwork),
		hookStart, hookComplete, now.Format(timeFormat), def.ID,
	)
	if err != nil {
		return storageErr("UpdateDefinition", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NewSubSystemError("definition", "UpdateDefinition", domain.ErrNotFound, def.ID)
	}
	return nil
}

func (s *Store) DeleteDefinition(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM agents WHERE id = ?", id)
	if err != nil {
		return storageErr("DeleteDefinition", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NewSubSystemError("definition", "DeleteDefinition", domain.ErrNotFound, id)
	}
	return nil
}

func (s *Store) ListDefinitions(ctx context.Context) ([]*domain.AgentDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, icon, model, system_prompt, default_task,
			default_project_path, schedule, enable_file_read, enable_file_write,
			enable_network, hook_on_start, hook_on_complete, created_at, updated_at
		FROM agents ORDER BY created_at`)
	if err != nil {
		return nil, storageErr("ListDefinitions", err)
	}
	defer rows.Close()

	var defs []*domain.AgentDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, storageErr("ListDefinitions", err)
		}
		defs = append(defs, def)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("ListDefinitions", err)
	}
	return defs, nil
}

// --- RunStore ---

func (s *Store) CreateRun(ctx context.Context, run *domain.AgentRun) error {
	now := time.Now().UTC()
	run.CreatedAt = now
	run.Status = domain.RunStatusPending

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_runs (id, agent_id, agent_name, agent_icon, model,
			system_prompt, task, project_path, session_id, status, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending', '', ?)`,
		run.ID, run.AgentID, run.AgentName, run.AgentIcon, run.Model,
		run.SystemPrompt, run.Task, run.ProjectPath, run.SessionID,
		now.Format(timeFormat),
	)
	if err != nil {
		return storageErr("CreateRun", err)
	}
	return nil
}

// AppendOutputLine appends one raw line inside a transaction so the status
// check and the insert are atomic. Terminal runs drop the line silently.
func (s *Store) AppendOutputLine(ctx context.Context, runID, line string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("AppendOutputLine", err)
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx, "SELECT status FROM agent_runs WHERE id = ?", runID).Scan(&status)
	if err == sql.ErrNoRows {
		return domain.NewSubSystemError("run", "AppendOutputLine", domain.ErrNotFound, runID)
	}
	if err != nil {
		return storageErr("AppendOutputLine", err)
	}
	if domain.RunStatus(status).Terminal() {
		return nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO run_output (run_id, seq, line)
		VALUES (?, (SELECT COALESCE(MAX(seq), -1) + 1 FROM run_output WHERE run_id = ?), ?)`,
		runID, runID, line,
	)
	if err != nil {
		return storageErr("AppendOutputLine", err)
	}
	if err := tx.Commit(); err != nil {
		return storageErr("AppendOutputLine", err)
	}
	return nil
}

func (s *Store) SetRunning(ctx context.Context, runID string, pid int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_runs SET status = 'running', pid = ?
		WHERE id = ? AND status = 'pending'`,
		pid, runID,
	)
	if err != nil {
		return storageErr("SetRunning", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NewSubSystemError("run", "SetRunning", domain.ErrNotFound, runID)
	}
	return nil
}

func (s *Store) SetSessionID(ctx context.Context, runID, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE agent_runs SET session_id = ? WHERE id = ? AND session_id = ''",
		sessionID, runID,
	)
	if err != nil {
		return storageErr("SetSessionID", err)
	}
	return nil
}

// SetTerminal records the terminal transition. The WHERE clause excludes
// already-terminal rows, so exactly one terminal status ever lands even
// with racing writers; losing the race is a silent no-op.
func (s *Store) SetTerminal(ctx context.Context, runID string, status domain.RunStatus, reason string, metrics *domain.RunMetrics) error {
	if !status.Terminal() {
		return domain.NewSubSystemError("run", "SetTerminal", domain.ErrInvalidInput,
			fmt.Sprintf("status %q is not terminal", status))
	}

	var inTok, outTok, durMS sql.NullInt64
	var cost sql.NullFloat64
	if metrics != nil {
		inTok = sql.NullInt64{Int64: metrics.InputTokens, Valid: true}
		outTok = sql.NullInt64{Int64: metrics.OutputTokens, Valid: true}
		durMS = sql.NullInt64{Int64: metrics.DurationMS, Valid: true}
		cost = sql.NullFloat64{Float64: metrics.CostUSD, Valid: true}
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_runs
		SET status = ?, reason = ?, pid = NULL, completed_at = ?,
			input_tokens = ?, output_tokens = ?, cost_usd = ?, duration_ms = ?
		WHERE id = ? AND status NOT IN ('completed', 'failed', 'cancelled')`,
		string(status), reason, now.Format(timeFormat),
		inTok, outTok, cost, durMS, runID,
	)
	if err != nil {
		return storageErr("SetTerminal", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Either the run does not exist or it is already terminal.
		var exists int
		if err := s.db.QueryRowContext(ctx,
			"SELECT 1 FROM agent_runs WHERE id = ?", runID).Scan(&exists); err == sql.ErrNoRows {
			return domain.NewSubSystemError("run", "SetTerminal", domain.ErrNotFound, runID)
		}
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, runID string) (*domain.AgentRun, error) {
	row := s.db.QueryRowContext(ctx, selectRunColumns+" WHERE id = ?", runID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, domain.NewSubSystemError("run", "GetRun", domain.ErrNotFound, runID)
	}
	if err != nil {
		return nil, storageErr("GetRun", err)
	}
	return run, nil
}

func (s *Store) GetOutput(ctx context.Context, runID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT line FROM run_output WHERE run_id = ? ORDER BY seq", runID)
	if err != nil {
		return nil, storageErr("GetOutput", err)
	}
	defer rows.Close()

	var lines []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, storageErr("GetOutput", err)
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("GetOutput", err)
	}
	return lines, nil
}

func (s *Store) ListRuns(ctx context.Context, filter domain.RunFilter) ([]*domain.AgentRun, error) {
	query := selectRunColumns
	var conds []string
	var args []any
	if filter.AgentID != "" {
		conds = append(conds, "agent_id = ?")
		args = append(args, filter.AgentID)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("ListRuns", err)
	}
	defer rows.Close()

	var runs []*domain.AgentRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, storageErr("ListRuns", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("ListRuns", err)
	}
	return runs, nil
}

// --- scanning ---

const selectRunColumns = `
	SELECT id, agent_id, agent_name, agent_icon, model, system_prompt, task,
		project_path, session_id, status, reason, pid,
		input_tokens, output_tokens, cost_usd, duration_ms,
		created_at, completed_at
	FROM agent_runs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*domain.AgentRun, error) {
	var run domain.AgentRun
	var status, createdStr string
	var completedStr sql.NullString
	var pid, inTok, outTok, durMS sql.NullInt64
	var cost sql.NullFloat64

	err := row.Scan(&run.ID, &run.AgentID, &run.AgentName, &run.AgentIcon,
		&run.Model, &run.SystemPrompt, &run.Task, &run.ProjectPath,
		&run.SessionID, &status, &run.Reason, &pid,
		&inTok, &outTok, &cost, &durMS, &createdStr, &completedStr)
	if err != nil {
		return nil, err
	}

	run.Status = domain.RunStatus(status)
	if pid.Valid {
		p := int(pid.Int64)
		run.PID = &p
	}
	if inTok.Valid || outTok.Valid || cost.Valid || durMS.Valid {
		run.Metrics = &domain.RunMetrics{
			InputTokens:  inTok.Int64,
			OutputTokens: outTok.Int64,
			CostUSD:      cost.Float64,
			DurationMS:   durMS.Int64,
		}
	}
	run.CreatedAt, _ = time.Parse(timeFormat, createdStr)
	if completedStr.Valid {
		t, err := time.Parse(timeFormat, completedStr.String)
		if err == nil {
			run.CompletedAt = &t
		}
	}
	return &run, nil
}

func scanDefinition(row rowScanner) (*domain.AgentDefinition, error) {
	var def domain.AgentDefinition
	var fileRead, fileWrite, network int
	var hookStart, hookComplete, createdStr, updatedStr string

	err := row.Scan(&def.ID, &def.Name, &def.Icon, &def.Model, &def.SystemPrompt,
		&def.DefaultTask, &def.DefaultProjectPath, &def.Schedule,
		&fileRead, &fileWrite, &network, &hookStart, &hookComplete,
		&createdStr, &updatedStr)
	if err != nil {
		return nil, err
	}

	def.EnableFileRead = fileRead != 0
	def.EnableFileWrite = fileWrite != 0
	def.EnableNetwork = network != 0
	if hookStart != "" || hookComplete != "" {
		def.Hooks = &domain.DefinitionHooks{OnStart: hookStart, OnComplete: hookComplete}
	}
	def.CreatedAt, _ = time.Parse(timeFormat, createdStr)
	def.UpdatedAt, _ = time.Parse(timeFormat, updatedStr)
	return &def, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Compile-time interface checks.
var (
	_ domain.DefinitionStore = (*Store)(nil)
	_ domain.RunStore        = (*Store)(nil)
)
