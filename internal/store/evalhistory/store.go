package evalhistory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"marlin/internal/decision"

	_ "modernc.org/sqlite"
)

// 中文说明：
// EvalHistoryStore 管理评估历史（append-only），方便后续排查/可视化。
// 每次评估落一行，含完整信号明细与执行结果，终端查询走 /api/v1/evaluations。

// EvalHistoryStore 持久化每轮评估结果。
type EvalHistoryStore struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

// EvalQuery 用于筛选评估历史。
type EvalQuery struct {
	BotID  int64
	Pair   string
	Action string
	Since  time.Time
	Limit  int
	Offset int
}

// NewEvalHistoryStore 初始化 SQLite 存储。
func NewEvalHistoryStore(path string) (*EvalHistoryStore, error) {
	if path == "" {
		return nil, fmt.Errorf("evaluation history path 不能为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)
	if err := ensureEvalHistorySchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &EvalHistoryStore{db: db, path: path}, nil
}

// Close 关闭底层 DB。
func (s *EvalHistoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func ensureEvalHistorySchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS evaluations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			trace_id TEXT,
			ts INTEGER NOT NULL,
			bot_id INTEGER NOT NULL,
			pair TEXT,
			overall_score REAL,
			action TEXT,
			confidence REAL,
			temperature TEXT,
			signals_json TEXT,
			confirmation_json TEXT,
			sizing_json TEXT,
			execution_json TEXT,
			error_kind TEXT,
			error_reason TEXT,
			error_detail TEXT,
			created_at INTEGER NOT NULL
		);
		`,
		`CREATE INDEX IF NOT EXISTS idx_evaluations_bot_ts_id ON evaluations(bot_id, ts DESC, id DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_evaluations_ts ON evaluations(ts);`,
		`CREATE INDEX IF NOT EXISTS idx_evaluations_trace ON evaluations(trace_id);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return ensureEvalHistoryColumns(db)
}

func ensureEvalHistoryColumns(db *sql.DB) error {
	cols := []struct {
		table  string
		column string
		typ    string
	}{
		{"evaluations", "temperature", "TEXT"},
		{"evaluations", "execution_json", "TEXT"},
		{"evaluations", "error_detail", "TEXT"},
	}
	for _, col := range cols {
		if err := addColumnIfMissing(db, col.table, col.column, col.typ); err != nil {
			return err
		}
	}
	return nil
}

func addColumnIfMissing(db *sql.DB, table, column, typ string) error {
	query := fmt.Sprintf("PRAGMA table_info(%s)", table)
	rows, err := db.Query(query)
	if err != nil {
		return err
	}
	defer rows.Close()
	exists := false
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return err
		}
		if strings.EqualFold(name, column) {
			exists = true
			break
		}
	}
	if exists {
		return nil
	}
	stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, typ)
	_, err = db.Exec(stmt)
	return err
}

// Insert 写入一条评估记录。
func (s *EvalHistoryStore) Insert(ctx context.Context, rec decision.EvaluationResult) (int64, error) {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return 0, fmt.Errorf("evaluation history store 未初始化")
	}
	ts := rec.EvaluatedAt.UnixMilli()
	if rec.EvaluatedAt.IsZero() {
		ts = time.Now().UnixMilli()
	}
	now := time.Now().UnixMilli()
	enc := func(v interface{}) string {
		if v == nil {
			return ""
		}
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	}
	var errKind, errReason, errDetail string
	if rec.Error != nil {
		errKind = rec.Error.Kind.String()
		errReason = rec.Error.Reason
		errDetail = rec.Error.Detail
	}
	var sizingJSON, executionJSON string
	if rec.Sizing != nil {
		sizingJSON = enc(rec.Sizing)
	}
	if rec.Execution != nil {
		executionJSON = enc(rec.Execution)
	}
	res, err := db.ExecContext(ctx, `
		INSERT INTO evaluations
			(trace_id, ts, bot_id, pair, overall_score, action, confidence, temperature,
			 signals_json, confirmation_json, sizing_json, execution_json,
			 error_kind, error_reason, error_detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.TraceID,
		ts,
		rec.BotID,
		strings.ToUpper(strings.TrimSpace(rec.Pair)),
		rec.OverallScore,
		string(rec.Action),
		rec.Confidence,
		string(rec.Temperature),
		enc(rec.Signals),
		enc(rec.Confirmation),
		sizingJSON,
		executionJSON,
		errKind,
		errReason,
		errDetail,
		now,
	)
	if err != nil {
		return 0, err
	}
	id, _ := res.LastInsertId()
	return id, nil
}

func buildEvalFilter(q EvalQuery) (string, []interface{}) {
	var args []interface{}
	var sb strings.Builder
	sb.WriteString(" WHERE 1=1")
	if q.BotID > 0 {
		sb.WriteString(" AND bot_id=?")
		args = append(args, q.BotID)
	}
	if pair := strings.ToUpper(strings.TrimSpace(q.Pair)); pair != "" {
		sb.WriteString(" AND pair=?")
		args = append(args, pair)
	}
	if action := strings.ToLower(strings.TrimSpace(q.Action)); action != "" {
		sb.WriteString(" AND action=?")
		args = append(args, action)
	}
	if !q.Since.IsZero() {
		sb.WriteString(" AND ts>=?")
		args = append(args, q.Since.UnixMilli())
	}
	return sb.String(), args
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvalRecord(scanner rowScanner) (decision.EvaluationResult, error) {
	var (
		rec          decision.EvaluationResult
		ts           int64
		pair         sql.NullString
		action       sql.NullString
		temperature  sql.NullString
		signals      sql.NullString
		confirmation sql.NullString
		sizing       sql.NullString
		execution    sql.NullString
		errKind      sql.NullString
		errReason    sql.NullString
		errDetail    sql.NullString
	)
	if err := scanner.Scan(&rec.TraceID, &ts, &rec.BotID, &pair, &rec.OverallScore, &action,
		&rec.Confidence, &temperature, &signals, &confirmation, &sizing, &execution,
		&errKind, &errReason, &errDetail); err != nil {
		return rec, err
	}
	rec.EvaluatedAt = time.UnixMilli(ts)
	rec.Pair = pair.String
	rec.Action = decision.Action(action.String)
	rec.Temperature = decision.Temperature(temperature.String)
	if signals.String != "" {
		_ = json.Unmarshal([]byte(signals.String), &rec.Signals)
	}
	if confirmation.String != "" {
		_ = json.Unmarshal([]byte(confirmation.String), &rec.Confirmation)
	}
	if sizing.String != "" {
		var snap decision.SizingSnapshot
		if err := json.Unmarshal([]byte(sizing.String), &snap); err == nil {
			rec.Sizing = &snap
		}
	}
	if execution.String != "" {
		var exec decision.ExecutionResult
		if err := json.Unmarshal([]byte(execution.String), &exec); err == nil {
			rec.Execution = &exec
		}
	}
	if errReason.String != "" || errKind.String != "" {
		rec.Error = decision.NewReject(decision.ParseKind(errKind.String), errReason.String, errDetail.String)
	}
	return rec, nil
}

const evalSelectColumns = `trace_id, ts, bot_id, pair, overall_score, action, confidence, temperature,
	signals_json, confirmation_json, sizing_json, execution_json, error_kind, error_reason, error_detail`

// GetByTrace 根据 trace_id 返回单条评估记录。
func (s *EvalHistoryStore) GetByTrace(ctx context.Context, traceID string) (decision.EvaluationResult, bool, error) {
	traceID = strings.TrimSpace(traceID)
	if traceID == "" {
		return decision.EvaluationResult{}, false, fmt.Errorf("trace_id 必填")
	}
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return decision.EvaluationResult{}, false, fmt.Errorf("evaluation history store 未初始化")
	}
	row := db.QueryRowContext(ctx,
		`SELECT `+evalSelectColumns+` FROM evaluations WHERE trace_id = ? ORDER BY id DESC LIMIT 1`, traceID)
	rec, err := scanEvalRecord(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return decision.EvaluationResult{}, false, nil
		}
		return decision.EvaluationResult{}, false, err
	}
	return rec, true, nil
}

// List 返回最新的评估历史，支持按 bot/pair/action 过滤。
func (s *EvalHistoryStore) List(ctx context.Context, q EvalQuery) ([]decision.EvaluationResult, error) {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return nil, fmt.Errorf("evaluation history store 未初始化")
	}
	limit := q.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}
	filterSQL, args := buildEvalFilter(q)
	var sb strings.Builder
	sb.WriteString(`SELECT ` + evalSelectColumns + ` FROM evaluations`)
	sb.WriteString(filterSQL)
	sb.WriteString(" ORDER BY ts DESC, id DESC LIMIT ? OFFSET ?")
	args = append(args, limit, offset)
	rows, err := db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []decision.EvaluationResult
	for rows.Next() {
		rec, err := scanEvalRecord(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, rec)
	}
	return list, rows.Err()
}

// Prune 删除 ts 早于 before 的评估记录，返回删除行数。
// 历史只增不改，定期裁剪防止单文件无限膨胀。
func (s *EvalHistoryStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return 0, fmt.Errorf("evaluation history store 未初始化")
	}
	res, err := db.ExecContext(ctx, `DELETE FROM evaluations WHERE ts < ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Count 统计满足筛选条件的评估数量。
func (s *EvalHistoryStore) Count(ctx context.Context, q EvalQuery) (int, error) {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return 0, fmt.Errorf("evaluation history store 未初始化")
	}
	filterSQL, args := buildEvalFilter(q)
	var total int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM evaluations`+filterSQL, args...).Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}
