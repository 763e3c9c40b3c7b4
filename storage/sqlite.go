package storage

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"equiledger/logger"
	"equiledger/utils"
)

// SQLiteStorage 运行侧数据的 SQLite 存储
// 与订单台账分库：这里放对账摘要、系统监控采样等运营数据
type SQLiteStorage struct {
	db     *sql.DB
	closed bool
}

// NewSQLiteStorage 创建 SQLite 存储
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	// 使用 WAL 模式提高并发性能
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}

	// SQLite 并发限制
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("创建表失败: %w", err)
	}

	if err := migrateReconcileSummaries(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("迁移对账摘要表失败: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

// createTables 创建表
func createTables(db *sql.DB) error {
	// 对账摘要表
	reconcileSummariesSQL := `
	CREATE TABLE IF NOT EXISTS reconcile_summaries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		pass TEXT NOT NULL,
		run_at TIMESTAMP NOT NULL,
		checked INTEGER NOT NULL,
		acted INTEGER NOT NULL,
		warnings INTEGER NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_reconcile_summaries_pass ON reconcile_summaries(pass);
	CREATE INDEX IF NOT EXISTS idx_reconcile_summaries_run_at ON reconcile_summaries(run_at);`

	// 系统监控细粒度数据表
	systemMetricsSQL := `
	CREATE TABLE IF NOT EXISTS system_metrics (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL,
		cpu_percent REAL NOT NULL,
		memory_mb REAL NOT NULL,
		memory_percent REAL,
		process_id INTEGER,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_system_metrics_timestamp ON system_metrics(timestamp);`

	// 系统监控每日汇总数据表
	dailySystemMetricsSQL := `
	CREATE TABLE IF NOT EXISTS daily_system_metrics (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		date DATE NOT NULL UNIQUE,
		avg_cpu_percent REAL NOT NULL,
		max_cpu_percent REAL NOT NULL,
		min_cpu_percent REAL NOT NULL,
		avg_memory_mb REAL NOT NULL,
		max_memory_mb REAL NOT NULL,
		min_memory_mb REAL NOT NULL,
		sample_count INTEGER NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_daily_system_metrics_date ON daily_system_metrics(date);`

	sqls := []string{
		reconcileSummariesSQL,
		systemMetricsSQL,
		dailySystemMetricsSQL,
	}
	for _, s := range sqls {
		if _, err := db.Exec(s); err != nil {
			return fmt.Errorf("执行 SQL 失败: %w", err)
		}
	}
	return nil
}

// migrateReconcileSummaries 为已存在的对账摘要表补 detail 字段
func migrateReconcileSummaries(db *sql.DB) error {
	rows, err := db.Query(`PRAGMA table_info(reconcile_summaries)`)
	if err != nil {
		return err
	}
	defer rows.Close()

	hasDetail := false
	for rows.Next() {
		var cid int
		var name, colType string
		var notNull, pk int
		var defaultVal sql.NullString
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			continue
		}
		if name == "detail" {
			hasDetail = true
			break
		}
	}

	if !hasDetail {
		if _, err := db.Exec(`ALTER TABLE reconcile_summaries ADD COLUMN detail TEXT DEFAULT ''`); err != nil {
			return err
		}
		logger.Info("✅ 对账摘要表已添加 detail 字段")
	}
	return nil
}

// ReconcileSummaryRecord 一轮对账的持久化摘要
type ReconcileSummaryRecord struct {
	ID        int64     `json:"id"`
	Pass      string    `json:"pass"`
	RunAt     time.Time `json:"run_at"`
	Checked   int       `json:"checked"`
	Acted     int       `json:"acted"`
	Warnings  int       `json:"warnings"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"created_at"`
}

// SaveReconcileSummary 保存一轮对账摘要
func (s *SQLiteStorage) SaveReconcileSummary(pass string, runAt time.Time, checked, acted, warnings int, detail string) error {
	_, err := s.db.Exec(`
		INSERT INTO reconcile_summaries (pass, run_at, checked, acted, warnings, detail)
		VALUES (?, ?, ?, ?, ?, ?)
	`, pass, runAt, checked, acted, warnings, detail)
	if err != nil {
		return fmt.Errorf("保存对账摘要失败: %w", err)
	}
	return nil
}

// QueryReconcileSummaries 查询对账摘要历史
// pass 为空表示所有轮次
func (s *SQLiteStorage) QueryReconcileSummaries(pass string, limit int) ([]*ReconcileSummaryRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, pass, run_at, checked, acted, warnings, detail, created_at
		FROM reconcile_summaries`
	args := []interface{}{}
	if pass != "" {
		query += ` WHERE pass = ?`
		args = append(args, pass)
	}
	query += ` ORDER BY run_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("查询对账摘要失败: %w", err)
	}
	defer rows.Close()

	var records []*ReconcileSummaryRecord
	for rows.Next() {
		r := &ReconcileSummaryRecord{}
		if err := rows.Scan(&r.ID, &r.Pass, &r.RunAt, &r.Checked, &r.Acted, &r.Warnings, &r.Detail, &r.CreatedAt); err != nil {
			continue
		}
		records = append(records, r)
	}
	return records, nil
}

// CleanupReconcileSummaries 清理过期的对账摘要
func (s *SQLiteStorage) CleanupReconcileSummaries(beforeTime time.Time) error {
	_, err := s.db.Exec(`DELETE FROM reconcile_summaries WHERE run_at < ?`, beforeTime)
	return err
}

// Vacuum 压缩数据库文件
func (s *SQLiteStorage) Vacuum() error {
	_, err := s.db.Exec(`VACUUM`)
	return err
}

// Close 关闭存储
func (s *SQLiteStorage) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	logger.Debug("🧹 运营数据库已关闭 (%s)", utils.NowUTC().Format(time.RFC3339))
	return s.db.Close()
}
