package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"equiledger/utils"
)

// LogStorage 日志存储
// 异步批量落库，满了就丢，绝不阻塞业务日志
type LogStorage struct {
	db     *sql.DB
	mu     sync.RWMutex
	logCh  chan *logEntry
	closed bool
	wg     sync.WaitGroup
}

// logEntry 日志条目
type logEntry struct {
	level     string
	message   string
	timestamp time.Time
}

// LogQueryParams 日志查询参数
type LogQueryParams struct {
	StartTime time.Time
	EndTime   time.Time
	Level     string
	Keyword   string
	Limit     int
	Offset    int
}

// LogRecord 日志记录
type LogRecord struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

// NewLogStorage 创建日志存储
func NewLogStorage(path string) (*LogStorage, error) {
	// 使用 WAL 模式提高并发性能
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("打开日志数据库失败: %w", err)
	}

	// SQLite 并发限制
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ls := &LogStorage{
		db:    db,
		logCh: make(chan *logEntry, 500),
	}

	if err := ls.createTable(); err != nil {
		db.Close()
		return nil, fmt.Errorf("创建日志表失败: %w", err)
	}

	ls.wg.Add(1)
	go ls.processLogs()

	return ls, nil
}

// createTable 创建日志表
func (ls *LogStorage) createTable() error {
	sqlStmt := `
	CREATE TABLE IF NOT EXISTS logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL,
		level TEXT NOT NULL,
		message TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_logs_timestamp ON logs(timestamp);
	CREATE INDEX IF NOT EXISTS idx_logs_level ON logs(level);
	`

	_, err := ls.db.Exec(sqlStmt)
	return err
}

// WriteLog 写入日志（异步，不阻塞）
func (ls *LogStorage) WriteLog(level, message string) {
	ls.mu.RLock()
	closed := ls.closed
	ls.mu.RUnlock()
	if closed {
		return
	}

	entry := &logEntry{
		level:     level,
		message:   message,
		timestamp: utils.NowUTC(),
	}

	select {
	case ls.logCh <- entry:
	default:
		// 队列满时丢弃，避免阻塞
	}
}

// processLogs 处理日志写入（在独立 goroutine 中运行）
func (ls *LogStorage) processLogs() {
	defer ls.wg.Done()

	buffer := make([]*logEntry, 0, 100)
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	flush := func() {
		if len(buffer) == 0 {
			return
		}
		// 写入失败静默处理，不影响主程序
		_ = ls.batchInsert(buffer)
		buffer = buffer[:0]
	}

	for {
		select {
		case entry, ok := <-ls.logCh:
			if !ok {
				flush()
				return
			}
			buffer = append(buffer, entry)
			if len(buffer) >= 100 {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// batchInsert 批量插入日志
func (ls *LogStorage) batchInsert(entries []*logEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := ls.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO logs (timestamp, level, message)
		VALUES (?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, entry := range entries {
		if _, err := stmt.Exec(entry.timestamp, entry.level, entry.message); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// QueryLogs 按条件查询日志
func (ls *LogStorage) QueryLogs(params *LogQueryParams) ([]*LogRecord, error) {
	var conditions []string
	var args []interface{}

	if !params.StartTime.IsZero() {
		conditions = append(conditions, "timestamp >= ?")
		args = append(args, params.StartTime)
	}
	if !params.EndTime.IsZero() {
		conditions = append(conditions, "timestamp <= ?")
		args = append(args, params.EndTime)
	}
	if params.Level != "" {
		conditions = append(conditions, "level = ?")
		args = append(args, strings.ToUpper(params.Level))
	}
	if params.Keyword != "" {
		conditions = append(conditions, "message LIKE ?")
		args = append(args, "%"+params.Keyword+"%")
	}

	query := `SELECT id, timestamp, level, message FROM logs`
	if len(conditions) > 0 {
		query += ` WHERE ` + strings.Join(conditions, " AND ")
	}
	query += ` ORDER BY timestamp DESC`

	limit := params.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, params.Offset)

	rows, err := ls.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("查询日志失败: %w", err)
	}
	defer rows.Close()

	var records []*LogRecord
	for rows.Next() {
		r := &LogRecord{}
		if err := rows.Scan(&r.ID, &r.Timestamp, &r.Level, &r.Message); err != nil {
			continue
		}
		records = append(records, r)
	}
	return records, nil
}

// CleanupLogs 清理过期日志
func (ls *LogStorage) CleanupLogs(beforeTime time.Time) error {
	_, err := ls.db.Exec(`DELETE FROM logs WHERE timestamp < ?`, beforeTime)
	return err
}

// Close 关闭日志存储
// 先停止接收再排干缓冲，保证已入队的日志落库
func (ls *LogStorage) Close() error {
	ls.mu.Lock()
	if ls.closed {
		ls.mu.Unlock()
		return nil
	}
	ls.closed = true
	ls.mu.Unlock()

	close(ls.logCh)
	ls.wg.Wait()
	return ls.db.Close()
}
