package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// SystemMetrics 系统监控采样
type SystemMetrics struct {
	ID            int64     `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryMB      float64   `json:"memory_mb"`
	MemoryPercent float64   `json:"memory_percent"`
	ProcessID     int       `json:"process_id"`
	CreatedAt     time.Time `json:"created_at"`
}

// DailySystemMetrics 系统监控每日汇总
type DailySystemMetrics struct {
	ID            int64     `json:"id"`
	Date          time.Time `json:"date"`
	AvgCPUPercent float64   `json:"avg_cpu_percent"`
	MaxCPUPercent float64   `json:"max_cpu_percent"`
	MinCPUPercent float64   `json:"min_cpu_percent"`
	AvgMemoryMB   float64   `json:"avg_memory_mb"`
	MaxMemoryMB   float64   `json:"max_memory_mb"`
	MinMemoryMB   float64   `json:"min_memory_mb"`
	SampleCount   int       `json:"sample_count"`
	CreatedAt     time.Time `json:"created_at"`
}

// SaveSystemMetrics 保存一次系统监控采样
func (s *SQLiteStorage) SaveSystemMetrics(m *SystemMetrics) error {
	_, err := s.db.Exec(`
		INSERT INTO system_metrics (timestamp, cpu_percent, memory_mb, memory_percent, process_id)
		VALUES (?, ?, ?, ?, ?)
	`, m.Timestamp, m.CPUPercent, m.MemoryMB, m.MemoryPercent, m.ProcessID)
	if err != nil {
		return fmt.Errorf("保存系统监控数据失败: %w", err)
	}
	return nil
}

// QuerySystemMetrics 查询系统监控细粒度数据
func (s *SQLiteStorage) QuerySystemMetrics(startTime, endTime time.Time) ([]*SystemMetrics, error) {
	rows, err := s.db.Query(`
		SELECT id, timestamp, cpu_percent, memory_mb, memory_percent, process_id, created_at
		FROM system_metrics
		WHERE timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp ASC
	`, startTime, endTime)
	if err != nil {
		return nil, fmt.Errorf("查询系统监控数据失败: %w", err)
	}
	defer rows.Close()

	var metrics []*SystemMetrics
	for rows.Next() {
		m := &SystemMetrics{}
		var memoryPercent sql.NullFloat64
		if err := rows.Scan(&m.ID, &m.Timestamp, &m.CPUPercent, &m.MemoryMB, &memoryPercent, &m.ProcessID, &m.CreatedAt); err != nil {
			continue
		}
		if memoryPercent.Valid {
			m.MemoryPercent = memoryPercent.Float64
		}
		metrics = append(metrics, m)
	}
	return metrics, nil
}

// GetLatestSystemMetrics 获取最新的系统监控数据
func (s *SQLiteStorage) GetLatestSystemMetrics() (*SystemMetrics, error) {
	row := s.db.QueryRow(`
		SELECT id, timestamp, cpu_percent, memory_mb, memory_percent, process_id, created_at
		FROM system_metrics
		ORDER BY timestamp DESC
		LIMIT 1
	`)

	m := &SystemMetrics{}
	var memoryPercent sql.NullFloat64
	err := row.Scan(&m.ID, &m.Timestamp, &m.CPUPercent, &m.MemoryMB, &memoryPercent, &m.ProcessID, &m.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("查询最新监控数据失败: %w", err)
	}
	if memoryPercent.Valid {
		m.MemoryPercent = memoryPercent.Float64
	}
	return m, nil
}

// AggregateDailySystemMetrics 把某一天的细粒度采样汇总成日记录
// 已存在的日记录被覆盖，方便重跑
func (s *SQLiteStorage) AggregateDailySystemMetrics(date time.Time) error {
	dayStart := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.Add(24 * time.Hour)

	row := s.db.QueryRow(`
		SELECT COUNT(*),
		       COALESCE(AVG(cpu_percent), 0), COALESCE(MAX(cpu_percent), 0), COALESCE(MIN(cpu_percent), 0),
		       COALESCE(AVG(memory_mb), 0), COALESCE(MAX(memory_mb), 0), COALESCE(MIN(memory_mb), 0)
		FROM system_metrics
		WHERE timestamp >= ? AND timestamp < ?
	`, dayStart, dayEnd)

	var count int
	var avgCPU, maxCPU, minCPU, avgMem, maxMem, minMem float64
	if err := row.Scan(&count, &avgCPU, &maxCPU, &minCPU, &avgMem, &maxMem, &minMem); err != nil {
		return fmt.Errorf("汇总系统监控数据失败: %w", err)
	}
	if count == 0 {
		return nil
	}

	_, err := s.db.Exec(`
		INSERT INTO daily_system_metrics
			(date, avg_cpu_percent, max_cpu_percent, min_cpu_percent,
			 avg_memory_mb, max_memory_mb, min_memory_mb, sample_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(date) DO UPDATE SET
			avg_cpu_percent = excluded.avg_cpu_percent,
			max_cpu_percent = excluded.max_cpu_percent,
			min_cpu_percent = excluded.min_cpu_percent,
			avg_memory_mb = excluded.avg_memory_mb,
			max_memory_mb = excluded.max_memory_mb,
			min_memory_mb = excluded.min_memory_mb,
			sample_count = excluded.sample_count
	`, dayStart, avgCPU, maxCPU, minCPU, avgMem, maxMem, minMem, count)
	if err != nil {
		return fmt.Errorf("写入每日汇总失败: %w", err)
	}
	return nil
}

// QueryDailySystemMetrics 查询每日汇总数据
func (s *SQLiteStorage) QueryDailySystemMetrics(days int) ([]*DailySystemMetrics, error) {
	startDate := time.Now().UTC().Add(-time.Duration(days) * 24 * time.Hour)
	startDate = time.Date(startDate.Year(), startDate.Month(), startDate.Day(), 0, 0, 0, 0, time.UTC)

	rows, err := s.db.Query(`
		SELECT id, date, avg_cpu_percent, max_cpu_percent, min_cpu_percent,
		       avg_memory_mb, max_memory_mb, min_memory_mb, sample_count, created_at
		FROM daily_system_metrics
		WHERE date >= ?
		ORDER BY date ASC
	`, startDate)
	if err != nil {
		return nil, fmt.Errorf("查询每日汇总数据失败: %w", err)
	}
	defer rows.Close()

	var metrics []*DailySystemMetrics
	for rows.Next() {
		m := &DailySystemMetrics{}
		if err := rows.Scan(&m.ID, &m.Date, &m.AvgCPUPercent, &m.MaxCPUPercent, &m.MinCPUPercent,
			&m.AvgMemoryMB, &m.MaxMemoryMB, &m.MinMemoryMB, &m.SampleCount, &m.CreatedAt); err != nil {
			continue
		}
		metrics = append(metrics, m)
	}
	return metrics, nil
}

// CleanupSystemMetrics 清理过期的细粒度数据
func (s *SQLiteStorage) CleanupSystemMetrics(beforeTime time.Time) error {
	_, err := s.db.Exec(`DELETE FROM system_metrics WHERE timestamp < ?`, beforeTime)
	return err
}

// CleanupDailySystemMetrics 清理过期的每日汇总数据
func (s *SQLiteStorage) CleanupDailySystemMetrics(beforeDate time.Time) error {
	_, err := s.db.Exec(`DELETE FROM daily_system_metrics WHERE date < ?`, beforeDate)
	return err
}
