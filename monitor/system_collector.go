package monitor

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemSample 当前进程的一次资源采样
type SystemSample struct {
	Timestamp     time.Time `json:"timestamp"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryMB      float64   `json:"memory_mb"`
	MemoryPercent float64   `json:"memory_percent"` // 占系统内存百分比
	ProcessID     int       `json:"process_id"`
}

// CollectSystemSample 采集系统资源指标
func CollectSystemSample() (*SystemSample, error) {
	pid := os.Getpid()
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil, fmt.Errorf("获取进程失败: %w", err)
	}

	cpuPercent, err := p.CPUPercent()
	if err != nil {
		// 进程级采集失败时退回系统级
		cpuPercent, err = getSystemCPUPercent()
		if err != nil {
			return nil, fmt.Errorf("获取CPU占用率失败: %w", err)
		}
	}

	// RSS 为实际占用的物理内存
	memInfo, err := p.MemoryInfo()
	if err != nil {
		return nil, fmt.Errorf("获取内存信息失败: %w", err)
	}
	memoryMB := float64(memInfo.RSS) / 1024 / 1024

	var memoryPercent float64
	if memStat, err := mem.VirtualMemory(); err == nil && memStat.Total > 0 {
		memoryPercent = (float64(memInfo.RSS) / float64(memStat.Total)) * 100
	}

	return &SystemSample{
		Timestamp:     time.Now().UTC(),
		CPUPercent:    cpuPercent,
		MemoryMB:      memoryMB,
		MemoryPercent: memoryPercent,
		ProcessID:     pid,
	}, nil
}

// getSystemCPUPercent 获取系统CPU使用率（备用方法）
func getSystemCPUPercent() (float64, error) {
	percentages, err := cpu.Percent(time.Second, false)
	if err != nil {
		return 0, err
	}
	if len(percentages) == 0 {
		return 0, fmt.Errorf("无法获取CPU使用率")
	}
	return percentages[0], nil
}

// GetGoRuntimeStats 获取Go运行时统计信息（用于调试）
func GetGoRuntimeStats() map[string]interface{} {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return map[string]interface{}{
		"goroutines":      runtime.NumGoroutine(),
		"alloc_mb":        float64(m.Alloc) / 1024 / 1024,
		"total_alloc_mb":  float64(m.TotalAlloc) / 1024 / 1024,
		"sys_mb":          float64(m.Sys) / 1024 / 1024,
		"num_gc":          m.NumGC,
		"gc_cpu_fraction": m.GCCPUFraction,
	}
}
