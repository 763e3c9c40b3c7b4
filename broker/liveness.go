package broker

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"equiledger/logger"
)

// ErrBrokerUnreachable 券商连接不可达
var ErrBrokerUnreachable = errors.New("broker connection unreachable")

// LivenessProbe 进程存活探测接口
type LivenessProbe interface {
	Alive(pid int) bool
	Terminate(pid int) error
}

// ProcessProbe 基于系统进程表的存活探测
type ProcessProbe struct{}

// NewProcessProbe 创建进程探测器
func NewProcessProbe() *ProcessProbe {
	return &ProcessProbe{}
}

// Alive 判断进程是否存活
func (p *ProcessProbe) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	exists, err := process.PidExists(int32(pid))
	if err != nil {
		logger.Warn("⚠️ 进程存活探测失败 pid=%d: %v", pid, err)
		return false
	}
	return exists
}

// Terminate 终止进程
func (p *ProcessProbe) Terminate(pid int) error {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return fmt.Errorf("获取进程 %d 失败: %w", pid, err)
	}
	if err := proc.Terminate(); err != nil {
		// 优雅终止失败则强杀
		if killErr := proc.Kill(); killErr != nil {
			return fmt.Errorf("终止进程 %d 失败: %w", pid, killErr)
		}
	}
	return nil
}

// StaticProbe 存活探测的测试替身
type StaticProbe struct {
	AlivePIDs  map[int]bool
	Terminated []int
}

// NewStaticProbe 创建测试替身
func NewStaticProbe() *StaticProbe {
	return &StaticProbe{AlivePIDs: make(map[int]bool)}
}

// Alive 按预置表返回存活状态
func (s *StaticProbe) Alive(pid int) bool {
	return s.AlivePIDs[pid]
}

// Terminate 记录终止请求
func (s *StaticProbe) Terminate(pid int) error {
	s.Terminated = append(s.Terminated, pid)
	delete(s.AlivePIDs, pid)
	return nil
}

// ConnectivityChecker 券商连接可达性检查
// 主进程 PID 存活且心跳文件新鲜才视为可达
type ConnectivityChecker struct {
	probe          LivenessProbe
	leaderPIDFile  string
	heartbeatFile  string
	heartbeatStale time.Duration
}

// NewConnectivityChecker 创建可达性检查器
func NewConnectivityChecker(probe LivenessProbe, brokerDir, leaderPIDFile string, heartbeatStale time.Duration) *ConnectivityChecker {
	return &ConnectivityChecker{
		probe:          probe,
		leaderPIDFile:  leaderPIDFile,
		heartbeatFile:  filepath.Join(brokerDir, "heartbeat"),
		heartbeatStale: heartbeatStale,
	}
}

// LeaderPID 读取主进程 PID，文件缺失或损坏返回 0
func (cc *ConnectivityChecker) LeaderPID() int {
	data, err := os.ReadFile(cc.leaderPIDFile)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}

// Reachable 判断券商连接当前是否可达
func (cc *ConnectivityChecker) Reachable() bool {
	pid := cc.LeaderPID()
	if pid == 0 || !cc.probe.Alive(pid) {
		logger.Debug("🔍 主进程不存活 pid=%d", pid)
		return false
	}

	if cc.heartbeatStale > 0 {
		info, err := os.Stat(cc.heartbeatFile)
		if err != nil {
			logger.Debug("🔍 心跳文件不可读: %v", err)
			return false
		}
		if time.Since(info.ModTime()) > cc.heartbeatStale {
			logger.Debug("🔍 心跳过期: %s", time.Since(info.ModTime()))
			return false
		}
	}
	return true
}
