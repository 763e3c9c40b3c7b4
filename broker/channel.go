package broker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// 命令/结果通道目录名
const (
	CommandsDirName = "commands"
	ResultsDirName  = "command_results"
)

// 命令结果状态
const (
	ResultStatusOK       = "ok"
	ResultStatusNotFound = "not_found"
	ResultStatusPending  = "pending"
)

// CancelCommand 取消命令消息
type CancelCommand struct {
	CommandID   string    `json:"command_id"`
	Type        string    `json:"type"` // cancel_order
	OrderID     int64     `json:"order_id"`
	Tag         string    `json:"tag"`
	RequestedAt time.Time `json:"requested_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// CommandResult 命令执行结果消息
type CommandResult struct {
	CommandID    string    `json:"command_id"`
	Status       string    `json:"status"` // ok, not_found, pending
	ProcessedAt  time.Time `json:"processed_at"`
	BrokerageIDs []int64   `json:"brokerage_ids,omitempty"`
}

// CommandChannel 命令/结果通道抽象
// 目录即队列，文件名即消息编号；文件后端之外也可换成真正的队列实现
type CommandChannel interface {
	SendCancel(cmd *CancelCommand) error
	ReadResult(commandID string) (*CommandResult, error)
	ResultDir() string
}

// FileCommandChannel 文件后端的命令通道
type FileCommandChannel struct {
	baseDir string
}

// NewFileCommandChannel 创建文件命令通道
// baseDir 为命令所属进程的工作目录，commands/ 与 command_results/ 在其下
func NewFileCommandChannel(baseDir string) *FileCommandChannel {
	return &FileCommandChannel{baseDir: baseDir}
}

// SendCancel 写入取消命令文件
// 先写临时文件再改名，避免消费方读到半截命令
func (fc *FileCommandChannel) SendCancel(cmd *CancelCommand) error {
	dir := filepath.Join(fc.baseDir, CommandsDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("创建命令目录失败: %w", err)
	}

	data, err := json.MarshalIndent(cmd, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化取消命令失败: %w", err)
	}

	final := filepath.Join(dir, cmd.CommandID+".json")
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("写入取消命令失败: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("落地取消命令失败: %w", err)
	}
	return nil
}

// ReadResult 读取命令结果，结果文件尚不存在时返回 (nil, nil)
func (fc *FileCommandChannel) ReadResult(commandID string) (*CommandResult, error) {
	path := filepath.Join(fc.baseDir, ResultsDirName, commandID+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("读取命令结果失败: %w", err)
	}

	var result CommandResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("解析命令结果 %s 失败: %w", commandID, err)
	}
	return &result, nil
}

// ResultDir 返回结果目录路径
func (fc *FileCommandChannel) ResultDir() string {
	return filepath.Join(fc.baseDir, ResultsDirName)
}
