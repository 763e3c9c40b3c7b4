package cancelcmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"equiledger/broker"
	"equiledger/database"
	"equiledger/event"
	"equiledger/lock"
	"equiledger/logger"
	"equiledger/metrics"
	"equiledger/order"
	"equiledger/utils"
)

// Config 取消协调器配置
type Config struct {
	BrokerDir     string        // 主进程共享目录
	WorkerCommand string        // 主进程不存活时拉起的临时工作进程命令
	WorkerTimeout time.Duration // 工作进程等待结果的上限
	CommandExpiry time.Duration // 命令文件有效期
	ResultDirs    []string      // 额外的已知结果目录
}

// Coordinator 取消协调器
// 把取消请求写成命令文件交给券商侧进程，再从异步结果文件终结订单
type Coordinator struct {
	cfg      *Config
	db       database.Database
	sm       *order.StateMachine
	probe    broker.LivenessProbe
	lock     lock.DistributedLock
	eventBus *event.EventBus
}

// NewCoordinator 创建取消协调器
func NewCoordinator(cfg *Config, db database.Database, sm *order.StateMachine,
	probe broker.LivenessProbe, distributedLock lock.DistributedLock, eventBus *event.EventBus) *Coordinator {
	if cfg.WorkerTimeout <= 0 {
		cfg.WorkerTimeout = 60 * time.Second
	}
	if cfg.CommandExpiry <= 0 {
		cfg.CommandExpiry = 5 * time.Minute
	}
	return &Coordinator{
		cfg:      cfg,
		db:       db,
		sm:       sm,
		probe:    probe,
		lock:     distributedLock,
		eventBus: eventBus,
	}
}

// channelFor 选择订单所属的命令通道
// 主进程提交的订单走共享目录，直连订单走各自的 direct_<id>/ 目录
func (c *Coordinator) channelFor(o *database.Order) broker.CommandChannel {
	if o.RunID == nil {
		return broker.NewFileCommandChannel(filepath.Join(c.cfg.BrokerDir, fmt.Sprintf("direct_%d", o.ID)))
	}
	return broker.NewFileCommandChannel(c.cfg.BrokerDir)
}

// RequestCancel 发起取消
// 写入唯一命名的取消命令文件，把命令编号记入订单元数据，
// 再把订单标记为 CANCEL_REQUESTED；对终态订单无操作并返回错误
func (c *Coordinator) RequestCancel(ctx context.Context, o *database.Order) error {
	if o.IsTerminal() {
		return fmt.Errorf("订单 #%d 已处于终态 %s: %w", o.ID, o.Status, order.ErrInvalidTransition)
	}

	// 已有未完结的取消命令时幂等复用，不再写新命令
	existingID := order.MetadataString(o.Metadata, order.MetaKeyCancelCommandID)
	if o.Status == database.OrderStatusCancelRequested && existingID != "" {
		logger.Debug("ℹ️ 订单 #%d 已有取消命令 %s，复用", o.ID, existingID)
		return nil
	}

	commandID := utils.GenerateCommandID(o.ID)
	now := utils.NowUTC()
	cmd := &broker.CancelCommand{
		CommandID:   commandID,
		Type:        "cancel_order",
		OrderID:     o.ID,
		Tag:         o.Tag,
		RequestedAt: now,
		ExpiresAt:   now.Add(c.cfg.CommandExpiry),
	}

	channel := c.channelFor(o)
	if err := channel.SendCancel(cmd); err != nil {
		return fmt.Errorf("写入取消命令失败: %w", err)
	}

	channelKind := "leader"
	if o.RunID == nil {
		channelKind = "direct"
	}
	metrics.GetPrometheusMetrics().RecordCancelCommand(channelKind)

	if err := c.sm.RequestCancel(ctx, o, map[string]interface{}{
		order.MetaKeySource:           "cancel_coordinator",
		order.MetaKeyCancelCommandID:  commandID,
		order.MetaKeyCancelCommandTag: o.Tag,
		order.MetaKeyCancelRequestAt:  now.Format(time.RFC3339),
	}); err != nil {
		return err
	}

	logger.Info("🔄 订单 #%d 取消命令已写入: %s", o.ID, commandID)

	// 提交进程不存活时，拉起临时工作进程代为执行取消
	if c.cfg.WorkerCommand != "" && !c.probe.Alive(o.SubmittedPID) {
		logger.Warn("⚠️ 订单 #%d 的提交进程 %d 不存活，拉起临时取消工作进程", o.ID, o.SubmittedPID)
		go c.runCancelWorker(o, channel, commandID)
	}
	return nil
}

// runCancelWorker 拉起临时工作进程并在限时内等待结果
// 同一订单同一时刻只允许一个工作进程，由命名锁保证
func (c *Coordinator) runCancelWorker(o *database.Order, channel broker.CommandChannel, commandID string) {
	lockKey := fmt.Sprintf("cancel_worker:%d", o.ID)
	lockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	acquired, err := c.lock.TryLock(lockCtx, lockKey, c.cfg.WorkerTimeout+10*time.Second)
	if err != nil || !acquired {
		logger.Debug("🔒 订单 #%d 的取消工作进程锁不可用，跳过", o.ID)
		return
	}
	defer func() {
		if unlockErr := c.lock.Unlock(context.Background(), lockKey); unlockErr != nil {
			logger.Warn("⚠️ 释放取消工作进程锁失败: %v", unlockErr)
		}
	}()

	ctx, cancelWorker := context.WithTimeout(context.Background(), c.cfg.WorkerTimeout)
	defer cancelWorker()

	// 工作进程复用订单原有的券商连接身份，通过环境变量传递
	workerCmd := exec.CommandContext(ctx, "sh", "-c", c.cfg.WorkerCommand)
	workerCmd.Env = append(os.Environ(),
		fmt.Sprintf("EQUILEDGER_ORDER_ID=%d", o.ID),
		fmt.Sprintf("EQUILEDGER_COMMAND_ID=%s", commandID),
		fmt.Sprintf("EQUILEDGER_CLIENT_TAG=%s", o.Tag),
	)
	if err := workerCmd.Start(); err != nil {
		logger.Error("❌ 拉起取消工作进程失败: %v", err)
		return
	}

	// 限时轮询结果文件；超时后终止工作进程
	deadline := time.After(c.cfg.WorkerTimeout)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-deadline:
			logger.Warn("⚠️ 订单 #%d 取消工作进程超时，强制终止", o.ID)
			if workerCmd.Process != nil {
				if err := c.probe.Terminate(workerCmd.Process.Pid); err != nil {
					_ = workerCmd.Process.Kill()
				}
			}
			_ = workerCmd.Wait()
			return
		case <-ticker.C:
			result, err := channel.ReadResult(commandID)
			if err != nil || result == nil {
				continue
			}
			logger.Info("✅ 订单 #%d 取消命令 %s 结果已产生: %s", o.ID, commandID, result.Status)
			_ = workerCmd.Wait()
			return
		}
	}
}
