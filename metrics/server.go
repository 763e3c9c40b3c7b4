package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"equiledger/logger"
)

// MetricsServer /metrics HTTP 服务
type MetricsServer struct {
	server *http.Server
}

// NewMetricsServer 创建指标服务
func NewMetricsServer(listen string) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	return &MetricsServer{
		server: &http.Server{
			Addr:    listen,
			Handler: mux,
		},
	}
}

// Start 启动指标服务（非阻塞）
func (ms *MetricsServer) Start() {
	go func() {
		logger.Info("📊 指标服务已启动: %s/metrics", ms.server.Addr)
		if err := ms.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("❌ 指标服务异常退出: %v", err)
		}
	}()
}

// Stop 停止指标服务
func (ms *MetricsServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := ms.server.Shutdown(ctx); err != nil {
		logger.Warn("⚠️ 指标服务关闭失败: %v", err)
	}
}
