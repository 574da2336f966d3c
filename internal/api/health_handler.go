package api

import (
	"net/http"
	"strings"

	"TraceConsumer/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

type HealthHandler struct {
	state  *service.HealthState
	logger *logrus.Logger
}

func NewHealthHandler(state *service.HealthState, logger *logrus.Logger) *HealthHandler {
	return &HealthHandler{state: state, logger: logger}
}

// Live 进程存活
// @Router /healthz/live [get]
func (h *HealthHandler) Live(c *gin.Context) {
	c.String(http.StatusOK, "OK")
}

// Ready 服务已启动且数据库、Kafka 可用
// @Success 200 {string} string "Ready"
// @Failure 503 {string} string "Not Ready: ..."
// @Router /healthz/ready [get]
func (h *HealthHandler) Ready(c *gin.Context) {
	ok, reasons := h.state.Ready()
	if !ok {
		c.String(http.StatusServiceUnavailable, "Not Ready: "+strings.Join(reasons, ", "))
		return
	}
	c.String(http.StatusOK, "Ready")
}

// RegisterRoutes 注册健康检查与指标路由
func RegisterRoutes(r *gin.Engine, h *HealthHandler, gatherer prometheus.Gatherer) {
	r.GET("/healthz/live", h.Live)
	r.GET("/healthz/ready", h.Ready)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
}
