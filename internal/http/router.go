package httpapi

import (
	"net/http"

	"go.uber.org/zap"
)

// Router 使用标准库 http.ServeMux（方法 + 路径参数模式）
type Router struct {
	mux    *http.ServeMux
	logger *zap.Logger
}

func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		mux:    http.NewServeMux(),
		logger: logger,
	}
}

func (r *Router) Handle(pattern string, h http.HandlerFunc) {
	r.mux.HandleFunc(pattern, h)
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Handler returns the router wrapped in the timing middleware.
func (r *Router) Handler() http.Handler {
	return Timing(r.logger)(r)
}

// RegisterExportRoutes 导出路由；根路径保留旧客户端的入口
func (r *Router) RegisterExportRoutes(h *ExportHandler) {
	r.Handle("GET /api/v1/devices/export", h.Export)
	r.Handle("GET /{$}", h.Export)
}

func (r *Router) RegisterDeviceRoutes(h *DeviceHandler) {
	r.Handle("GET /api/v1/devices/{serial}", h.GetDevice)
	r.Handle("PUT /api/v1/devices/{serial}", h.UpsertDevice)
	r.Handle("POST /api/v1/devices/{serial}/evaluation", h.ApplyEvaluation)
	r.Handle("POST /api/v1/devices/status/recompute", h.RecomputeStatuses)
}

func (r *Router) RegisterReportRoutes(h *ReportHandler) {
	r.Handle("GET /api/v1/reports/devices.xlsx", h.DeviceInventory)
}

func (r *Router) RegisterHealthRoutes() {
	r.Handle("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, Ok(map[string]string{"status": "ok"}))
	})
}
