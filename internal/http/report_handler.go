package httpapi

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/xiaoxiaolai/http2-node/internal/export"
	"github.com/xiaoxiaolai/http2-node/internal/report"
	"github.com/xiaoxiaolai/http2-node/internal/repository"
)

// ReportHandler 设备清单 Excel 下载
type ReportHandler struct {
	store  repository.DeviceStore
	logger *zap.Logger
	now    func() time.Time
}

func NewReportHandler(store repository.DeviceStore, logger *zap.Logger) *ReportHandler {
	return &ReportHandler{store: store, logger: logger, now: time.Now}
}

// countingWriter remembers whether the workbook has started going out.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// DeviceInventory accepts the same filters as the export and answers with
// an .xlsx attachment.
func (h *ReportHandler) DeviceInventory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	filter, err := exportFilterFromQuery(r.URL.Query())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	cursor, err := h.store.FindForExport(ctx, filter)
	if err != nil {
		h.logger.Error("Failed to open report cursor", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, Fail("device store unavailable"))
		return
	}

	filename := fmt.Sprintf("devices-%s.xlsx", h.now().UTC().Format("20060102-150405"))
	header := w.Header()
	header.Set("Content-Type", report.ContentType)
	header.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	header.Set("Cache-Control", "no-store")

	cw := &countingWriter{w: w}
	rows, err := report.WriteInventory(ctx, cursor, cw)
	if err == nil {
		h.logger.Debug("Inventory report written", zap.Int("rows", rows), zap.Int64("bytes", cw.n))
		return
	}
	if ctx.Err() != nil {
		h.logger.Info("Inventory report cancelled by client", zap.Int("rows", rows))
		return
	}
	if cw.n > 0 {
		h.logger.Error("Inventory report aborted mid-stream", zap.Int64("bytes", cw.n), zap.Error(err))
		panic(http.ErrAbortHandler)
	}

	header.Del("Content-Disposition")
	var readErr *export.StoreReadError
	if errors.As(err, &readErr) {
		h.logger.Error("Inventory report failed", zap.Int("rows", rows), zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, Fail("device store unavailable"))
		return
	}
	writeError(w, h.logger, err)
}
