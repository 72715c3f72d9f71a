package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/xiaoxiaolai/http2-node/internal/export"
	"github.com/xiaoxiaolai/http2-node/internal/models"
	"github.com/xiaoxiaolai/http2-node/internal/repository"
)

// ExportHandler 设备记录流式导出
type ExportHandler struct {
	store  repository.DeviceStore
	opts   export.Options
	logger *zap.Logger
}

func NewExportHandler(store repository.DeviceStore, opts export.Options, logger *zap.Logger) *ExportHandler {
	return &ExportHandler{store: store, opts: opts, logger: logger}
}

// Export streams every matching device record, one chunk per record, with
// no Content-Length. A store failure before the first byte is a 503; after
// it the stream is reset so the client never mistakes it for a clean end.
func (h *ExportHandler) Export(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	encoder, err := export.EncoderFor(q.Get("format"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	filter, err := exportFilterFromQuery(q)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	cursor, err := h.store.FindForExport(ctx, filter)
	if err != nil {
		h.logger.Error("Failed to open export cursor", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, Fail("device store unavailable"))
		return
	}

	header := w.Header()
	header.Set("Content-Type", encoder.ContentType())
	header.Set("Cache-Control", "no-store")
	header.Set("X-Content-Type-Options", "nosniff")

	rc := http.NewResponseController(w)
	flush := func() { _ = rc.Flush() }
	var sink export.Sink
	var gz *export.GzipSink
	if acceptsGzip(r) {
		header.Set("Content-Encoding", "gzip")
		header.Add("Vary", "Accept-Encoding")
		gz = export.NewGzipSink(w, flush)
		sink = gz
	} else {
		sink = export.NewWriterSink(w, flush)
	}

	stats, err := export.NewPipeline(encoder, h.opts, h.logger).Run(ctx, cursor, sink)

	var readErr *export.StoreReadError
	switch {
	case err == nil:
		if gz != nil {
			if err := gz.Close(); err != nil {
				h.logger.Warn("Failed to finish gzip export", zap.Error(err))
				panic(http.ErrAbortHandler)
			}
		} else if stats.Records == 0 {
			w.WriteHeader(http.StatusOK)
		}
		h.logger.Debug("Export completed",
			zap.Int("records", stats.Records),
			zap.Int64("bytes", stats.Bytes),
		)
	case ctx.Err() != nil:
		h.logger.Info("Export cancelled by client",
			zap.Int("records", stats.Records),
			zap.Error(ctx.Err()),
		)
	case errors.As(err, &readErr) && stats.Bytes == 0:
		h.logger.Error("Export failed before first record", zap.Error(err))
		header.Del("Content-Encoding")
		header.Del("Vary")
		writeJSON(w, http.StatusServiceUnavailable, Fail("device store unavailable"))
	default:
		h.logger.Error("Export aborted mid-stream",
			zap.Int("records", stats.Records),
			zap.Int64("bytes", stats.Bytes),
			zap.Error(err),
		)
		panic(http.ErrAbortHandler)
	}
}

func acceptsGzip(r *http.Request) bool {
	for _, part := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		coding, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		if !strings.EqualFold(strings.TrimSpace(coding), "gzip") {
			continue
		}
		return strings.ReplaceAll(strings.TrimSpace(params), " ", "") != "q=0"
	}
	return false
}

func exportFilterFromQuery(q url.Values) (repository.ExportFilter, error) {
	f := repository.ExportFilter{
		ApplicationID: q.Get("applicationId"),
		DeviceGroup:   q.Get("deviceGroup"),
		Owner:         q.Get("owner"),
		SensorType:    q.Get("sensorType"),
		BatchSize:     repository.DefaultBatchSize,
	}
	if v := q.Get("batchSize"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > repository.MaxBatchSize {
			return f, &models.ValidationError{
				Field:  "batchSize",
				Reason: fmt.Sprintf("must be between 1 and %d, got %q", repository.MaxBatchSize, v),
			}
		}
		f.BatchSize = n
	}
	if v := q.Get("status"); v != "" {
		n, err := strconv.Atoi(v)
		status := models.DeviceStatus(n)
		if err != nil || !status.Valid() {
			return f, &models.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", v)}
		}
		f.Status = &status
	}
	return f, nil
}
