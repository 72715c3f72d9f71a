package httpapi

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/xiaoxiaolai/http2-node/internal/models"
	"github.com/xiaoxiaolai/http2-node/internal/repository"
)

// DeviceHandler 设备读写 Handler
type DeviceHandler struct {
	store  repository.DeviceStore
	logger *zap.Logger
}

func NewDeviceHandler(store repository.DeviceStore, logger *zap.Logger) *DeviceHandler {
	return &DeviceHandler{store: store, logger: logger}
}

// UpsertResult PUT 返回值
type UpsertResult struct {
	Inserted bool                 `json:"inserted"`
	Device   *models.DeviceRecord `json:"device"`
}

// RecomputeResult 状态重算返回值
type RecomputeResult struct {
	Changed int `json:"changed"`
}

// GetDevice GET /api/v1/devices/{serial}
func (h *DeviceHandler) GetDevice(w http.ResponseWriter, r *http.Request) {
	rec, err := h.store.Get(r.Context(), r.PathValue("serial"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(rec))
}

// UpsertDevice PUT /api/v1/devices/{serial}
func (h *DeviceHandler) UpsertDevice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	serial := r.PathValue("serial")

	var patch models.DevicePatch
	if err := readBodyJSON(r, maxBodyBytes, &patch); err != nil {
		writeError(w, h.logger, err)
		return
	}
	inserted, err := h.store.UpsertBySerial(ctx, serial, patch)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	rec, err := h.store.Get(ctx, serial)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	status := http.StatusOK
	if inserted {
		status = http.StatusCreated
		h.logger.Info("Device created", zap.String("serial_number", serial))
	}
	writeJSON(w, status, Ok(UpsertResult{Inserted: inserted, Device: rec}))
}

// ApplyEvaluation POST /api/v1/devices/{serial}/evaluation
func (h *DeviceHandler) ApplyEvaluation(w http.ResponseWriter, r *http.Request) {
	var e models.Evaluation
	if err := readBodyJSON(r, maxBodyBytes, &e); err != nil {
		writeError(w, h.logger, err)
		return
	}
	rec, err := h.store.ApplyEvaluation(r.Context(), r.PathValue("serial"), e)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(rec))
}

// RecomputeStatuses POST /api/v1/devices/status/recompute
func (h *DeviceHandler) RecomputeStatuses(w http.ResponseWriter, r *http.Request) {
	changed, err := h.store.RecomputeStatuses(r.Context())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(RecomputeResult{Changed: changed}))
}
