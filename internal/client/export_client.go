package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/go-resty/resty/v2"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/xiaoxiaolai/http2-node/internal/models"
)

// ErrTruncated means the export ended before a clean end of stream.
var ErrTruncated = errors.New("export stream truncated")

const (
	exportPath         = "/api/v1/devices/export"
	headerResponseTime = "X-Response-Time"
	headerRequestID    = "X-Request-Id"
)

// ExportQuery 导出筛选条件
type ExportQuery struct {
	ApplicationID string
	DeviceGroup   string
	Owner         string
	SensorType    string
	Status        *models.DeviceStatus
	Format        string // "ndjson" (default) or "cbor"
	Gzip          bool
}

func (q ExportQuery) params() map[string]string {
	p := map[string]string{}
	set := func(k, v string) {
		if v != "" {
			p[k] = v
		}
	}
	set("applicationId", q.ApplicationID)
	set("deviceGroup", q.DeviceGroup)
	set("owner", q.Owner)
	set("sensorType", q.SensorType)
	set("format", q.Format)
	if q.Status != nil {
		p["status"] = strconv.Itoa(int(*q.Status))
	}
	return p
}

// ExportSummary describes a completed export.
type ExportSummary struct {
	Records      int
	ResponseTime string
	RequestID    string
}

// ExportError is a non-200 answer from the export endpoint.
type ExportError struct {
	StatusCode int
	Message    string
}

func (e *ExportError) Error() string {
	return fmt.Sprintf("export failed with HTTP %d: %s", e.StatusCode, e.Message)
}

// ExportClient 设备导出流客户端
type ExportClient struct {
	httpClient *resty.Client
	logger     *zap.Logger
}

// NewExportClient wraps hc (which must speak HTTP/2 over TLS to the server).
// A nil hc uses resty's default client.
func NewExportClient(baseURL string, hc *http.Client, logger *zap.Logger) *ExportClient {
	var rc *resty.Client
	if hc != nil {
		rc = resty.NewWithClient(hc)
	} else {
		rc = resty.New()
	}
	rc.SetBaseURL(baseURL).
		SetRetryCount(0)
	return &ExportClient{httpClient: rc, logger: logger}
}

// Stream reads the export and calls fn once per record, in order. It
// returns an error wrapping ErrTruncated when the stream ends mid-record or
// the transport reports an abnormal end.
func (c *ExportClient) Stream(ctx context.Context, q ExportQuery, fn func(*models.DeviceRecord) error) (ExportSummary, error) {
	var summary ExportSummary
	encoding := "identity"
	if q.Gzip {
		encoding = "gzip"
	}

	start := time.Now()
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetQueryParams(q.params()).
		SetHeader("Accept-Encoding", encoding).
		SetDoNotParseResponse(true).
		Get(exportPath)
	if err != nil {
		return summary, fmt.Errorf("failed to call export: %w", err)
	}
	body := resp.RawBody()
	defer body.Close()

	summary.ResponseTime = resp.Header().Get(headerResponseTime)
	summary.RequestID = resp.Header().Get(headerRequestID)
	if resp.StatusCode() != http.StatusOK {
		return summary, readExportError(resp.StatusCode(), body)
	}

	var r io.Reader = body
	if strings.EqualFold(resp.Header().Get("Content-Encoding"), "gzip") {
		zr, err := gzip.NewReader(body)
		if err != nil {
			return summary, fmt.Errorf("%w: bad gzip header: %w", ErrTruncated, err)
		}
		defer zr.Close()
		r = zr
	}

	emit := func(rec *models.DeviceRecord) error {
		summary.Records++
		return fn(rec)
	}
	if q.Format == "cbor" {
		err = readCBOR(r, emit)
	} else {
		err = readNDJSON(r, emit)
	}
	if err != nil {
		return summary, err
	}

	c.logger.Info("Export received",
		zap.Int("records", summary.Records),
		zap.String("server_response_time", summary.ResponseTime),
		zap.Duration("elapsed", time.Since(start)),
		zap.String("request_id", summary.RequestID),
	)
	return summary, nil
}

// Collect is Stream into a slice.
func (c *ExportClient) Collect(ctx context.Context, q ExportQuery) ([]*models.DeviceRecord, ExportSummary, error) {
	var out []*models.DeviceRecord
	summary, err := c.Stream(ctx, q, func(rec *models.DeviceRecord) error {
		out = append(out, rec)
		return nil
	})
	return out, summary, err
}

func readNDJSON(r io.Reader, emit func(*models.DeviceRecord) error) error {
	br := bufio.NewReaderSize(r, 64*1024)
	n := 0
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 && line[len(line)-1] == '\n' {
			var rec models.DeviceRecord
			if jerr := json.Unmarshal(line, &rec); jerr != nil {
				return fmt.Errorf("record %d: %w", n, jerr)
			}
			n++
			if ferr := emit(&rec); ferr != nil {
				return ferr
			}
		}
		switch {
		case err == nil:
		case errors.Is(err, io.EOF) && len(line) == 0:
			return nil
		case errors.Is(err, io.EOF):
			return fmt.Errorf("%w after %d records: partial record of %d bytes", ErrTruncated, n, len(line))
		default:
			return fmt.Errorf("%w after %d records: %w", ErrTruncated, n, err)
		}
	}
}

func readCBOR(r io.Reader, emit func(*models.DeviceRecord) error) error {
	dec := cbor.NewDecoder(r)
	n := 0
	for {
		var rec models.DeviceRecord
		err := dec.Decode(&rec)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w after %d records: %w", ErrTruncated, n, err)
		}
		n++
		if err := emit(&rec); err != nil {
			return err
		}
	}
}

func readExportError(status int, body io.Reader) error {
	var envelope struct {
		Message string `json:"message"`
	}
	raw, _ := io.ReadAll(io.LimitReader(body, 64*1024))
	if err := json.Unmarshal(raw, &envelope); err != nil || envelope.Message == "" {
		envelope.Message = strings.TrimSpace(string(raw))
	}
	return &ExportError{StatusCode: status, Message: envelope.Message}
}
