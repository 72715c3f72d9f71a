package export

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/xiaoxiaolai/http2-node/internal/models"
)

const (
	FormatNDJSON = "ndjson"
	FormatCBOR   = "cbor"

	ContentTypeNDJSON = "application/x-ndjson"
	ContentTypeCBOR   = "application/cbor-seq"
)

// Encoder turns one record into one self-delimiting chunk.
type Encoder interface {
	Encode(rec *models.DeviceRecord) ([]byte, error)
	ContentType() string
}

// NDJSONEncoder emits one JSON document per line.
type NDJSONEncoder struct{}

func (NDJSONEncoder) Encode(rec *models.DeviceRecord) ([]byte, error) {
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode device %s: %w", rec.SerialNumber, err)
	}
	return append(b, '\n'), nil
}

func (NDJSONEncoder) ContentType() string { return ContentTypeNDJSON }

// CBOREncoder emits one CBOR data item per record (RFC 8742 sequence),
// using core deterministic encoding. Field names follow the JSON tags.
type CBOREncoder struct {
	mode cbor.EncMode
}

func NewCBOREncoder() (*CBOREncoder, error) {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	mode, err := opts.EncMode()
	if err != nil {
		return nil, fmt.Errorf("failed to build CBOR encoder: %w", err)
	}
	return &CBOREncoder{mode: mode}, nil
}

func (e *CBOREncoder) Encode(rec *models.DeviceRecord) ([]byte, error) {
	b, err := e.mode.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode device %s: %w", rec.SerialNumber, err)
	}
	return b, nil
}

func (e *CBOREncoder) ContentType() string { return ContentTypeCBOR }

// EncoderFor resolves the ?format= query value. Empty means NDJSON.
func EncoderFor(format string) (Encoder, error) {
	switch format {
	case "", FormatNDJSON:
		return NDJSONEncoder{}, nil
	case FormatCBOR:
		return NewCBOREncoder()
	default:
		return nil, &models.ValidationError{Field: "format", Reason: fmt.Sprintf("unsupported export format %q", format)}
	}
}
