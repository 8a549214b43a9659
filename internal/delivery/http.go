package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/xela07ax/apitrail/internal/domain"
)

const (
	HeaderAPIKey  = "X-API-KEY"
	HeaderBatchID = "X-Batch-ID"

	// RequestsPath добавляется к базовому URL коллектора вне developer mode.
	RequestsPath = "/requests"

	maxErrorBody = 512
)

type HTTPConfig struct {
	BaseURL       string
	APIKey        string
	DeveloperMode bool // URL коллектора используется как есть
	Compress      bool // gzip тела запроса
}

// HTTPDeliverer отправляет пачку JSON-массивом в коллектор. Без внутренних ретраев:
// повтор происходит через requeue и следующий сброс.
type HTTPDeliverer struct {
	client   *http.Client
	endpoint string
	apiKey   string
	compress bool
	logger   *zap.Logger
}

func NewHTTPDeliverer(cfg HTTPConfig, client *http.Client, logger *zap.Logger) *HTTPDeliverer {
	if client == nil {
		client = NewHTTPClient()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPDeliverer{
		client:   client,
		endpoint: Endpoint(cfg.BaseURL, cfg.DeveloperMode),
		apiKey:   cfg.APIKey,
		compress: cfg.Compress,
		logger:   logger.With(zap.String("mod", "delivery.http")),
	}
}

// Endpoint строит URL приема пачек.
func Endpoint(baseURL string, developerMode bool) string {
	if developerMode {
		return baseURL
	}
	return strings.TrimRight(baseURL, "/") + RequestsPath
}

func (d *HTTPDeliverer) Endpoint() string {
	return d.endpoint
}

// Send реализует pipeline.Deliverer
func (d *HTTPDeliverer) Send(ctx context.Context, batch []domain.Record) error {
	payload, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}

	body := payload
	if d.compress {
		if body, err = gzipBytes(payload); err != nil {
			return fmt.Errorf("compress batch: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	batchID := uuid.New().String()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderAPIKey, d.apiKey)
	req.Header.Set(HeaderBatchID, batchID)
	if d.compress {
		req.Header.Set("Content-Encoding", "gzip")
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	// Дочитываем тело, чтобы соединение вернулось в пул
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	d.logger.Debug("batch accepted by collector",
		zap.String("batch_id", batchID),
		zap.Int("records", len(batch)),
		zap.Int("payload_bytes", len(body)),
		zap.Int("status", resp.StatusCode),
	)
	return nil
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
