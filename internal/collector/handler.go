package collector

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/klauspost/compress/gzip"
	"github.com/valyala/fastjson"
	"go.uber.org/zap"

	"github.com/xela07ax/apitrail/internal/delivery"
)

// DefaultMaxPayloadBytes — предел размера распакованной пачки.
const DefaultMaxPayloadBytes = 8 << 20

// Handler — минимальный коллектор: принимает пачки записей по POST /requests.
// Используется для локальной отладки конвейера и в интеграционных тестах.
type Handler struct {
	apiKey     string
	maxPayload int64
	logger     *zap.Logger
	parsers    fastjson.ParserPool

	batches  atomic.Int64
	received atomic.Int64
}

func NewHandler(apiKey string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		apiKey:     apiKey,
		maxPayload: DefaultMaxPayloadBytes,
		logger:     logger.With(zap.String("mod", "collector")),
	}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post(delivery.RequestsPath, h.handleRequests)
	r.Get("/stats", h.handleStats)
	return r
}

// Received — сколько записей принято с момента старта.
func (h *Handler) Received() int64 {
	return h.received.Load()
}

func (h *Handler) handleRequests(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get(delivery.HeaderAPIKey)
	if h.apiKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(h.apiKey)) != 1 {
		h.respondError(w, http.StatusUnauthorized, "invalid api key")
		return
	}

	payload, err := h.readPayload(r)
	if err != nil {
		h.logger.Warn("failed to read batch", zap.Error(err))
		h.respondError(w, http.StatusBadRequest, "unreadable payload")
		return
	}

	p := h.parsers.Get()
	defer h.parsers.Put(p)

	v, err := p.ParseBytes(payload)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid json")
		return
	}
	records, err := v.Array()
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "batch must be a json array")
		return
	}

	for _, rec := range records {
		h.logger.Debug("record",
			zap.ByteString("service", rec.GetStringBytes("serviceName")),
			zap.ByteString("method", rec.GetStringBytes("method")),
			zap.ByteString("url", rec.GetStringBytes("url")),
			zap.Int("status", rec.GetInt("statusCode")),
			zap.Float64("duration_ms", rec.GetFloat64("duration")),
		)
	}

	h.batches.Add(1)
	total := h.received.Add(int64(len(records)))
	h.logger.Info("batch received",
		zap.Int("records", len(records)),
		zap.Int64("total", total),
		zap.String("batch_id", r.Header.Get(delivery.HeaderBatchID)),
	)

	h.respondJSON(w, http.StatusOK, map[string]int{"accepted": len(records)})
}

func (h *Handler) handleStats(w http.ResponseWriter, _ *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]int64{
		"batches": h.batches.Load(),
		"records": h.received.Load(),
	})
}

func (h *Handler) readPayload(r *http.Request) ([]byte, error) {
	var src io.Reader = r.Body
	if r.Header.Get("Content-Encoding") == "gzip" {
		zr, err := gzip.NewReader(r.Body)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		src = zr
	}

	data, err := io.ReadAll(io.LimitReader(src, h.maxPayload+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > h.maxPayload {
		return nil, errors.New("payload too large")
	}
	return data, nil
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *Handler) respondError(w http.ResponseWriter, status int, msg string) {
	h.respondJSON(w, status, map[string]string{"error": msg})
}
