// Package recordsservice is the HTTP front end of gojotier. Clients see one
// record namespace; which tier serves a record is reported but never matters
// for the result.
package recordsservice

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"github.com/sushant-115/gojotier/core/storage_engine/common"
	migrationledger "github.com/sushant-115/gojotier/core/storage_engine/migration_ledger"
	"github.com/sushant-115/gojotier/core/storage_engine/tiered_storage"
	"go.uber.org/zap"
)

// Response headers describing a served record.
const (
	HeaderTier      = "X-Record-Tier"
	HeaderCreatedAt = "X-Record-Created-At"
	HeaderChecksum  = "X-Record-Checksum"
	HeaderRequestID = "X-Request-Id"
)

// Records is the unified access layer.
type Records interface {
	Lookup(ctx context.Context, key string) (common.Record, tiered_storage.StorageTierType, bool, error)
	Put(ctx context.Context, key string, payload []byte) error
	Delete(ctx context.Context, key string) error
}

// Tiering is the admin surface of the tiering engine.
type Tiering interface {
	Task(ctx context.Context, key string) (migrationledger.Task, bool, error)
	ResetQuarantined(ctx context.Context, key string) error
	RunOnce(ctx context.Context) (tiered_storage.CycleResult, error)
	Stats(ctx context.Context) (map[migrationledger.State]int, error)
}

// APIResponse is the JSON envelope for everything that is not a payload.
type APIResponse struct {
	Status  string `json:"status"` // OK, ERROR, NOT_FOUND
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// Options tunes request handling.
type Options struct {
	MaxPayloadBytes int64
	RequestTimeout  time.Duration
}

// RecordsService serves the records and tiering admin API.
type RecordsService struct {
	records Records
	tiering Tiering
	opts    Options
	logger  *zap.Logger
}

func NewRecordsService(records Records, tiering Tiering, opts Options, logger *zap.Logger) *RecordsService {
	if opts.MaxPayloadBytes <= 0 {
		opts.MaxPayloadBytes = 1 << 20
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	return &RecordsService{
		records: records,
		tiering: tiering,
		opts:    opts,
		logger:  logger.Named("records_service"),
	}
}

// Handler builds the router. Record keys may contain slashes.
func (s *RecordsService) Handler() http.Handler {
	r := httprouter.New()
	r.GET("/healthz", s.wrap(s.handleHealth))
	r.GET("/v1/records/*key", s.wrap(s.handleGetRecord))
	r.PUT("/v1/records/*key", s.wrap(s.handlePutRecord))
	r.DELETE("/v1/records/*key", s.wrap(s.handleDeleteRecord))
	r.GET("/v1/migrations/*key", s.wrap(s.handleGetTask))
	// POST /v1/migrations/{key}/reset
	r.POST("/v1/migrations/*key", s.wrap(s.handleResetTask))
	r.POST("/v1/tiering/run", s.wrap(s.handleRunTiering))
	r.GET("/v1/tiering/stats", s.wrap(s.handleStats))
	return r
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// wrap applies the request timeout, a request ID and access logging.
func (s *RecordsService) wrap(h httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		start := time.Now()
		reqID := r.Header.Get(HeaderRequestID)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, reqID)

		ctx, cancel := context.WithTimeout(r.Context(), s.opts.RequestTimeout)
		defer cancel()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r.WithContext(ctx), ps)

		s.logger.Debug("Request served",
			zap.String("request_id", reqID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
		)
	}
}

func keyParam(ps httprouter.Params) string {
	return strings.TrimPrefix(ps.ByName("key"), "/")
}

func (s *RecordsService) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, APIResponse{Status: "OK"})
}

func (s *RecordsService) handleGetRecord(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	rec, tier, found, err := s.records.Lookup(r.Context(), keyParam(ps))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, APIResponse{Status: "NOT_FOUND", Message: "record not found"})
		return
	}
	h := w.Header()
	h.Set("Content-Type", "application/octet-stream")
	h.Set(HeaderTier, tier.String())
	h.Set(HeaderCreatedAt, rec.CreatedAt.Format(time.RFC3339Nano))
	h.Set(HeaderChecksum, rec.Checksum)
	w.WriteHeader(http.StatusOK)
	w.Write(rec.Payload)
}

func (s *RecordsService) handlePutRecord(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.opts.MaxPayloadBytes))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			err = common.ErrRecordTooLarge
		}
		s.writeError(w, r, err)
		return
	}
	if err := s.records.Put(r.Context(), keyParam(ps), body); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *RecordsService) handleDeleteRecord(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if err := s.records.Delete(r.Context(), keyParam(ps)); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *RecordsService) handleGetTask(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	task, found, err := s.tiering.Task(r.Context(), keyParam(ps))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, APIResponse{Status: "NOT_FOUND", Message: "no migration task for key"})
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{Status: "OK", Data: task})
}

func (s *RecordsService) handleResetTask(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	key, ok := strings.CutSuffix(keyParam(ps), "/reset")
	if !ok || key == "" {
		writeJSON(w, http.StatusNotFound, APIResponse{Status: "NOT_FOUND", Message: "unknown migration action"})
		return
	}
	if err := s.tiering.ResetQuarantined(r.Context(), key); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *RecordsService) handleRunTiering(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	res, err := s.tiering.RunOnce(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{Status: "OK", Data: res})
}

func (s *RecordsService) handleStats(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	counts, err := s.tiering.Stats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{Status: "OK", Data: counts})
}

// StatusFor maps an error onto the HTTP status clients see.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, common.ErrInvalidKey):
		return http.StatusBadRequest
	case errors.Is(err, common.ErrRecordTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, migrationledger.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, migrationledger.ErrNotQuarantined):
		return http.StatusConflict
	case errors.Is(err, common.ErrTransientIO):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (s *RecordsService) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Error(err),
		)
	}
	writeJSON(w, status, APIResponse{Status: "ERROR", Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, resp APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}
