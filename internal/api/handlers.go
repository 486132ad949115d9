package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"coffeeledger/internal/core"
	"coffeeledger/pkg/domain"

	"github.com/go-chi/chi/v5"
)

type callerKey struct{}

func requireCaller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller := domain.Identity(strings.TrimSpace(r.Header.Get(CallerHeader)))
		if caller.IsZero() {
			writeError(w, http.StatusUnauthorized, "missing_caller", CallerHeader+" header required")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey{}, caller)))
	})
}

func callerFrom(ctx context.Context) domain.Identity {
	caller, _ := ctx.Value(callerKey{}).(domain.Identity)
	return caller
}

type createBatchRequest struct {
	ID            string          `json:"id"`
	ProducerName  string          `json:"producer_name"`
	InitialHolder domain.Identity `json:"initial_holder"`
	BatchDataHash string          `json:"batch_data_hash"`
	Metadata      json.RawMessage `json:"metadata"`
}

type addStageRequest struct {
	StageName     string          `json:"stage_name"`
	StageDataHash string          `json:"stage_data_hash"`
	Details       json.RawMessage `json:"details"`
}

type transferRequest struct {
	NewHolder domain.Identity `json:"new_holder"`
}

type batchResponse struct {
	Batch    domain.Batch       `json:"batch"`
	Warnings []domain.Violation `json:"warnings,omitempty"`
}

type stageResponse struct {
	Stage    domain.Stage       `json:"stage"`
	Warnings []domain.Violation `json:"warnings,omitempty"`
}

type historyResponse struct {
	Batch  domain.Batch   `json:"batch"`
	Stages []domain.Stage `json:"stages"`
}

type listResponse struct {
	Batches []domain.Batch `json:"batches"`
}

func (s *server) createBatch(w http.ResponseWriter, r *http.Request) {
	var req createBatchRequest
	if !decode(w, r, &req) {
		return
	}
	hash, err := fingerprint(req.BatchDataHash, req.Metadata)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "batch_data_hash or metadata: "+err.Error())
		return
	}
	if req.InitialHolder.IsZero() {
		writeError(w, http.StatusBadRequest, "invalid_request", "initial_holder required")
		return
	}
	batch, res, err := s.svc.CreateBatch(r.Context(), domain.NewBatch{
		ID:            req.ID,
		ProducerName:  req.ProducerName,
		BatchDataHash: hash,
		InitialHolder: req.InitialHolder,
	}, callerFrom(r.Context()))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, batchResponse{Batch: batch, Warnings: res.Violations})
}

func (s *server) addStage(w http.ResponseWriter, r *http.Request) {
	var req addStageRequest
	if !decode(w, r, &req) {
		return
	}
	hash, err := fingerprint(req.StageDataHash, req.Details)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "stage_data_hash or details: "+err.Error())
		return
	}
	stage, res, err := s.svc.AddStage(r.Context(), chi.URLParam(r, "address"), req.StageName, hash, callerFrom(r.Context()))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, stageResponse{Stage: stage, Warnings: res.Violations})
}

func (s *server) transferCustody(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if !decode(w, r, &req) {
		return
	}
	if req.NewHolder.IsZero() {
		writeError(w, http.StatusBadRequest, "invalid_request", "new_holder required")
		return
	}
	batch, res, err := s.svc.TransferCustody(r.Context(), chi.URLParam(r, "address"), req.NewHolder, callerFrom(r.Context()))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batchResponse{Batch: batch, Warnings: res.Violations})
}

func (s *server) finalizeBatch(w http.ResponseWriter, r *http.Request) {
	batch, res, err := s.svc.FinalizeBatch(r.Context(), chi.URLParam(r, "address"), callerFrom(r.Context()))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batchResponse{Batch: batch, Warnings: res.Violations})
}

func (s *server) getBatch(w http.ResponseWriter, r *http.Request) {
	batch, stages, err := s.svc.BatchHistory(r.Context(), chi.URLParam(r, "address"))
	if err != nil {
		s.fail(w, err)
		return
	}
	if stages == nil {
		stages = []domain.Stage{}
	}
	writeJSON(w, http.StatusOK, historyResponse{Batch: batch, Stages: stages})
}

func (s *server) listBatches(w http.ResponseWriter, r *http.Request) {
	user := domain.Identity(strings.TrimSpace(r.URL.Query().Get("user")))
	if user.IsZero() {
		user = domain.Identity(strings.TrimSpace(r.Header.Get(CallerHeader)))
	}
	if user.IsZero() {
		writeError(w, http.StatusBadRequest, "invalid_request", "user query parameter required")
		return
	}
	batches := s.svc.ListBatchesFor(user)
	if batches == nil {
		batches = []domain.Batch{}
	}
	writeJSON(w, http.StatusOK, listResponse{Batches: batches})
}

// fingerprint returns hash when set, otherwise the hex sha256 of the JSON
// document re-encoded with sorted keys and no insignificant whitespace.
func fingerprint(hash string, doc json.RawMessage) (string, error) {
	if hash = strings.TrimSpace(hash); hash != "" {
		return hash, nil
	}
	if len(doc) == 0 || string(doc) == "null" {
		return "", errors.New("one of the fields is required")
	}
	var v any
	if err := json.Unmarshal(doc, &v); err != nil {
		return "", err
	}
	canonical, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("decode body: %v", err))
		return false
	}
	return true
}

func (s *server) fail(w http.ResponseWriter, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	writeError(w, status, code, err.Error())
}

// classify maps ledger errors onto HTTP statuses.
func classify(err error) (int, string) {
	code := core.ErrorCode(err)
	switch code {
	case core.CodeUnauthorizedActor:
		return http.StatusForbidden, code
	case core.CodeNotFound:
		return http.StatusNotFound, code
	case core.CodeBatchIsFinalized, core.CodeAddressOccupied:
		return http.StatusConflict, code
	case core.CodeInsufficientSpace, core.CodeStageIndexOverflow, core.CodeRuleViolation:
		return http.StatusUnprocessableEntity, code
	default:
		return http.StatusInternalServerError, core.CodeInternal
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
