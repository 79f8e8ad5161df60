package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/genforge/genforge/pkg/delivery"
	"github.com/genforge/genforge/pkg/job"
	"github.com/genforge/genforge/pkg/provider"
	"github.com/genforge/genforge/pkg/wallet"
)

type submitJobRequest struct {
	ModelID        string          `json:"model_id"`
	Category       string          `json:"category"`
	Input          json.RawMessage `json:"input"`
	PriceCents     int64           `json:"price_cents"`
	IdempotencyKey string          `json:"idempotency_key"`
	ChatTarget     int64           `json:"chat_target"`
}

type topupRequest struct {
	AmountCents    int64          `json:"amount_cents"`
	IdempotencyKey string         `json:"idempotency_key"`
	Metadata       map[string]any `json:"metadata"`
}

type jobPayload struct {
	JobID            string          `json:"job_id"`
	UserID           string          `json:"user_id"`
	ModelID          string          `json:"model_id"`
	Category         string          `json:"category"`
	Input            json.RawMessage `json:"input,omitempty"`
	PriceCents       int64           `json:"price_cents"`
	Status           string          `json:"status"`
	ProviderTaskID   string          `json:"provider_task_id,omitempty"`
	ResultURLs       []string        `json:"result_urls,omitempty"`
	ErrorText        string          `json:"error_text,omitempty"`
	IdempotencyKey   string          `json:"idempotency_key"`
	CreatedUnixUTC   int64           `json:"created_unix_utc"`
	UpdatedUnixUTC   int64           `json:"updated_unix_utc"`
	FinishedUnixUTC  int64           `json:"finished_unix_utc,omitempty"`
	DeliveredUnixUTC int64           `json:"delivered_unix_utc,omitempty"`
}

type walletPayload struct {
	BalanceCents   int64          `json:"balance_cents"`
	HeldCents      int64          `json:"held_cents"`
	AvailableCents int64          `json:"available_cents"`
	Entries        []entryPayload `json:"entries"`
}

type entryPayload struct {
	Kind           string          `json:"kind"`
	AmountCents    int64           `json:"amount_cents"`
	Ref            string          `json:"ref"`
	Metadata       json.RawMessage `json:"metadata"`
	CreatedUnixUTC int64           `json:"created_unix_utc"`
}

func (server *Server) handleSubmitJob(ctx *gin.Context) {
	userID := authenticatedUser(ctx)
	var request submitJobRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	inputParams := "{}"
	if len(request.Input) > 0 {
		inputParams = string(request.Input)
	}
	record, err := server.engine.Submit(ctx.Request.Context(), job.CreateParams{
		UserID:         userID,
		ModelID:        request.ModelID,
		Category:       request.Category,
		InputParams:    inputParams,
		PriceCents:     request.PriceCents,
		IdempotencyKey: request.IdempotencyKey,
		ChatTarget:     request.ChatTarget,
	})
	if err != nil {
		// A dispatch rejection still created and failed the job; report
		// both the record and the rejection.
		if record.ID.String() != "" {
			status, code, message := server.mapError(ctx, "submit", err)
			ctx.JSON(status, gin.H{
				"job":   mapJob(record),
				"error": gin.H{"code": code, "message": message},
			})
			return
		}
		server.respondError(ctx, "submit", err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"job": mapJob(record)})
}

func (server *Server) handleGetJob(ctx *gin.Context) {
	id, err := job.NewID(ctx.Param("id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_job_id", "empty job id"))
		return
	}
	record, err := server.jobs.GetByID(ctx.Request.Context(), id)
	if err != nil {
		server.respondError(ctx, "get job", err)
		return
	}
	if record.UserID != authenticatedUser(ctx) {
		ctx.JSON(http.StatusNotFound, errorResponse("unknown_job", "no such job"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"job": mapJob(record)})
}

// handleListJobs lists the caller's jobs, or resolves a single job when
// task_id or idempotency_key is supplied.
func (server *Server) handleListJobs(ctx *gin.Context) {
	userID := authenticatedUser(ctx)
	if taskID := ctx.Query("task_id"); taskID != "" {
		server.respondLookup(ctx, userID, func() (job.Job, error) {
			return server.jobs.GetByProviderTaskID(ctx.Request.Context(), taskID)
		})
		return
	}
	if key := ctx.Query("idempotency_key"); key != "" {
		server.respondLookup(ctx, userID, func() (job.Job, error) {
			return server.jobs.GetByIdempotencyKey(ctx.Request.Context(), key)
		})
		return
	}
	records, err := server.jobs.ListUserJobs(ctx.Request.Context(), userID, listLimit(ctx))
	if err != nil {
		server.respondError(ctx, "list jobs", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"jobs": mapJobs(records)})
}

// handleListUndelivered lists the caller's finished jobs still waiting on
// delivery. The store query spans all users, so the result is filtered to
// the authenticated subject.
func (server *Server) handleListUndelivered(ctx *gin.Context) {
	userID := authenticatedUser(ctx)
	records, err := server.jobs.ListUndelivered(ctx.Request.Context(), listLimit(ctx))
	if err != nil {
		server.respondError(ctx, "list undelivered", err)
		return
	}
	owned := make([]job.Job, 0, len(records))
	for _, record := range records {
		if record.UserID == userID {
			owned = append(owned, record)
		}
	}
	ctx.JSON(http.StatusOK, gin.H{"jobs": mapJobs(owned)})
}

func (server *Server) handleDeliverJob(ctx *gin.Context) {
	id, err := job.NewID(ctx.Param("id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_job_id", "empty job id"))
		return
	}
	if err := server.deliverer.Deliver(ctx.Request.Context(), id); err != nil {
		server.respondError(ctx, "deliver", err)
		return
	}
	record, err := server.jobs.GetByID(ctx.Request.Context(), id)
	if err != nil {
		server.respondError(ctx, "deliver", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"job": mapJob(record)})
}

func (server *Server) handleWallet(ctx *gin.Context) {
	userID, err := wallet.NewUserID(authenticatedUser(ctx))
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing subject"))
		return
	}
	server.respondWithWallet(ctx, userID)
}

func (server *Server) handleTopup(ctx *gin.Context) {
	userID, err := wallet.NewUserID(authenticatedUser(ctx))
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing subject"))
		return
	}
	var request topupRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	amount, err := wallet.NewPositiveAmountCents(request.AmountCents)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", "amount_cents must be positive"))
		return
	}
	if strings.TrimSpace(request.IdempotencyKey) == "" {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "idempotency_key is required"))
		return
	}
	// Refs are user-scoped so two users replaying the same key never collide.
	ref, err := wallet.NewRef(fmt.Sprintf("topup:%s:%s", userID.String(), request.IdempotencyKey))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "idempotency_key is required"))
		return
	}
	metadata, err := wallet.NewMetadataJSON(marshalMetadata(request.Metadata))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "metadata must be a JSON object"))
		return
	}

	if err := server.users.EnsureUser(ctx.Request.Context(), userID.String()); err != nil {
		server.respondError(ctx, "topup", err)
		return
	}
	movement, err := server.wallets.Topup(ctx.Request.Context(), userID, amount, ref, metadata)
	if err != nil {
		server.respondError(ctx, "topup", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"applied": movement.Applied,
		"wallet": gin.H{
			"balance_cents":   movement.BalanceAfter.Int64(),
			"held_cents":      movement.HeldAfter.Int64(),
			"available_cents": (movement.BalanceAfter - movement.HeldAfter).Int64(),
		},
	})
}

// providerCallback mirrors the provider's push envelope. resultJson is a
// JSON string that itself contains the result document.
type providerCallback struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		TaskID     string `json:"taskId"`
		State      string `json:"state"`
		ResultJSON string `json:"resultJson"`
		FailMsg    string `json:"failMsg"`
	} `json:"data"`
}

func (server *Server) handleProviderCallback(ctx *gin.Context) {
	if ctx.Query("token") != server.config.CallbackToken {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "bad callback token"))
		return
	}
	var callback providerCallback
	if err := ctx.ShouldBindJSON(&callback); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	if callback.Data.TaskID == "" {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "missing taskId"))
		return
	}
	resultURLs := parseResultURLs(callback.Data.ResultJSON)
	errorText := callback.Data.FailMsg
	err := server.engine.HandleProviderOutcome(ctx.Request.Context(), callback.Data.TaskID, callback.Data.State, resultURLs, errorText)
	if err != nil {
		server.logger.Error("provider callback failed",
			zap.String("provider_task_id", callback.Data.TaskID),
			zap.Error(err))
		// The provider retries on non-2xx; delivery failures are retried by
		// the sweep instead, so only store-level errors bounce.
		if errors.Is(err, delivery.ErrAttemptsExhausted) || errors.Is(err, delivery.ErrNoDeliverableResult) {
			ctx.JSON(http.StatusOK, gin.H{"status": "accepted"})
			return
		}
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal", "callback handling failed"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (server *Server) respondLookup(ctx *gin.Context, userID string, lookup func() (job.Job, error)) {
	record, err := lookup()
	if err != nil {
		server.respondError(ctx, "lookup job", err)
		return
	}
	if record.UserID != userID {
		ctx.JSON(http.StatusNotFound, errorResponse("unknown_job", "no such job"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"job": mapJob(record)})
}

func (server *Server) respondWithWallet(ctx *gin.Context, userID wallet.UserID) {
	snapshot, err := server.wallets.Balance(ctx.Request.Context(), userID)
	if err != nil {
		server.respondError(ctx, "wallet", err)
		return
	}
	entries, err := server.wallets.ListEntries(ctx.Request.Context(), userID, listLimit(ctx))
	if err != nil {
		server.respondError(ctx, "wallet", err)
		return
	}
	payload := walletPayload{
		BalanceCents:   snapshot.BalanceCents.Int64(),
		HeldCents:      snapshot.HeldCents.Int64(),
		AvailableCents: snapshot.AvailableCents().Int64(),
		Entries:        make([]entryPayload, 0, len(entries)),
	}
	for _, entry := range entries {
		payload.Entries = append(payload.Entries, entryPayload{
			Kind:           string(entry.Kind),
			AmountCents:    entry.AmountCents.Int64(),
			Ref:            entry.Ref.String(),
			Metadata:       json.RawMessage(entry.Metadata.String()),
			CreatedUnixUTC: entry.CreatedUnixUTC,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"wallet": payload})
}

func (server *Server) respondError(ctx *gin.Context, operation string, err error) {
	status, code, message := server.mapError(ctx, operation, err)
	ctx.JSON(status, errorResponse(code, message))
}

// mapError translates domain errors into stable HTTP codes. Anything
// unexpected is logged in full and reported opaquely.
func (server *Server) mapError(ctx *gin.Context, operation string, err error) (int, string, string) {
	switch {
	case errors.Is(err, wallet.ErrInsufficientFunds):
		return http.StatusPaymentRequired, "insufficient_funds", "wallet balance too low"
	case errors.Is(err, job.ErrUnknownJob):
		return http.StatusNotFound, "unknown_job", "no such job"
	case errors.Is(err, job.ErrUnknownUser):
		return http.StatusNotFound, "unknown_user", "no such user"
	case errors.Is(err, job.ErrValidation), errors.Is(err, provider.ErrValidation):
		return http.StatusBadRequest, "invalid_request", err.Error()
	case errors.Is(err, wallet.ErrInvalidAmountCents):
		return http.StatusBadRequest, "invalid_amount", "amount must be positive"
	case errors.Is(err, job.ErrTerminalState):
		return http.StatusConflict, "terminal_state", "job already finished"
	case errors.Is(err, delivery.ErrAlreadyDeliveredOrInProgress):
		return http.StatusConflict, "delivery_in_progress", "already delivered or delivery in progress"
	case errors.Is(err, delivery.ErrNoDeliverableResult):
		return http.StatusUnprocessableEntity, "no_deliverable_result", "result is not deliverable"
	case errors.Is(err, delivery.ErrAttemptsExhausted):
		return http.StatusBadGateway, "delivery_failed", "delivery attempts exhausted"
	case errors.Is(err, provider.ErrCircuitOpen):
		return http.StatusServiceUnavailable, "provider_unavailable", "provider temporarily unavailable"
	default:
		var clientError *provider.ClientError
		if errors.As(err, &clientError) {
			return http.StatusBadRequest, "provider_rejected", clientError.Message
		}
		server.logger.Error("request failed",
			zap.String("operation", operation),
			zap.String("path", ctx.FullPath()),
			zap.Error(err))
		return http.StatusInternalServerError, "internal", "internal error"
	}
}

func mapJob(record job.Job) jobPayload {
	payload := jobPayload{
		JobID:            record.ID.String(),
		UserID:           record.UserID,
		ModelID:          record.ModelID,
		Category:         record.Category,
		PriceCents:       record.PriceCents,
		Status:           string(record.Status),
		ProviderTaskID:   record.ProviderTaskID,
		ResultURLs:       record.ResultURLs,
		ErrorText:        record.ErrorText,
		IdempotencyKey:   record.IdempotencyKey,
		CreatedUnixUTC:   record.CreatedUnixUTC,
		UpdatedUnixUTC:   record.UpdatedUnixUTC,
		FinishedUnixUTC:  record.FinishedUnixUTC,
		DeliveredUnixUTC: record.DeliveredUnixUTC,
	}
	if json.Valid([]byte(record.InputParams)) {
		payload.Input = json.RawMessage(record.InputParams)
	}
	return payload
}

func mapJobs(records []job.Job) []jobPayload {
	payloads := make([]jobPayload, 0, len(records))
	for _, record := range records {
		payloads = append(payloads, mapJob(record))
	}
	return payloads
}

func listLimit(ctx *gin.Context) int {
	raw := ctx.Query("limit")
	if raw == "" {
		return defaultListLimit
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 || limit > 500 {
		return defaultListLimit
	}
	return limit
}

func marshalMetadata(metadata map[string]any) string {
	if metadata == nil {
		return "{}"
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

// parseResultURLs unwraps the provider's double-encoded result document.
func parseResultURLs(resultJSON string) []string {
	if strings.TrimSpace(resultJSON) == "" {
		return nil
	}
	var document struct {
		ResultURLs []string `json:"resultUrls"`
	}
	if err := json.Unmarshal([]byte(resultJSON), &document); err != nil {
		return nil
	}
	return document.ResultURLs
}
