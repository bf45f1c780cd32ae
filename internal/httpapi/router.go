// Package httpapi exposes the gateway's HTTP surfaces: a health probe
// reporting active/passive state and whether a delivery queue is
// configured (it does not report queue depth), the job-submission
// endpoint that stands in for the out-of-scope chat-platform adapter,
// and the upstream callback endpoint. The callback route is
// deliberately tolerant — it never returns a non-200, matching the
// upstream-webhook contract that a non-2xx triggers its own retry
// storm. The submission route is not: it is a direct API boundary, so
// it answers with ordinary HTTP status codes.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"mediagate/internal/callbackparse"
	"mediagate/internal/catalog"
	"mediagate/internal/freetier"
	"mediagate/internal/ingress"
	"mediagate/internal/job"
	"mediagate/internal/ratelimit"
	"mediagate/internal/singleton"
	"mediagate/pkg/logger"
	streams "mediagate/pkg/queue"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const jobSubmitUpdateType = "job_submit"

// PricingConfig is the RUB pricing inputs the submission route needs
// to turn a catalog model's USD price into the PriceRUB a job is
// created with (spec.md §5.12/§7 PRICING.USD_TO_RUB/PRICE_MULTIPLIER).
type PricingConfig struct {
	USDToRUB        decimal.Decimal
	PriceMultiplier decimal.Decimal
}

// Handler wires the route collaborators: the job engine for job
// creation and callback application, the rate limiter and free-tier
// accountant that gate creation, the model catalog for category/price
// lookups, the ingress dispatcher for dedup and correlation IDs, the
// singleton coordinator for health reporting and for refusing
// submissions while passive, and (optionally) the delivery queue, whose
// presence health's queue block reports as connected; no queue depth
// is read.
type Handler struct {
	jobs       *job.Service
	singleton  *singleton.Coordinator
	queue      *streams.StreamQueue
	catalog    *catalog.Catalog
	ratelimiter *ratelimit.Limiter
	freeTier   *freetier.Service
	dispatcher *ingress.Dispatcher
	pricing    PricingConfig

	webhookSecretPath  string
	webhookSecretToken string

	startedAt time.Time
}

// NewHandler builds the Handler and registers the job-submission
// update handler on dispatcher. cat, limiter, freeTier, and dispatcher
// may be nil in tests that only exercise /health or /callbacks/kie.
func NewHandler(
	jobs *job.Service,
	sc *singleton.Coordinator,
	queue *streams.StreamQueue,
	cat *catalog.Catalog,
	limiter *ratelimit.Limiter,
	freeTier *freetier.Service,
	dispatcher *ingress.Dispatcher,
	pricing PricingConfig,
	webhookSecretPath, webhookSecretToken string,
) *Handler {
	h := &Handler{
		jobs:               jobs,
		singleton:          sc,
		queue:              queue,
		catalog:            cat,
		ratelimiter:        limiter,
		freeTier:           freeTier,
		dispatcher:         dispatcher,
		pricing:            pricing,
		webhookSecretPath:  webhookSecretPath,
		webhookSecretToken: webhookSecretToken,
		startedAt:          time.Now(),
	}
	if dispatcher != nil {
		dispatcher.Register(jobSubmitUpdateType, h.processJobSubmission)
	}
	return h
}

// NewRouter builds the fiber app with every route mounted. The
// callback path is WEBHOOK_SECRET_PATH-suffixed when that's
// configured, matching spec.md §7's expectation that the upstream
// webhook URL itself carries an unguessable path component.
func NewRouter(h *Handler) *fiber.App {
	app := fiber.New(fiber.Config{DisableStartupMessage: true})

	app.Get("/health", h.Health)
	app.Post("/jobs", h.SubmitJob)
	app.Post(h.callbackPath(), h.KieCallback)

	return app
}

func (h *Handler) callbackPath() string {
	if h.webhookSecretPath == "" {
		return "/callbacks/kie"
	}
	return "/callbacks/kie/" + strings.TrimPrefix(h.webhookSecretPath, "/")
}

type healthQueue struct {
	Connected bool `json:"connected"`
}

type healthResponse struct {
	Status           string      `json:"status"`
	UptimeSeconds    float64     `json:"uptime_seconds"`
	Active           bool        `json:"active"`
	LockState        string      `json:"lock_state"`
	LockIdleDuration float64     `json:"lock_idle_duration"`
	Queue            healthQueue `json:"queue"`
}

// Health reports process liveness and active/passive state. Always
// 200 — a passive instance is healthy, just not the current driver.
func (h *Handler) Health(c *fiber.Ctx) error {
	active := h.singleton != nil && h.singleton.Active()
	lockState := "passive"
	var idle time.Duration
	if h.singleton != nil {
		idle = h.singleton.LockIdleDuration()
		if active {
			lockState = "active"
		}
	}

	return c.JSON(healthResponse{
		Status:           "ok",
		UptimeSeconds:    time.Since(h.startedAt).Seconds(),
		Active:           active,
		LockState:        lockState,
		LockIdleDuration: idle.Seconds(),
		Queue:            healthQueue{Connected: h.queue != nil},
	})
}

// jobSubmitRequest is the gateway-native view of a generation request.
// The actual chat-platform command parsing is out of scope (spec.md
// §1); this is the shape any adapter translates a user command into.
type jobSubmitRequest struct {
	UserID         string          `json:"user_id"`
	ModelID        string          `json:"model_id"`
	ChatID         string          `json:"chat_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Input          json.RawMessage `json:"input"`
}

type jobSubmitResponse struct {
	JobID          string `json:"job_id"`
	Status         string `json:"status"`
	IdempotencyKey string `json:"idempotency_key"`
}

// SubmitJob is the gateway's only job-origination entrypoint: rate
// limit, free-tier quota, and wallet hold all gate through here on
// the way to job.CreateJob (spec.md §2/§5.10's primary control flow).
// It goes through the ingress dispatcher for the same dedup/
// correlation-ID handling every other update gets, keyed off the
// idempotency key so a retried HTTP request (same key) claims the
// same update exactly once. A passive instance answers 503 without
// creating a job or calling the external API.
func (h *Handler) SubmitJob(c *fiber.Ctx) error {
	var req jobSubmitRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "malformed request body"})
	}
	if req.UserID == "" || req.ModelID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "user_id and model_id are required"})
	}
	if h.singleton != nil && !h.singleton.Active() {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "instance is passive"})
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = fmt.Sprintf("job:%s:%s", req.UserID, uuid.NewString())
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to encode request"})
	}

	update := ingress.Update{
		ID:      updateIDFromKey(req.IdempotencyKey),
		Type:    jobSubmitUpdateType,
		ChatID:  req.ChatID,
		Payload: payload,
	}

	ctx := c.Context()
	if err := h.dispatcher.Dispatch(ctx, update); err != nil {
		logger.Error("httpapi: job submission dispatch failed", zap.String("idempotency_key", req.IdempotencyKey), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "job submission failed"})
	}

	created, err := h.jobs.GetByIdempotencyKey(ctx, req.IdempotencyKey)
	if err != nil {
		logger.Error("httpapi: post-dispatch job lookup failed", zap.String("idempotency_key", req.IdempotencyKey), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "job submission failed"})
	}
	if created == nil {
		// Rejected before a job row ever existed: rate limited, free-tier
		// quota exhausted, or an unknown/disabled model.
		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
			"error":           "request rejected",
			"idempotency_key": req.IdempotencyKey,
		})
	}

	return c.JSON(jobSubmitResponse{
		JobID:          created.ID,
		Status:         string(created.Status),
		IdempotencyKey: created.IdempotencyKey,
	})
}

// processJobSubmission is the registered ingress handler for
// jobSubmitUpdateType: rate-limit check, free-tier check-and-reserve
// (pre-creation), catalog lookup for category and price, job.CreateJob,
// then free-tier usage recording and rate-limit bookkeeping once the
// job actually exists.
func (h *Handler) processJobSubmission(ctx context.Context, update ingress.Update) error {
	var req jobSubmitRequest
	if err := json.Unmarshal(update.Payload, &req); err != nil {
		logger.Warn("httpapi: job submission payload unreadable", zap.Error(err))
		return nil
	}

	model, ok := h.catalog.Lookup(req.ModelID)
	if !ok || !model.Enabled {
		logger.Warn("httpapi: job submission for unknown or disabled model",
			zap.String("correlation_id", ingress.CorrelationIDFromContext(ctx)), zap.String("model_id", req.ModelID))
		return nil
	}

	isPaid := !model.FreeTier
	rl := h.ratelimiter.Check(req.UserID, isPaid)
	if !rl.Allowed {
		logger.Info("httpapi: job submission rate limited",
			zap.String("correlation_id", ingress.CorrelationIDFromContext(ctx)),
			zap.String("user_id", req.UserID), zap.String("reason", string(rl.Reason)))
		return nil
	}

	if model.FreeTier {
		decision, err := h.freeTier.CheckAndReserve(ctx, req.UserID, req.ModelID, nil)
		if err != nil {
			return fmt.Errorf("free-tier check: %w", err)
		}
		if !decision.Allowed {
			logger.Info("httpapi: free-tier quota exhausted",
				zap.String("correlation_id", ingress.CorrelationIDFromContext(ctx)),
				zap.String("user_id", req.UserID), zap.String("reason", string(decision.Reason)))
			return nil
		}
	}

	price := decimal.Zero
	if !model.FreeTier {
		price = catalog.PriceRUB(model, h.pricing.USDToRUB, h.pricing.PriceMultiplier)
	}

	var chatID *string
	if update.ChatID != "" {
		chatID = &update.ChatID
	}

	correlationID := ingress.CorrelationIDFromContext(ctx)
	created, err := h.jobs.CreateJob(ctx, correlationID, job.CreateJobRequest{
		UserID:         req.UserID,
		ModelID:        req.ModelID,
		Category:       model.Category,
		Input:          req.Input,
		PriceRUB:       price,
		ChatID:         chatID,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		logger.Error("httpapi: job creation failed",
			zap.String("correlation_id", correlationID), zap.String("user_id", req.UserID), zap.Error(err))
		return err
	}

	if isPaid {
		h.ratelimiter.RecordGeneration(req.UserID)
	}
	if model.FreeTier {
		if _, err := h.freeTier.CheckAndReserve(ctx, req.UserID, req.ModelID, &created.ID); err != nil {
			logger.Warn("httpapi: free-tier usage recording failed",
				zap.String("correlation_id", correlationID), zap.String("job_id", created.ID), zap.Error(err))
		}
	}

	return nil
}

// updateIDFromKey derives a deterministic dedup key for the ingress
// dispatcher from an idempotency key, so a retried submission with the
// same key claims the same update exactly once.
func updateIDFromKey(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int64(h.Sum64())
}

// KieCallback accepts an upstream callback payload of unknown shape,
// extracts task ID/state via callbackparse, and applies it to the job
// engine. It always answers 200 — a non-2xx here would make the
// upstream retry the same callback indefinitely, and ApplyCallback is
// idempotent anyway. When WEBHOOK_SECRET_TOKEN is configured, a
// mismatched token is logged and dropped rather than rejected, for the
// same reason: answering non-200 to a forged callback just invites a
// retry storm instead of silently discarding it.
func (h *Handler) KieCallback(c *fiber.Ctx) error {
	if h.webhookSecretToken != "" {
		token := c.Get("X-Webhook-Secret-Token")
		if token == "" {
			token = c.Query("secret")
		}
		if token != h.webhookSecretToken {
			logger.Warn("httpapi: callback carried missing or mismatched webhook secret token", zap.String("path", c.Path()))
			return c.SendStatus(fiber.StatusOK)
		}
	}

	query := make(map[string]string)
	c.Context().QueryArgs().VisitAll(func(key, value []byte) {
		query[string(key)] = string(value)
	})

	env := callbackparse.Parse(c.Body(), query)
	if !env.Found {
		logger.Warn("httpapi: callback payload carried no task id", zap.String("path", c.Path()))
		return c.SendStatus(fiber.StatusOK)
	}

	ctx := c.Context()
	result, err := h.jobs.ApplyCallback(ctx, "", env)
	if err != nil {
		logger.Error("httpapi: apply callback failed", zap.String("task_id", env.TaskID), zap.Error(err))
		return c.SendStatus(fiber.StatusOK)
	}

	if result.Orphan {
		logger.Info("httpapi: callback stored as orphan, no matching job yet", zap.String("task_id", env.TaskID))
	}
	if result.FreeTierMismatch {
		logger.Warn("httpapi: free tier model job failed", zap.String("task_id", env.TaskID))
	}

	return c.SendStatus(fiber.StatusOK)
}
