package consent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"

	"github.com/casegate/casegate/internal/organizations"
	"github.com/casegate/casegate/internal/platform/httpx"
	"github.com/casegate/casegate/internal/shared"
)

const defaultRateLimit = 60

// IdempotencyKeyHeader lets clients retry mutations safely.
const IdempotencyKeyHeader = "Idempotency-Key"

// IdempotencyPort claims request keys; shared.IdempotencyStore implements it.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, scope string) error
	Complete(ctx context.Context, key, scope string) error
	Delete(ctx context.Context, key, scope string) error
}

// Handler exposes the consent JSON API.
type Handler struct {
	logger      *slog.Logger
	service     *Service
	validator   *validator.Validate
	rateLimit   int
	idempotency IdempotencyPort
}

// NewHandler constructs consent handler. rateLimit caps mutating requests
// per actor (or client IP) per minute.
func NewHandler(logger *slog.Logger, service *Service, rateLimit int) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if rateLimit <= 0 {
		rateLimit = defaultRateLimit
	}
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Handler{logger: logger, service: service, validator: v, rateLimit: rateLimit}
}

// WithIdempotency enables Idempotency-Key handling on mutating routes.
func (h *Handler) WithIdempotency(store IdempotencyPort) *Handler {
	h.idempotency = store
	return h
}

// MountRoutes registers consent and organization routes.
func (h *Handler) MountRoutes(r chi.Router) {
	if h == nil {
		return
	}
	limiter := httprate.Limit(h.rateLimit, time.Minute,
		httprate.WithKeyFuncs(rateLimitKey),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			httpx.Problem(w, http.StatusTooManyRequests, http.StatusText(http.StatusTooManyRequests), "")
		}),
	)
	r.Get("/organizations", h.handleOrganizations)
	r.Route("/consents", func(r chi.Router) {
		r.Get("/subjects/{subjectID}", h.handleEffective)
		r.Group(func(r chi.Router) {
			r.Use(limiter, h.idempotent)
			r.Post("/subjects/{subjectID}", h.handleSave)
			r.Post("/subjects/{subjectID}/resync", h.handleResync)
			r.Post("/{consentID}/revoke", h.handleRevoke)
			r.Post("/{consentID}/renew", h.handleRenew)
			r.Put("/{consentID}/overrides/{orgID}", h.handleOverride)
		})
	})
}

// idempotent claims the request's Idempotency-Key for the actor and route.
// A replayed key gets 409. The claim is released when the request fails so
// the client can retry, and completed once it succeeds. A claim left pending
// by a crashed process is reclaimable after the store's lease.
func (h *Handler) idempotent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader))
		actor := shared.ActorFromContext(r.Context())
		if h.idempotency == nil || key == "" || actor == "" {
			next.ServeHTTP(w, r)
			return
		}
		scope := r.Method + " " + r.URL.Path + ":" + actor
		if err := h.idempotency.CheckAndInsert(r.Context(), key, scope); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				httpx.Problem(w, http.StatusConflict, "Conflict", "request already processed")
				return
			}
			h.fail(w, r, err)
			return
		}
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		ctx := context.WithoutCancel(r.Context())
		if ww.Status() >= http.StatusBadRequest {
			if err := h.idempotency.Delete(ctx, key, scope); err != nil {
				h.logger.Warn("release idempotency key", slog.String("scope", scope), slog.Any("error", err))
			}
			return
		}
		if err := h.idempotency.Complete(ctx, key, scope); err != nil {
			h.logger.Warn("complete idempotency key", slog.String("scope", scope), slog.Any("error", err))
		}
	})
}

func rateLimitKey(r *http.Request) (string, error) {
	if actor := shared.ActorFromContext(r.Context()); actor != "" {
		return "actor:" + actor, nil
	}
	key, err := httprate.KeyByIP(r)
	if err != nil {
		return "", err
	}
	return "ip:" + key, nil
}

type saveRequest struct {
	Scope         string          `json:"scope" validate:"required,oneof=none all_orgs selected_orgs"`
	AllowedOrgIDs []string        `json:"allowed_org_ids" validate:"omitempty,dive,required,max=64"`
	BlockedOrgIDs []string        `json:"blocked_org_ids" validate:"omitempty,dive,required,max=64"`
	Method        string          `json:"method" validate:"omitempty,max=64"`
	Notes         *string         `json:"notes" validate:"omitempty,max=2000"`
	PolicyVersion *string         `json:"policy_version" validate:"omitempty,max=64"`
	Restrictions  json.RawMessage `json:"restrictions"`
	ExcludeOrgIDs []string        `json:"exclude_org_ids" validate:"omitempty,dive,required,max=64"`
}

type revokeRequest struct {
	Reason *string `json:"reason" validate:"omitempty,max=2000"`
}

type renewRequest struct {
	Method        string  `json:"method" validate:"omitempty,max=64"`
	PolicyVersion *string `json:"policy_version" validate:"omitempty,max=64"`
	ExcludeOrgID  string  `json:"exclude_org_id" validate:"omitempty,max=64"`
}

type overrideRequest struct {
	Allowed *bool   `json:"allowed" validate:"required"`
	Reason  *string `json:"reason" validate:"omitempty,max=2000"`
}

type consentResponse struct {
	ID             string          `json:"id"`
	SubjectID      string          `json:"subject_id"`
	Kind           string          `json:"consent_kind"`
	Scope          ScopeKind       `json:"scope"`
	Status         Status          `json:"status"`
	CapturedBy     *string         `json:"captured_by,omitempty"`
	CapturedMethod string          `json:"captured_method"`
	PolicyVersion  *string         `json:"policy_version,omitempty"`
	Notes          *string         `json:"notes,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	RevokedAt      *time.Time      `json:"revoked_at,omitempty"`
	RevokedBy      *string         `json:"revoked_by,omitempty"`
	ExpiresAt      *time.Time      `json:"expires_at,omitempty"`
	Restrictions   json.RawMessage `json:"restrictions,omitempty"`
}

type selectionResponse struct {
	Organization organizations.Organization `json:"organization"`
	Allowed      bool                       `json:"allowed"`
	Explicit     bool                       `json:"explicit"`
}

type effectiveResponse struct {
	SubjectID       string              `json:"subject_id"`
	Consent         *consentResponse    `json:"consent"`
	Scope           ScopeKind           `json:"scope"`
	EffectiveStatus EffectiveStatus     `json:"effective_status"`
	ExpiresAt       *time.Time          `json:"expires_at,omitempty"`
	IsExpired       bool                `json:"is_expired"`
	Selections      []selectionResponse `json:"selections"`
}

type saveResponse struct {
	Consent  consentResponse  `json:"consent"`
	Previous *consentResponse `json:"previous,omitempty"`
	Allowed  []string         `json:"allowed_org_ids"`
	Blocked  []string         `json:"blocked_org_ids"`
	Grants   grantsResponse   `json:"grants"`
}

type grantsResponse struct {
	Created int `json:"created"`
	Revoked int `json:"revoked"`
}

func (h *Handler) handleOrganizations(w http.ResponseWriter, r *http.Request) {
	orgs, err := h.service.ListOrganizations(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"organizations": orgs})
}

func (h *Handler) handleEffective(w http.ResponseWriter, r *http.Request) {
	subjectID := chi.URLParam(r, "subjectID")
	eff, err := h.service.Effective(r.Context(), subjectID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	resp := effectiveResponse{
		SubjectID:       subjectID,
		Scope:           eff.Scope,
		EffectiveStatus: eff.EffectiveStatus,
		ExpiresAt:       eff.ExpiresAt,
		IsExpired:       eff.IsExpired,
		Selections:      make([]selectionResponse, 0, len(eff.Selections)),
	}
	if eff.Consent != nil {
		c := toConsentResponse(*eff.Consent)
		resp.Consent = &c
	}
	for _, s := range eff.Selections {
		resp.Selections = append(resp.Selections, selectionResponse{Organization: s.Organization, Allowed: s.Allowed, Explicit: s.Explicit})
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) handleSave(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	var req saveRequest
	if !h.decode(w, r, &req, false) {
		return
	}
	scope := Scope{Kind: ScopeKind(req.Scope), Allowed: req.AllowedOrgIDs, Blocked: req.BlockedOrgIDs}
	result, err := h.service.Save(r.Context(), SaveInput{
		SubjectID:     chi.URLParam(r, "subjectID"),
		Scope:         scope,
		Actor:         actor,
		Method:        req.Method,
		Notes:         req.Notes,
		PolicyVersion: req.PolicyVersion,
		Restrictions:  req.Restrictions,
		ExcludeOrgIDs: req.ExcludeOrgIDs,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toSaveResponse(result))
}

func (h *Handler) handleResync(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	result, err := h.service.Resync(r.Context(), chi.URLParam(r, "subjectID"), actor)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	resp := map[string]any{
		"allowed_org_ids": nonNil(result.Resolution.Allowed),
		"grants":          grantsResponse(result.Grants),
	}
	if result.Consent != nil {
		resp["consent"] = toConsentResponse(*result.Consent)
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) handleRevoke(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	var req revokeRequest
	if !h.decode(w, r, &req, true) {
		return
	}
	rec, err := h.service.Revoke(r.Context(), RevokeInput{ConsentID: chi.URLParam(r, "consentID"), Actor: actor, Reason: req.Reason})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"consent": toConsentResponse(rec)})
}

func (h *Handler) handleRenew(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	var req renewRequest
	if !h.decode(w, r, &req, true) {
		return
	}
	result, err := h.service.Renew(r.Context(), RenewInput{
		ConsentID:     chi.URLParam(r, "consentID"),
		Actor:         actor,
		Method:        req.Method,
		PolicyVersion: req.PolicyVersion,
		ExcludeOrgID:  req.ExcludeOrgID,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toSaveResponse(result))
}

func (h *Handler) handleOverride(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	var req overrideRequest
	if !h.decode(w, r, &req, false) {
		return
	}
	result, err := h.service.UpdateOrgOverride(r.Context(), OverrideInput{
		ConsentID:      chi.URLParam(r, "consentID"),
		OrganizationID: chi.URLParam(r, "orgID"),
		Allowed:        *req.Allowed,
		Actor:          actor,
		Reason:         req.Reason,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toSaveResponse(result))
}

func (h *Handler) requireActor(w http.ResponseWriter, r *http.Request) (string, bool) {
	actor := shared.ActorFromContext(r.Context())
	if actor == "" {
		httpx.RespondError(w, httpx.ErrMissingActor)
		return "", false
	}
	return actor, true
}

// decode reads and validates the request body. optional accepts an empty body.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any, optional bool) bool {
	if err := httpx.DecodeJSON(r, dst); err != nil {
		if !(optional && errors.Is(err, io.EOF)) {
			httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed JSON body")
			return false
		}
	}
	if err := h.validator.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			httpx.Problem(w, http.StatusBadRequest, "Bad Request", err.Error())
			return false
		}
		fields := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			fields[fe.Field()] = fe.Tag()
		}
		httpx.ValidationProblem(w, fields)
		return false
	}
	return true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if Outcome(err) == "error" {
		h.logger.Error("consent request failed",
			slog.String("path", r.URL.Path),
			slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func toConsentResponse(rec Record) consentResponse {
	return consentResponse{
		ID:             rec.ID,
		SubjectID:      rec.SubjectID,
		Kind:           rec.Kind,
		Scope:          rec.Scope,
		Status:         rec.Status,
		CapturedBy:     rec.CapturedBy,
		CapturedMethod: rec.CapturedMethod,
		PolicyVersion:  rec.PolicyVersion,
		Notes:          rec.Notes,
		CreatedAt:      rec.CreatedAt,
		UpdatedAt:      rec.UpdatedAt,
		RevokedAt:      rec.RevokedAt,
		RevokedBy:      rec.RevokedBy,
		ExpiresAt:      rec.ExpiresAt,
		Restrictions:   rec.Restrictions,
	}
}

func toSaveResponse(result SaveResult) saveResponse {
	resp := saveResponse{
		Consent: toConsentResponse(result.Consent),
		Allowed: nonNil(result.Resolution.Allowed),
		Blocked: nonNil(result.Resolution.Blocked),
		Grants:  grantsResponse(result.Grants),
	}
	if result.Previous != nil {
		prev := toConsentResponse(*result.Previous)
		resp.Previous = &prev
	}
	return resp
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
