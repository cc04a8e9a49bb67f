// internal/service/coupon/interfaces/http_handler.go
package interfaces

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"couponhub/internal/pkg/logger"
	"couponhub/internal/service/coupon/application"
	"couponhub/internal/service/coupon/domain"
)

// ClaimService 是 application.StockGate 的抽象
type ClaimService interface {
	Claim(ctx context.Context, attempt domain.ClaimAttempt) (*domain.Reservation, error)
}

// CatalogService 是 application.CatalogService 的抽象
type CatalogService interface {
	CreateCoupon(ctx context.Context, req *application.CreateCouponRequest) (*application.CouponView, error)
	CloseCoupon(ctx context.Context, id int64) error
	GetCoupon(ctx context.Context, id int64) (*application.CouponView, error)
	ListUserCoupons(ctx context.Context, userID int64) ([]application.UserCouponView, error)
}

// AuditService 是 application.Reconciler 的抽象
type AuditService interface {
	Inspect(ctx context.Context, couponID int64) (application.CouponAudit, error)
}

const retryAfterSeconds = "1"

// CouponHandler 封装了 coupon 服务的 HTTP 处理器
type CouponHandler struct {
	gate    ClaimService
	catalog CatalogService
	audit   AuditService
}

func NewCouponHandler(gate ClaimService, catalog CatalogService, audit AuditService) *CouponHandler {
	return &CouponHandler{gate: gate, catalog: catalog, audit: audit}
}

// RegisterRoutes 在 ServeMux 上注册所有路由
func (h *CouponHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/users/{id}/coupons/publish", h.handlePublish)
	mux.HandleFunc("GET /api/v1/users/{id}/coupons", h.handleUserCoupons)
	mux.HandleFunc("POST /api/v1/coupons", h.handleCreate)
	mux.HandleFunc("GET /api/v1/coupons/{id}", h.handleGet)
	mux.HandleFunc("POST /api/v1/coupons/{id}/close", h.handleClose)
	mux.HandleFunc("GET /api/v1/coupons/{id}/audit", h.handleAudit)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

func extractCtx(r *http.Request) context.Context {
	return otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
}

func (h *CouponHandler) handlePublish(w http.ResponseWriter, r *http.Request) {
	ctx := extractCtx(r)

	userID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || userID <= 0 {
		http.Error(w, "invalid user id", http.StatusBadRequest)
		return
	}
	var req application.PublishCouponRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.RequestID == "" {
		req.RequestID = r.Header.Get("Idempotency-Key")
	}

	attempt := domain.ClaimAttempt{CouponID: req.CouponID, UserID: userID, RequestID: req.RequestID}
	res, err := h.gate.Claim(ctx, attempt)
	resp := application.PublishCouponResponse{CouponID: req.CouponID, UserID: userID, RequestID: req.RequestID}
	if err == nil {
		resp.Status = "ISSUED"
		resp.SequenceNumber = res.SequenceNumber
		resp.RequestID = res.RequestID
		writeJSON(w, http.StatusAccepted, resp)
		return
	}

	// ✨ 根据错误类型返回不同的 HTTP 状态码
	var statusCode int
	var claimErr *domain.ClaimError
	switch {
	case errors.As(err, &claimErr):
		statusCode = http.StatusConflict
		resp.Status = "ALREADY_CLAIMED"
		resp.Replayed = claimErr.Replayed
		if claimErr.Reservation != nil {
			resp.SequenceNumber = claimErr.Reservation.SequenceNumber
		}
	case errors.Is(err, domain.ErrOutOfStock):
		statusCode = http.StatusGone
		resp.Status = "OUT_OF_STOCK"
	case errors.Is(err, domain.ErrCouponNotFound):
		statusCode = http.StatusNotFound
		resp.Status = "UNAVAILABLE"
	case errors.Is(err, domain.ErrCouponUnavailable):
		statusCode = http.StatusUnprocessableEntity
		resp.Status = "UNAVAILABLE"
	case errors.Is(err, domain.ErrGateUnavailable), errors.Is(err, domain.ErrEnqueueFailed):
		statusCode = http.StatusServiceUnavailable
		resp.Status = "RETRY"
		w.Header().Set("Retry-After", retryAfterSeconds)
	case errors.Is(err, domain.ErrInvalidClaim):
		statusCode = http.StatusBadRequest
		resp.Status = "INVALID"
	default:
		logger.Ctx(ctx).Error().Err(err).Msg("unexpected claim error")
		statusCode = http.StatusInternalServerError
		resp.Status = "ERROR"
	}
	resp.Message = err.Error()
	writeJSON(w, statusCode, resp)
}

func (h *CouponHandler) handleUserCoupons(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || userID <= 0 {
		http.Error(w, "invalid user id", http.StatusBadRequest)
		return
	}
	coupons, err := h.catalog.ListUserCoupons(extractCtx(r), userID)
	if err != nil {
		writeCatalogError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"userId":  userID,
		"coupons": coupons,
	})
}

func (h *CouponHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := extractCtx(r)

	var req application.CreateCouponRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	view, err := h.catalog.CreateCoupon(ctx, &req)
	if err != nil {
		writeCatalogError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (h *CouponHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := couponID(w, r)
	if !ok {
		return
	}
	view, err := h.catalog.GetCoupon(extractCtx(r), id)
	if err != nil {
		writeCatalogError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *CouponHandler) handleClose(w http.ResponseWriter, r *http.Request) {
	id, ok := couponID(w, r)
	if !ok {
		return
	}
	if err := h.catalog.CloseCoupon(extractCtx(r), id); err != nil {
		writeCatalogError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Coupon closed.",
	})
}

func (h *CouponHandler) handleAudit(w http.ResponseWriter, r *http.Request) {
	id, ok := couponID(w, r)
	if !ok {
		return
	}
	audit, err := h.audit.Inspect(extractCtx(r), id)
	if err != nil {
		writeCatalogError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, audit)
}

func couponID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid coupon id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func writeCatalogError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrCouponNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, domain.ErrInvalidCoupon):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
