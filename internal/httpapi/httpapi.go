package httpapi

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/middleware/stdlib"
	memorystore "github.com/ulule/limiter/v3/drivers/store/memory"

	"pharmaweb/backend/internal/basket"
	"pharmaweb/backend/internal/checkout"
	"pharmaweb/backend/internal/service"
	"pharmaweb/backend/internal/store"
)

const (
	defaultLoginRate = "5-M"
	defaultPINRate   = "8-M"
	maxJSONBody      = 1 << 20
	maxCSVBody       = 10 << 20
)

type Options struct {
	AllowedOrigin string
	LoginRate     string
	PINRate       string
}

type API struct {
	service       *service.Service
	auth          *AuthManager
	allowedOrigin string
	loginLimiter  *limiter.Limiter
	pinLimiter    *limiter.Limiter
	csrfSecret    []byte
}

func New(svc *service.Service, auth *AuthManager, opts Options) *API {
	csrfSecret := make([]byte, 32)
	if _, err := rand.Read(csrfSecret); err != nil {
		csrfSecret = []byte("csrf-fallback-secret-change-me!!")
	}
	allowedOrigin := strings.TrimSpace(opts.AllowedOrigin)
	if allowedOrigin == "" {
		allowedOrigin = "*"
	}
	return &API{
		service:       svc,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		loginLimiter:  newRateLimiter(opts.LoginRate, defaultLoginRate),
		pinLimiter:    newRateLimiter(opts.PINRate, defaultPINRate),
		csrfSecret:    csrfSecret,
	}
}

func newRateLimiter(formatted string, fallback string) *limiter.Limiter {
	formatted = strings.TrimSpace(formatted)
	if formatted == "" {
		formatted = fallback
	}
	rate, err := limiter.NewRateFromFormatted(formatted)
	if err != nil {
		log.Printf("[httpapi] WARN: invalid rate %q, using %s", formatted, fallback)
		rate, _ = limiter.NewRateFromFormatted(fallback)
	}
	return limiter.New(memorystore.NewStore(), rate)
}

// csrfTokenForHour computes a hex HMAC-SHA256 token for an hour bucket
// expressed as Unix seconds truncated to the hour.
func (a *API) csrfTokenForHour(hourBucket int64) string {
	h := hmac.New(sha256.New, a.csrfSecret)
	fmt.Fprintf(h, "%d", hourBucket)
	return hex.EncodeToString(h.Sum(nil))
}

func (a *API) generateCSRFToken() string {
	bucket := time.Now().UTC().Truncate(time.Hour).Unix()
	return a.csrfTokenForHour(bucket)
}

// validateCSRFToken accepts tokens from the current or previous hour bucket.
func (a *API) validateCSRFToken(token string) bool {
	if token == "" {
		return false
	}
	currentBucket := time.Now().UTC().Truncate(time.Hour).Unix()
	prevBucket := currentBucket - 3600

	return hmac.Equal([]byte(token), []byte(a.csrfTokenForHour(currentBucket))) ||
		hmac.Equal([]byte(token), []byte(a.csrfTokenForHour(prevBucket)))
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

// allowAttempt consumes one attempt for key. Limiter failures fail open.
func (a *API) allowAttempt(ctx context.Context, l *limiter.Limiter, key string) bool {
	lctx, err := l.Get(ctx, key)
	if err != nil {
		log.Printf("[httpapi] WARN: rate limiter: %v", err)
		return true
	}
	return !lctx.Reached
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(a.withMiddleware)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, errors.New("route not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeMethodNotAllowed(w)
	})

	loginLimit := stdlib.NewMiddleware(a.loginLimiter, stdlib.WithLimitReachedHandler(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
	}))

	r.Get("/healthz", a.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/healthz", a.handleHealth)
		r.With(loginLimit.Handler).Post("/auth/login", a.handleLogin)
		r.Get("/auth/csrf-token", a.handleCSRFToken)
		r.Get("/auth/me", a.requireAuth(a.handleMe))

		r.Route("/medications", func(r chi.Router) {
			r.Get("/", a.requireAuth(a.handleListMedications, service.RolesFor(service.CapCatalogRead)...))
			r.Post("/", a.requireAuth(a.handleCreateMedication, service.RolesFor(service.CapCatalogWrite)...))
			r.Get("/search", a.requireAuth(a.handleSearchMedications, service.RolesFor(service.CapCatalogRead)...))
			r.Post("/import", a.requireAuth(a.handleImportCatalog, service.RolesFor(service.CapCatalogWrite)...))
			r.Get("/export", a.requireAuth(a.handleExportCatalog, service.RolesFor(service.CapCatalogRead)...))
			r.Get("/{id}", a.requireAuth(a.handleGetMedication, service.RolesFor(service.CapCatalogRead)...))
			r.Patch("/{id}", a.requireAuth(a.handleUpdateMedication, service.RolesFor(service.CapCatalogWrite)...))
			r.Post("/{id}/stock", a.requireAuth(a.handleAdjustStock, service.RolesFor(service.CapCatalogWrite)...))
			r.Get("/{id}/movements", a.requireAuth(a.handleStockMovements, service.RolesFor(service.CapCatalogRead)...))
		})
		r.Get("/alerts", a.requireAuth(a.handleStockAlerts, service.RolesFor(service.CapCatalogRead)...))

		r.Route("/suppliers", func(r chi.Router) {
			r.Get("/", a.requireAuth(a.handleListSuppliers, service.RolesFor(service.CapSuppliersRead)...))
			r.Post("/", a.requireAuth(a.handleCreateSupplier, service.RolesFor(service.CapSuppliersWrite)...))
			r.Get("/{id}", a.requireAuth(a.handleGetSupplier, service.RolesFor(service.CapSuppliersRead)...))
			r.Patch("/{id}", a.requireAuth(a.handleUpdateSupplier, service.RolesFor(service.CapSuppliersWrite)...))
		})

		r.Route("/patients", func(r chi.Router) {
			r.Get("/", a.requireAuth(a.handleListPatients, service.RolesFor(service.CapPatientsRead)...))
			r.Post("/", a.requireAuth(a.handleCreatePatient, service.RolesFor(service.CapPatientsWrite)...))
			r.Get("/{id}", a.requireAuth(a.handleGetPatient, service.RolesFor(service.CapPatientsRead)...))
			r.Patch("/{id}", a.requireAuth(a.handleUpdatePatient, service.RolesFor(service.CapPatientsWrite)...))
		})

		// Basket capabilities depend on the kind, so the service decides.
		r.Route("/baskets/{kind}", func(r chi.Router) {
			r.Get("/", a.requireAuth(a.handleGetBasket))
			r.Delete("/", a.requireAuth(a.handleClearBasket))
			r.Post("/lines", a.requireAuth(a.handleAddBasketLine))
			r.Delete("/lines/{index}", a.requireAuth(a.handleRemoveBasketLine))
			r.Get("/receipt", a.requireAuth(a.handlePreviewReceipt))
		})

		r.Route("/sales", func(r chi.Router) {
			r.Post("/", a.requireAuth(a.handleCommitSale, service.RolesFor(service.CapSalesSell)...))
			r.Get("/", a.requireAuth(a.handleListSales, service.RolesFor(service.CapSalesSell)...))
			r.Get("/{id}", a.requireAuth(a.handleGetSale, service.RolesFor(service.CapSalesSell)...))
			r.Get("/{id}/receipt", a.requireAuth(a.handleSaleReceipt, service.RolesFor(service.CapSalesSell)...))
			r.Get("/{id}/receipt/escpos", a.requireAuth(a.handleSaleReceiptEscpos, service.RolesFor(service.CapSalesSell)...))
			r.Post("/{id}/cancel", a.requireAuth(a.handleCancelSale, service.RolesFor(service.CapSalesCancel)...))
		})

		r.Route("/proformas", func(r chi.Router) {
			r.Post("/", a.requireAuth(a.handleSaveProforma, service.RolesFor(service.CapSalesQuote)...))
			r.Get("/", a.requireAuth(a.handleListProformas, service.RolesFor(service.CapSalesQuote)...))
			r.Get("/{id}", a.requireAuth(a.handleGetProforma, service.RolesFor(service.CapSalesQuote)...))
			r.Get("/{id}/receipt", a.requireAuth(a.handleProformaReceipt, service.RolesFor(service.CapSalesQuote)...))
		})

		r.Route("/prescriptions", func(r chi.Router) {
			r.Get("/", a.requireAuth(a.handleListPrescriptions, service.RolesFor(service.CapPrescriptionsRead)...))
			r.Post("/", a.requireAuth(a.handleCreatePrescription, service.RolesFor(service.CapPrescriptionsWrite)...))
			r.Get("/{id}", a.requireAuth(a.handleGetPrescription, service.RolesFor(service.CapPrescriptionsRead)...))
			r.Post("/{id}/status", a.requireAuth(a.handlePrescriptionStatus))
			r.Post("/{id}/dispense", a.requireAuth(a.handleDispensePrescription, service.RolesFor(service.CapPrescriptionsDispense)...))
		})

		r.Get("/dashboard", a.requireAuth(a.handleDashboard, service.RolesFor(service.CapDashboardRead)...))
		r.Get("/reports/daily", a.requireAuth(a.handleDailyReport, service.RolesFor(service.CapReportsRead)...))
		r.Get("/audit-logs", a.requireAuth(a.handleAuditLogs, service.RolesFor(service.CapAuditRead)...))
		r.Get("/users", a.requireAuth(a.handleListUsers, service.RolesFor(service.CapUsersManage)...))
		r.Post("/users", a.requireAuth(a.handleCreateUser, service.RolesFor(service.CapUsersManage)...))
		r.Get("/settings", a.requireAuth(a.handleGetSettings, service.RolesFor(service.CapCatalogRead)...))
		r.Put("/settings", a.requireAuth(a.handleSaveSettings, service.RolesFor(service.CapSettingsWrite)...))
	})

	return r
}

func (a *API) requireAuth(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}

		if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
			writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}

		next(w, r.WithContext(service.WithActor(r.Context(), actor)))
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

var csrfExemptPaths = []string{
	"/api/v1/auth/login",
}

// checkCSRF requires a valid X-CSRF-Token on state-changing requests.
func (a *API) checkCSRF(w http.ResponseWriter, r *http.Request) bool {
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		return true
	}
	for _, exempt := range csrfExemptPaths {
		if r.URL.Path == exempt {
			return true
		}
	}
	token := strings.TrimSpace(r.Header.Get("X-CSRF-Token"))
	if !a.validateCSRFToken(token) {
		writeError(w, http.StatusForbidden, errors.New("missing or invalid CSRF token"))
		return false
	}
	return true
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-CSRF-Token")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Method == http.MethodPost || r.Method == http.MethodPatch || r.Method == http.MethodPut {
			limit := int64(maxCSVBody)
			if strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
				limit = maxJSONBody
			}
			r.Body = http.MaxBytesReader(w, r.Body, limit)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if !a.checkCSRF(w, r) {
			return
		}

		next.ServeHTTP(w, r)
	})
}

// statusFor maps service and store errors onto HTTP statuses.
func statusFor(err error) int {
	var stockErr *store.StockError
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &stockErr), errors.Is(err, store.ErrInsufficientStock), errors.Is(err, store.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, checkout.ErrPaymentInsufficient):
		return http.StatusPaymentRequired
	case errors.Is(err, service.ErrForbidden), errors.Is(err, service.ErrInvalidManagerPIN):
		return http.StatusForbidden
	case errors.Is(err, checkout.ErrStorageFailure):
		return http.StatusInternalServerError
	case errors.Is(err, basket.ErrInvalidQuantity),
		errors.Is(err, basket.ErrUnknownKind),
		errors.Is(err, checkout.ErrEmptyBasket),
		errors.Is(err, store.ErrInvalidTransaction):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err)
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

// writeError hides the message of 5xx responses and logs it instead.
func writeError(w http.ResponseWriter, status int, err error) {
	msg := err.Error()
	if status >= 500 {
		log.Printf("internal error (status %d): %v", status, err)
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
