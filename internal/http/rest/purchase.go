package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/italolelis/peerbuy_downloader/internal/logctx"
	"github.com/italolelis/peerbuy_downloader/internal/purchase"
	"github.com/italolelis/peerbuy_downloader/internal/storage"
	"github.com/italolelis/peerbuy_downloader/internal/telemetry"
)

// maxBodySize bounds request bodies. Wares with many files stay well below.
const maxBodySize = 1 << 20

var errBadRequest = purchase.NewError("bitmunk.purchase.RestApi.BadRequest", "malformed request")

// ContractService is what the handler drives.
type ContractService interface {
	CreateDownloadState(ctx context.Context, userID purchase.UserID, ware purchase.Ware, sellerLimit int, sellers []purchase.Seller) (*purchase.DownloadState, error)
	GetDownloadStates(ctx context.Context, userID purchase.UserID, filter storage.Filter) ([]*purchase.DownloadState, error)
	GetDownloadState(ctx context.Context, userID purchase.UserID, id purchase.DownloadStateID) (*purchase.DownloadState, error)
	DeleteDownloadState(ctx context.Context, userID purchase.UserID, id purchase.DownloadStateID) error
	InitializeDownloadState(ctx context.Context, userID purchase.UserID, id purchase.DownloadStateID) error
	AcquireLicense(ctx context.Context, userID purchase.UserID, id purchase.DownloadStateID) error
	DownloadContractData(ctx context.Context, userID purchase.UserID, id purchase.DownloadStateID, prefs *purchase.Preferences) error
	PurchaseContractData(ctx context.Context, userID purchase.UserID, id purchase.DownloadStateID) error
	AssembleFiles(ctx context.Context, userID purchase.UserID, id purchase.DownloadStateID) error
	PauseDownload(ctx context.Context, userID purchase.UserID, id purchase.DownloadStateID) error
	PollProgress(ctx context.Context, userID purchase.UserID, id purchase.DownloadStateID) error
	ConfigChanged(ctx context.Context, userID purchase.UserID, maxDownloadRate int64)
	Logout(ctx context.Context, userID purchase.UserID) error
}

// CreateRequest opens a download state for a ware.
type CreateRequest struct {
	Ware        purchase.Ware     `json:"ware" validate:"required"`
	SellerLimit int               `json:"sellerLimit" validate:"gte=0"`
	Sellers     []purchase.Seller `json:"sellers,omitempty"`
}

// BandwidthRequest sets a user's maximum download rate in bytes per second.
// Zero removes the limit.
type BandwidthRequest struct {
	MaxDownloadRate int64 `json:"maxDownloadRate" validate:"gte=0"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type PurchaseHandler struct {
	username string
	password string
	svc      ContractService
	validate *validator.Validate
	tel      *telemetry.Telemetry
}

// NewPurchaseHandler creates the purchase API handler. An empty username
// turns basic auth off.
func NewPurchaseHandler(username, password string, svc ContractService, t *telemetry.Telemetry) *PurchaseHandler {
	return &PurchaseHandler{
		username: username,
		password: password,
		svc:      svc,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		tel:      t,
	}
}

func (h *PurchaseHandler) Routes() http.Handler {
	r := chi.NewRouter()

	if h.username != "" {
		r.Use(h.basicAuthMiddleware)
	}

	r.Route("/api/3.0/purchase/users/{userID}", func(r chi.Router) {
		r.Post("/downloadstates", h.HandleCreate)
		r.Get("/downloadstates", h.HandleList)

		r.Route("/downloadstates/{id}", func(r chi.Router) {
			r.Get("/", h.HandleGet)
			r.Delete("/", h.HandleDelete)
			r.Post("/initialize", h.HandleInitialize)
			r.Post("/license", h.HandleLicense)
			r.Post("/download", h.HandleDownload)
			r.Post("/pause", h.HandlePause)
			r.Post("/progress", h.HandleProgress)
			r.Post("/purchase", h.HandlePurchase)
			r.Post("/assemble", h.HandleAssemble)
		})

		r.Put("/config/bandwidth", h.HandleBandwidth)
		r.Delete("/session", h.HandleLogout)
	})

	return r
}

func (h *PurchaseHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	userID, err := userParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var req CreateRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	ds, err := h.svc.CreateDownloadState(r.Context(), userID, req.Ware, req.SellerLimit, req.Sellers)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusCreated, ds)
}

func (h *PurchaseHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	userID, err := userParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	filter, err := filterParams(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	states, err := h.svc.GetDownloadStates(r.Context(), userID, filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, map[string]any{"downloadStates": states})
}

func (h *PurchaseHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	userID, id, err := stateParams(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	ds, err := h.svc.GetDownloadState(r.Context(), userID, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, ds)
}

func (h *PurchaseHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	h.stateAction(w, r, http.StatusNoContent, h.svc.DeleteDownloadState)
}

func (h *PurchaseHandler) HandleInitialize(w http.ResponseWriter, r *http.Request) {
	h.stateAction(w, r, http.StatusAccepted, h.svc.InitializeDownloadState)
}

func (h *PurchaseHandler) HandleLicense(w http.ResponseWriter, r *http.Request) {
	h.stateAction(w, r, http.StatusAccepted, h.svc.AcquireLicense)
}

func (h *PurchaseHandler) HandlePurchase(w http.ResponseWriter, r *http.Request) {
	h.stateAction(w, r, http.StatusAccepted, h.svc.PurchaseContractData)
}

func (h *PurchaseHandler) HandleAssemble(w http.ResponseWriter, r *http.Request) {
	h.stateAction(w, r, http.StatusAccepted, h.svc.AssembleFiles)
}

func (h *PurchaseHandler) HandlePause(w http.ResponseWriter, r *http.Request) {
	h.stateAction(w, r, http.StatusAccepted, h.svc.PauseDownload)
}

func (h *PurchaseHandler) HandleProgress(w http.ResponseWriter, r *http.Request) {
	h.stateAction(w, r, http.StatusAccepted, h.svc.PollProgress)
}

// HandleDownload starts the download. The body is optional and replaces the
// stored preferences when present.
func (h *PurchaseHandler) HandleDownload(w http.ResponseWriter, r *http.Request) {
	userID, id, err := stateParams(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var prefs *purchase.Preferences

	var body purchase.Preferences

	switch err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&body); {
	case errors.Is(err, io.EOF):
	case err != nil:
		h.writeError(w, r, fmt.Errorf("%w: %w", errBadRequest, err))
		return
	default:
		prefs = &body
	}

	if err := h.svc.DownloadContractData(r.Context(), userID, id, prefs); err != nil {
		h.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (h *PurchaseHandler) HandleBandwidth(w http.ResponseWriter, r *http.Request) {
	userID, err := userParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var req BandwidthRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	h.svc.ConfigChanged(r.Context(), userID, req.MaxDownloadRate)

	rate := "unlimited"
	if req.MaxDownloadRate > 0 {
		rate = humanize.IBytes(uint64(req.MaxDownloadRate)) + "/s"
	}

	logctx.LoggerFromContext(r.Context()).Info("download rate changed", "user_id", userID, "rate", rate)

	w.WriteHeader(http.StatusNoContent)
}

func (h *PurchaseHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	userID, err := userParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if err := h.svc.Logout(r.Context(), userID); err != nil {
		h.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *PurchaseHandler) stateAction(w http.ResponseWriter, r *http.Request, status int,
	fn func(ctx context.Context, userID purchase.UserID, id purchase.DownloadStateID) error,
) {
	userID, id, err := stateParams(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if err := fn(r.Context(), userID, id); err != nil {
		h.writeError(w, r, err)
		return
	}

	w.WriteHeader(status)
}

func (h *PurchaseHandler) decode(r *http.Request, v any) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(v); err != nil {
		return fmt.Errorf("%w: %w", errBadRequest, err)
	}

	if err := h.validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %w", errBadRequest, err)
	}

	return nil
}

func (h *PurchaseHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		if username != h.username || password != h.password {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func (h *PurchaseHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)

	logger := logctx.LoggerFromContext(r.Context())
	if status == http.StatusInternalServerError {
		logger.Error("failed to handle request", "path", r.URL.Path, "err", err)
		h.tel.RecordSystemError("rest", "internal")
	} else {
		logger.Debug("request rejected", "path", r.URL.Path, "status", status, "err", err)
	}

	writeJSON(w, r, status, ErrorResponse{Code: purchase.Code(err), Message: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, purchase.ErrInvalidID),
		errors.Is(err, purchase.ErrInvalidWare),
		errors.Is(err, purchase.ErrInvalidPreferences):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrAlreadyProcessing),
		errors.Is(err, purchase.ErrDownloadStateActive),
		errors.Is(err, purchase.ErrDownloadNotInProgress):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to encode response", "err", err)
	}
}

func userParam(r *http.Request) (purchase.UserID, error) {
	id, err := strconv.ParseUint(chi.URLParam(r, "userID"), 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("%w: invalid user id %q", errBadRequest, chi.URLParam(r, "userID"))
	}

	return purchase.UserID(id), nil
}

func stateParams(r *http.Request) (purchase.UserID, purchase.DownloadStateID, error) {
	userID, err := userParam(r)
	if err != nil {
		return 0, 0, err
	}

	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, 0, fmt.Errorf("%w: %q", purchase.ErrInvalidID, chi.URLParam(r, "id"))
	}

	return userID, purchase.DownloadStateID(id), nil
}

func filterParams(r *http.Request) (storage.Filter, error) {
	var filter storage.Filter

	q := r.URL.Query()

	for name, dst := range map[string]**bool{
		"licenseAcquired": &filter.LicenseAcquired,
		"downloadStarted": &filter.DownloadStarted,
		"processing":      &filter.Processing,
		"purchased":       &filter.Purchased,
	} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}

		v, err := strconv.ParseBool(raw)
		if err != nil {
			return storage.Filter{}, fmt.Errorf("%w: %s must be a boolean", errBadRequest, name)
		}

		*dst = &v
	}

	return filter, nil
}
