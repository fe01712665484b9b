package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/forgefit/accessbridge/internal/accessbridge/service"
	"github.com/forgefit/accessbridge/internal/hikvision"
)

// BranchHeader carries the branch id on the header-form webhook route.
const BranchHeader = "X-Branch-ID"

type Dependencies struct {
	Logger    zerolog.Logger
	Addr      string
	Ingestor  *service.Ingestor
	Processor *service.Processor

	// WebhookSecret enables X-Signature verification when non-empty.
	WebhookSecret string

	// WebhookRatePerMinute limits webhook requests per client IP. Zero
	// disables the limit.
	WebhookRatePerMinute int

	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

type Server struct {
	httpServer      *http.Server
	logger          zerolog.Logger
	ingestor        *service.Ingestor
	processor       *service.Processor
	webhookSecret   string
	shutdownTimeout time.Duration
}

func NewServer(d Dependencies) *Server {
	if d.ReadHeaderTimeout <= 0 {
		d.ReadHeaderTimeout = 5 * time.Second
	}
	if d.ShutdownTimeout <= 0 {
		d.ShutdownTimeout = 10 * time.Second
	}

	s := &Server{
		logger:          d.Logger.With().Str("component", "httpapi").Logger(),
		ingestor:        d.Ingestor,
		processor:       d.Processor,
		webhookSecret:   d.WebhookSecret,
		shutdownTimeout: d.ShutdownTimeout,
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(accessLog(s.logger))
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if d.WebhookRatePerMinute > 0 {
				r.Use(httprate.LimitByIP(d.WebhookRatePerMinute, time.Minute))
			}
			r.Post("/branches/{branchID}/hikvision/events", s.handleWebhook)
			r.Post("/hikvision/events", s.handleWebhook)
		})
		r.Post("/branches/{branchID}/fetch", s.handleFetch)
		r.Post("/branches/{branchID}/process", s.handleProcess)
	})

	s.httpServer = &http.Server{
		Addr:              d.Addr,
		Handler:           r,
		ReadHeaderTimeout: d.ReadHeaderTimeout,
	}
	return s
}

func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Serve listens on the configured address until ctx is cancelled, then
// shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.httpServer.Addr, err)
	}
	return s.ServeListener(ctx, ln)
}

func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.Serve(ln) }()
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("http server listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return ctx.Err()
}

func (s *Server) String() string { return "http-server" }

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	branchID := chi.URLParam(r, "branchID")
	if branchID == "" {
		branchID = r.Header.Get(BranchHeader)
	}

	body, err := readBody(w, r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "body_too_large", "request body too large")
			return
		}
		writeError(w, r, http.StatusBadRequest, "bad_body", "could not read request body")
		return
	}

	if s.webhookSecret != "" && !verifySignature(body, r.Header.Get(SignatureHeader), s.webhookSecret) {
		writeError(w, r, http.StatusUnauthorized, "bad_signature", "invalid webhook signature")
		return
	}

	payload, raw, err := decodeEvent(r, body)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_body", "invalid event body")
		return
	}

	resp, err := s.ingestor.IngestWebhook(r.Context(), branchID, payload, raw)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidBranchID):
			writeError(w, r, http.StatusBadRequest, "invalid_branch_id", err.Error())
		case errors.Is(err, service.ErrUnknownBranch):
			writeError(w, r, http.StatusNotFound, "unknown_branch", err.Error())
		default:
			s.logger.Error().Err(err).Str("branch_id", branchID).Msg("webhook ingest")
			respond(w, r, http.StatusInternalServerError, resp)
		}
		return
	}

	respond(w, r, http.StatusOK, resp)
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	branchID := chi.URLParam(r, "branchID")

	resp, err := s.ingestor.IngestFetch(r.Context(), branchID)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidBranchID):
			writeError(w, r, http.StatusBadRequest, "invalid_branch_id", err.Error())
		case errors.Is(err, service.ErrUnknownBranch):
			writeError(w, r, http.StatusNotFound, "unknown_branch", err.Error())
		case errors.Is(err, service.ErrVendorNotConfigured):
			writeError(w, r, http.StatusServiceUnavailable, "vendor_not_configured", err.Error())
		case errors.Is(err, hikvision.ErrVendorRequest):
			respond(w, r, http.StatusBadGateway, resp)
		default:
			s.logger.Error().Err(err).Str("branch_id", branchID).Msg("fetch")
			respond(w, r, http.StatusInternalServerError, resp)
		}
		return
	}

	respond(w, r, http.StatusOK, resp)
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	branchID := chi.URLParam(r, "branchID")

	resp, err := s.processor.Process(r.Context(), branchID)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidBranchID):
			writeError(w, r, http.StatusBadRequest, "invalid_branch_id", err.Error())
		case errors.Is(err, service.ErrUnknownBranch):
			writeError(w, r, http.StatusNotFound, "unknown_branch", err.Error())
		default:
			s.logger.Error().Err(err).Str("branch_id", branchID).Msg("process")
			respond(w, r, http.StatusInternalServerError, resp)
		}
		return
	}

	respond(w, r, http.StatusOK, resp)
}

// mediaType returns the lower-cased media type without parameters.
func mediaType(v string) string {
	mt, _, _ := strings.Cut(v, ";")
	return strings.ToLower(strings.TrimSpace(mt))
}
