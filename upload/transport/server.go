// Package transport exposes the upload coordinator over HTTP.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/bitrise-io/go-chunkupload/upload"
	"github.com/bitrise-io/go-chunkupload/upload/session"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
)

const (
	// UploadChunkPath accepts multipart chunk submissions.
	UploadChunkPath = "/api/upload-chunk"
	// UploadStatusPath reports the state of one upload session.
	UploadStatusPath = "/api/uploads/{fileName}"
	// HealthPath answers liveness probes.
	HealthPath = "/healthz"

	// multipart parts above this size spill to temp files instead of memory
	multipartMemory = 8 << 20
)

// Service is the upload coordinator as seen by the transport.
type Service interface {
	ReceiveChunk(ctx context.Context, req upload.Request) (upload.Response, error)
	Status(ctx context.Context, fileName string) (upload.Report, error)
}

// Config configures the HTTP server.
type Config struct {
	Addr              string
	MaxRequestSize    int64
	AllowedOrigins    []string
	ReadHeaderTimeout time.Duration
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Option customises a Server.
type Option func(*Server)

// WithLowSpaceHook registers fn to run whenever a chunk is refused for lack of disk space.
func WithLowSpaceHook(fn func()) Option {
	return func(s *Server) { s.onLowSpace = fn }
}

// Server serves the upload API.
type Server struct {
	cfg        Config
	svc        Service
	logger     log.Logger
	onLowSpace func()
	httpServer *http.Server
}

// NewServer ...
func NewServer(cfg Config, svc Service, logger log.Logger, opts ...Option) *Server {
	s := &Server{cfg: cfg, svc: svc, logger: logger}
	for _, opt := range opts {
		opt(s)
	}

	readHeaderTimeout := cfg.ReadHeaderTimeout
	if readHeaderTimeout == 0 {
		readHeaderTimeout = 10 * time.Second
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s
}

// Handler returns the routed handler wrapped with CORS and request logging.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.Use(s.logRequests)
	router.HandleFunc(UploadChunkPath, s.handleUploadChunk).Methods(http.MethodPost)
	router.HandleFunc(UploadStatusPath, s.handleStatus).Methods(http.MethodGet)
	router.HandleFunc(HealthPath, s.handleHealth).Methods(http.MethodGet)

	origins := s.cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowedHeaders: []string{"*"},
	})
	return c.Handler(router)
}

// Start listens on the configured address and blocks until the server stops.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown is called.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Infof("Listening on %s", ln.Addr())
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve http: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones, including
// running assemblies, until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Infof("Shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleUploadChunk(w http.ResponseWriter, r *http.Request) {
	if s.cfg.MaxRequestSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxRequestSize)
	}

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		if isBodyTooLarge(err) {
			s.respondError(w, http.StatusRequestEntityTooLarge, "request_too_large",
				fmt.Sprintf("request body exceeds %d bytes", s.cfg.MaxRequestSize))
			return
		}
		s.respondError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("malformed multipart form: %s", err))
		return
	}
	defer func() {
		if err := r.MultipartForm.RemoveAll(); err != nil {
			s.logger.Warnf("Failed to remove multipart temp files: %s", err)
		}
	}()

	var payload io.Reader
	file, _, err := r.FormFile("chunk")
	switch {
	case err == nil:
		defer file.Close() //nolint:errcheck
		payload = file
	case errors.Is(err, http.ErrMissingFile):
	default:
		s.respondError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("read chunk part: %s", err))
		return
	}

	req, err := upload.ParseRequest(r.FormValue("fileName"), r.FormValue("chunkIndex"), r.FormValue("totalChunks"), payload)
	if err != nil {
		s.respondUploadError(w, err)
		return
	}
	req.Encoding = r.FormValue("encoding")

	resp, err := s.svc.ReceiveChunk(r.Context(), req)
	if err != nil {
		s.respondUploadError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	fileName := mux.Vars(r)["fileName"]

	report, err := s.svc.Status(r.Context(), fileName)
	if errors.Is(err, session.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, "not_found", fmt.Sprintf("no upload session for %s", fileName))
		return
	}
	if err != nil {
		s.respondUploadError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, report)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) respondUploadError(w http.ResponseWriter, err error) {
	code := upload.Code(err)

	switch upload.Classify(err) {
	case upload.KindValidation:
		s.respondError(w, http.StatusBadRequest, code, err.Error())
	case upload.KindConflict:
		s.respondError(w, http.StatusConflict, code, err.Error())
	case upload.KindTooLarge:
		s.respondError(w, http.StatusRequestEntityTooLarge, code, err.Error())
	case upload.KindInsufficientStorage:
		if s.onLowSpace != nil {
			s.onLowSpace()
		}
		s.respondError(w, http.StatusInsufficientStorage, code, "not enough free space to stage the chunk")
	default:
		s.logger.Errorf("Chunk processing failed: %s", err)
		s.respondError(w, http.StatusInternalServerError, code, "failed to process chunk")
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, code, message string) {
	s.respondJSON(w, status, ErrorResponse{Error: message, Code: code})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warnf("Failed to write response: %s", err)
	}
}

// isBodyTooLarge detects a tripped MaxBytesReader, whose error is not always
// wrapped by the multipart parser.
func isBodyTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr) || strings.Contains(err.Error(), "request body too large")
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debugf("%s %s -> %d (%s)", r.Method, r.URL.Path, rec.status, time.Since(start).Round(time.Millisecond))
	})
}
