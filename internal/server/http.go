package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/matt-riley/regionflagz/internal/core"
	"github.com/matt-riley/regionflagz/internal/middleware"
	"github.com/matt-riley/regionflagz/internal/repository"
	"github.com/matt-riley/regionflagz/internal/service"
	"github.com/matt-riley/regionflagz/internal/world"
)

const (
	defaultHeartbeatInterval = 15 * time.Second
	defaultMaxJSONBodyBytes  = 1 << 20
	defaultEventLimit        = 100
	maxEventLimit            = 1000
)

var errJSONBodyTooLarge = errors.New("json request body too large")

// Observer receives transport measurements. *metrics.Metrics implements it.
type Observer interface {
	StreamOpened(transport string) func()
	RecordValueRead(present bool)
}

type nopObserver struct{}

func (nopObserver) StreamOpened(string) func() { return func() {} }
func (nopObserver) RecordValueRead(bool)       {}

type HTTPServer struct {
	service           Service
	logger            *slog.Logger
	observer          Observer
	operatorAuth      func(http.Handler) http.Handler
	ready             func(context.Context) error
	metricsHandler    http.Handler
	heartbeatInterval time.Duration
	maxBodyBytes      int64
}

type HTTPOption func(*HTTPServer)

// WithOperatorAuth protects mutating routes. Without it every mutation is
// rejected with 403.
func WithOperatorAuth(mw func(http.Handler) http.Handler) HTTPOption {
	return func(s *HTTPServer) { s.operatorAuth = mw }
}

func WithObserver(o Observer) HTTPOption {
	return func(s *HTTPServer) {
		if o != nil {
			s.observer = o
		}
	}
}

// WithReadiness sets the check behind GET /readyz.
func WithReadiness(fn func(context.Context) error) HTTPOption {
	return func(s *HTTPServer) { s.ready = fn }
}

func WithMetricsHandler(h http.Handler) HTTPOption {
	return func(s *HTTPServer) { s.metricsHandler = h }
}

func WithHeartbeatInterval(d time.Duration) HTTPOption {
	return func(s *HTTPServer) {
		if d > 0 {
			s.heartbeatInterval = d
		}
	}
}

func WithMaxBodyBytes(n int64) HTTPOption {
	return func(s *HTTPServer) {
		if n > 0 {
			s.maxBodyBytes = n
		}
	}
}

func WithHTTPLogger(logger *slog.Logger) HTTPOption {
	return func(s *HTTPServer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func NewHTTPHandler(svc Service, opts ...HTTPOption) http.Handler {
	if svc == nil {
		panic("service is nil")
	}

	server := &HTTPServer{
		service:           svc,
		logger:            slog.Default(),
		observer:          nopObserver{},
		heartbeatInterval: defaultHeartbeatInterval,
		maxBodyBytes:      defaultMaxJSONBodyBytes,
	}
	for _, opt := range opts {
		opt(server)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/flags", server.handleListFlags)
	mux.HandleFunc("GET /v1/regions", server.handleListRegions)
	mux.HandleFunc("GET /v1/events", server.handleListEvents)
	mux.HandleFunc("GET /v1/players/{player}", server.handleGetPlayer)
	mux.HandleFunc("GET /v1/players/{player}/flags/{flag}", server.handleGetValue)
	mux.HandleFunc("GET /v1/players/{player}/flags/{flag}/stream", server.handleStreamValue)
	mux.HandleFunc("GET /healthz", server.handleHealthz)
	mux.HandleFunc("GET /readyz", server.handleReadyz)
	if server.metricsHandler != nil {
		mux.Handle("GET /metrics", server.metricsHandler)
	}

	mux.Handle("PUT /v1/regions/{dimension}/{id}", server.mutation(server.handlePutRegion))
	mux.Handle("DELETE /v1/regions/{dimension}/{id}", server.mutation(server.handleDeleteRegion))
	mux.Handle("PUT /v1/regions/{dimension}/{id}/flags/{flag}", server.mutation(server.handleSetRegionFlag))
	mux.Handle("DELETE /v1/regions/{dimension}/{id}/flags/{flag}", server.mutation(server.handleUnsetRegionFlag))
	mux.Handle("POST /v1/players", server.mutation(server.handleJoinPlayer))
	mux.Handle("POST /v1/players/{player}/move", server.mutation(server.handleMovePlayer))
	mux.Handle("DELETE /v1/players/{player}", server.mutation(server.handleQuitPlayer))

	return mux
}

func (s *HTTPServer) mutation(fn http.HandlerFunc) http.Handler {
	if s.operatorAuth == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			writeJSONError(w, http.StatusForbidden, "mutations are disabled")
		})
	}
	return s.operatorAuth(fn)
}

func operator(r *http.Request) string {
	id, _ := middleware.OperatorFromContext(r.Context())
	return id
}

func (s *HTTPServer) handleListFlags(w http.ResponseWriter, r *http.Request) {
	flags, err := s.service.ListFlags(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, flags)
}

func (s *HTTPServer) handleListRegions(w http.ResponseWriter, r *http.Request) {
	regions, err := s.service.ListRegions(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, regions)
}

func (s *HTTPServer) handleListEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := parseEventLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	events, err := s.service.RecentEvents(r.Context(), limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if events == nil {
		events = []repository.RegionEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

type regionJSONRequest struct {
	Priority int        `json:"priority"`
	Min      [3]float64 `json:"min"`
	Max      [3]float64 `json:"max"`
}

func (s *HTTPServer) handlePutRegion(w http.ResponseWriter, r *http.Request) {
	dimension, id, ok := regionPath(w, r)
	if !ok {
		return
	}
	var request regionJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	spec := RegionSpec{
		Dimension: dimension,
		ID:        id,
		Priority:  request.Priority,
		Min:       request.Min,
		Max:       request.Max,
	}
	if err := s.service.PutRegion(r.Context(), operator(r), spec); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, spec)
}

func (s *HTTPServer) handleDeleteRegion(w http.ResponseWriter, r *http.Request) {
	dimension, id, ok := regionPath(w, r)
	if !ok {
		return
	}
	if err := s.service.DeleteRegion(r.Context(), operator(r), dimension, id); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type flagValueJSONRequest struct {
	Value json.RawMessage `json:"value"`
}

func (s *HTTPServer) handleSetRegionFlag(w http.ResponseWriter, r *http.Request) {
	dimension, id, ok := regionPath(w, r)
	if !ok {
		return
	}
	flag := strings.TrimSpace(r.PathValue("flag"))
	if flag == "" {
		writeJSONError(w, http.StatusBadRequest, "flag is required")
		return
	}
	var request flagValueJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}
	if len(request.Value) == 0 {
		writeJSONError(w, http.StatusBadRequest, "value is required")
		return
	}

	if err := s.service.SetRegionFlag(r.Context(), operator(r), dimension, id, flag, request.Value); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleUnsetRegionFlag(w http.ResponseWriter, r *http.Request) {
	dimension, id, ok := regionPath(w, r)
	if !ok {
		return
	}
	flag := strings.TrimSpace(r.PathValue("flag"))
	if flag == "" {
		writeJSONError(w, http.StatusBadRequest, "flag is required")
		return
	}
	if err := s.service.UnsetRegionFlag(r.Context(), operator(r), dimension, id, flag); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleJoinPlayer(w http.ResponseWriter, r *http.Request) {
	var spec PlayerSpec
	if err := s.decodeJSONBody(w, r, &spec); err != nil {
		writeJSONDecodeError(w, err)
		return
	}
	if strings.TrimSpace(spec.Dimension) == "" {
		writeJSONError(w, http.StatusBadRequest, "dimension is required")
		return
	}

	info, err := s.service.JoinPlayer(r.Context(), spec)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

type moveJSONRequest struct {
	Dimension string     `json:"dimension"`
	Position  [3]float64 `json:"position"`
}

func (s *HTTPServer) handleMovePlayer(w http.ResponseWriter, r *http.Request) {
	id, ok := playerPath(w, r)
	if !ok {
		return
	}
	var request moveJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}
	if strings.TrimSpace(request.Dimension) == "" {
		writeJSONError(w, http.StatusBadRequest, "dimension is required")
		return
	}

	info, err := s.service.MovePlayer(r.Context(), id, request.Dimension, request.Position)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *HTTPServer) handleQuitPlayer(w http.ResponseWriter, r *http.Request) {
	id, ok := playerPath(w, r)
	if !ok {
		return
	}
	if err := s.service.QuitPlayer(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleGetPlayer(w http.ResponseWriter, r *http.Request) {
	id, ok := playerPath(w, r)
	if !ok {
		return
	}
	info, err := s.service.LocatePlayer(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// valueJSONResponse is one observation of a tracker. Value is null when the
// flag is absent.
type valueJSONResponse struct {
	Player uuid.UUID `json:"player"`
	Flag   string    `json:"flag"`
	Type   string    `json:"type"`
	Value  any       `json:"value"`
}

func newValueResponse(t *core.Tracker, v core.Value) valueJSONResponse {
	return valueJSONResponse{
		Player: t.Player(),
		Flag:   t.Flag().Name(),
		Type:   t.Flag().Type().String(),
		Value:  valueJSON(v),
	}
}

func (s *HTTPServer) track(w http.ResponseWriter, r *http.Request) (*core.Tracker, bool) {
	id, ok := playerPath(w, r)
	if !ok {
		return nil, false
	}
	flag := strings.TrimSpace(r.PathValue("flag"))
	if flag == "" {
		writeJSONError(w, http.StatusBadRequest, "flag is required")
		return nil, false
	}
	tracker, err := s.service.Track(r.Context(), id, flag)
	if err != nil {
		writeServiceError(w, err)
		return nil, false
	}
	return tracker, true
}

func (s *HTTPServer) handleGetValue(w http.ResponseWriter, r *http.Request) {
	tracker, ok := s.track(w, r)
	if !ok {
		return
	}
	v := tracker.Value()
	s.observer.RecordValueRead(v.Present())
	writeJSON(w, http.StatusOK, newValueResponse(tracker, v))
}

// handleStreamValue sends the current value, then every change, as
// server-sent events until the client leaves or the tracker is destroyed.
func (s *HTTPServer) handleStreamValue(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	tracker, ok := s.track(w, r)
	if !ok {
		return
	}

	changed := make(chan struct{}, 1)
	remove := tracker.AddListener(func(*core.Tracker) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer remove()
	defer s.observer.StreamOpened("http")()

	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	var seq int64
	last := tracker.Value()
	send := func(v core.Value) error {
		seq++
		payload, err := json.Marshal(newValueResponse(tracker, v))
		if err != nil {
			return err
		}
		if err := writeSSEEvent(w, seq, "value", payload); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}
	if err := send(last); err != nil {
		return
	}

	heartbeat := time.NewTicker(s.heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-tracker.Done():
			writeSSEClosed(w, flusher)
			return
		case <-changed:
			v := tracker.Value()
			if v.Equal(last) {
				continue
			}
			last = v
			if err := send(v); err != nil {
				return
			}
		case <-heartbeat.C:
			if _, err := io.WriteString(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func regionPath(w http.ResponseWriter, r *http.Request) (dimension, id string, ok bool) {
	dimension = strings.TrimSpace(r.PathValue("dimension"))
	id = strings.TrimSpace(r.PathValue("id"))
	if dimension == "" || id == "" {
		writeJSONError(w, http.StatusBadRequest, "dimension and id are required")
		return "", "", false
	}
	return dimension, id, true
}

func playerPath(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(strings.TrimSpace(r.PathValue("player")))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid player id")
		return uuid.Nil, false
	}
	return id, true
}

func parseEventLimit(value string) (int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return defaultEventLimit, nil
	}
	limit, err := strconv.Atoi(value)
	if err != nil || limit <= 0 {
		return 0, errors.New("invalid limit")
	}
	return min(limit, maxEventLimit), nil
}

func writeServiceError(w http.ResponseWriter, err error) {
	status, message := ClassifyError(err)
	writeJSONError(w, status, message)
}

// ClassifyError maps an error from the service layer to an HTTP status and a
// message safe to show to clients.
func ClassifyError(err error) (int, string) {
	switch {
	case errors.Is(err, world.ErrPlayerNotFound):
		return http.StatusNotFound, "player not found"
	case errors.Is(err, world.ErrRegionNotFound), errors.Is(err, pgx.ErrNoRows):
		return http.StatusNotFound, "region not found"
	case errors.Is(err, world.ErrDimensionNotFound):
		return http.StatusNotFound, "dimension not found"
	case errors.Is(err, world.ErrFlagNotFound), errors.Is(err, service.ErrFlagNotRegistered):
		return http.StatusNotFound, "flag not found"
	case errors.Is(err, world.ErrInvalidValue), errors.Is(err, core.ErrValueType),
		errors.Is(err, service.ErrInvalidArgument):
		return http.StatusBadRequest, "invalid value"
	case errors.Is(err, world.ErrRegionExists), errors.Is(err, repository.ErrConflict),
		errors.Is(err, service.ErrTypeConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, ErrEventsUnavailable):
		return http.StatusNotImplemented, "region events are not recorded"
	case errors.Is(err, world.ErrLoopStopped):
		return http.StatusServiceUnavailable, "shutting down"
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout, "request canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "deadline exceeded"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

func writeSSEClosed(w http.ResponseWriter, flusher http.Flusher) {
	_, _ = io.WriteString(w, "event: closed\ndata: {}\n\n")
	flusher.Flush()
}

func writeSSEEvent(w io.Writer, eventID int64, eventName string, payload []byte) error {
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\n", eventID, eventName); err != nil {
		return err
	}
	for _, line := range strings.Split(string(payload), "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", line); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "\n")
	return err
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSONDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errJSONBodyTooLarge) {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *HTTPServer) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return io.EOF
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		return normalizeJSONDecodeError(err)
	}

	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("request body must contain a single JSON object")
		}
		return normalizeJSONDecodeError(err)
	}

	return nil
}

func normalizeJSONDecodeError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return errJSONBodyTooLarge
	}
	return err
}
