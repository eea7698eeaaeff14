package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"boussoled/internal/compass"
	"boussoled/internal/geo"
	"boussoled/internal/heading"
	"boussoled/internal/logging"
)

// Compass is the part of compass.Service the HTTP layer drives.
type Compass interface {
	Snapshot() compass.Snapshot
	Enable(ctx context.Context, p compass.Permission) (compass.SensorState, error)
	Calibrate(ctx context.Context) (float64, error)
	ResetCalibration(ctx context.Context) error
	SetMode(ctx context.Context, m compass.Mode) error
	ToggleDebug(ctx context.Context) (bool, error)

	PushOrientation(heading.Sample)
	PushLocation(geo.Point)
	PushLocationError(error)
	PushPointer(dx, dy float64)
}

// IMU exposes the gyro zero drift action of a hardware orientation source.
type IMU interface {
	ZeroDrift(ctx context.Context) error
}

type Options struct {
	Compass Compass
	// IMU is nil when no hardware IMU is configured.
	IMU    IMU
	Status *Status
	Frames *FrameBroadcaster
	Logs   *LogBuffer
	// Modes persists mode changes when set.
	Modes  ModeStore
	Logger *slog.Logger
}

type handlers struct {
	c      Compass
	imu    IMU
	status *Status
	frames *FrameBroadcaster
	logs   *LogBuffer
	modes  ModeStore
	log    *slog.Logger
}

const (
	maxBodyBytes   = 64 << 10
	requestTimeout = 5 * time.Second
	// The zero drift window itself defaults to 2s.
	zeroDriftTimeout = 10 * time.Second
)

func Handler(opts Options) http.Handler {
	h := &handlers{
		c:      opts.Compass,
		imu:    opts.IMU,
		status: opts.Status,
		frames: opts.Frames,
		logs:   opts.Logs,
		modes:  opts.Modes,
		log:    opts.Logger,
	}
	if h.status == nil {
		h.status = NewStatus()
	}
	if h.log == nil {
		h.log = slog.Default()
	}
	h.log = h.log.With(slog.String("component", "web"))

	r := httprouter.New()
	r.HandlerFunc(http.MethodGet, "/", h.index)
	r.HandlerFunc(http.MethodGet, "/api/status", h.getStatus)
	r.HandlerFunc(http.MethodGet, "/api/about", h.about)
	r.HandlerFunc(http.MethodGet, "/api/compass", h.getCompass)
	r.HandlerFunc(http.MethodGet, "/api/compass/stream", h.stream)
	r.HandlerFunc(http.MethodPost, "/api/compass/enable", h.enable)
	r.HandlerFunc(http.MethodPost, "/api/compass/calibrate", h.calibrate)
	r.HandlerFunc(http.MethodPost, "/api/compass/calibration/reset", h.resetCalibration)
	r.HandlerFunc(http.MethodPost, "/api/compass/mode", h.setMode)
	r.HandlerFunc(http.MethodPost, "/api/compass/debug", h.toggleDebug)
	r.HandlerFunc(http.MethodPost, "/api/samples/:kind", h.postSample)
	r.HandlerFunc(http.MethodPost, "/api/imu/zero-drift", h.zeroDrift)
	if h.logs != nil {
		r.HandlerFunc(http.MethodGet, "/api/logs", h.logs.handleLogs)
	}
	r.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, fmt.Errorf("no route for %s", r.URL.Path))
	})
	return requestLogging(h.log, r)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE working through the wrapper.
func (w *statusRecorder) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func requestLogging(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqLog := logger.With(slog.String("method", r.Method), slog.String("path", r.URL.Path))
		r = r.WithContext(logging.WithLogger(r.Context(), reqLog))
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logging.LogHTTPRequest(logger, r.Method, r.URL.Path, rec.status,
			float64(time.Since(start).Nanoseconds())/1e6,
			slog.String("user_agent", r.Header.Get("User-Agent")))
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		http.Error(w, "marshal failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_, _ = w.Write(b)
	_, _ = w.Write([]byte("\n"))
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, errorResponse{Error: err.Error()})
}

// errorStatus maps compass errors onto HTTP codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, compass.ErrNoBaseRotation), errors.Is(err, compass.ErrUnavailable):
		return http.StatusConflict
	case errors.Is(err, compass.ErrClosed), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

// decodeBody strictly decodes a single JSON object into dst.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	if dec.More() {
		return errors.New("invalid json: trailing data")
	}
	return nil
}

func (h *handlers) ready(w http.ResponseWriter) bool {
	if h.c == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("compass unavailable"))
		return false
	}
	return true
}

func (h *handlers) getStatus(w http.ResponseWriter, r *http.Request) {
	var c *compass.Snapshot
	if h.c != nil {
		snap := h.c.Snapshot()
		c = &snap
	}
	writeJSON(w, http.StatusOK, h.status.Snapshot(time.Now().UTC(), c))
}

func (h *handlers) getCompass(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	writeJSON(w, http.StatusOK, h.c.Snapshot())
}

type enableRequest struct {
	Permission string `json:"permission"`
}

type enableResponse struct {
	State  compass.SensorState `json:"sensor_state"`
	Status string              `json:"status,omitempty"`
	Error  string              `json:"error,omitempty"`
}

func (h *handlers) enable(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	var req enableRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	p, err := compass.ParsePermission(req.Permission)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	state, err := h.c.Enable(ctx, p)
	resp := enableResponse{State: state, Status: h.c.Snapshot().Status}
	code := http.StatusOK
	if err != nil {
		resp.Error = err.Error()
		code = errorStatus(err)
	}
	writeJSON(w, code, resp)
}

func (h *handlers) calibrate(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	off, err := h.c.Calibrate(ctx)
	if err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]float64{"calibration_offset_deg": off})
}

func (h *handlers) resetCalibration(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	if err := h.c.ResetCalibration(ctx); err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type modeRequest struct {
	Mode string `json:"mode"`
}

type modeResponse struct {
	Mode      compass.Mode `json:"mode"`
	Persisted bool         `json:"persisted"`
}

func (h *handlers) setMode(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	var req modeRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	m, err := compass.ParseMode(req.Mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	if err := h.c.SetMode(ctx, m); err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	resp := modeResponse{Mode: m}
	if h.modes != nil {
		if err := h.modes.SaveMode(m); err != nil {
			logging.LogError(logging.FromContext(r.Context()), "persist mode failed", err, slog.String("mode", string(m)))
		} else {
			resp.Persisted = true
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) toggleDebug(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	on, err := h.c.ToggleDebug(ctx)
	if err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"debug_visible": on})
}

type locationErrorRequest struct {
	Error string `json:"error"`
}

type pointerRequest struct {
	DX *float64 `json:"dx"`
	DY *float64 `json:"dy"`
}

func (h *handlers) postSample(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	kind := httprouter.ParamsFromContext(r.Context()).ByName("kind")
	switch kind {
	case "orientation":
		var s heading.Sample
		if err := decodeBody(w, r, &s); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		h.c.PushOrientation(s)
	case "location":
		var p geo.Point
		if err := decodeBody(w, r, &p); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		h.c.PushLocation(p)
	case "location-error":
		var req locationErrorRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		h.c.PushLocationError(errors.New(req.Error))
	case "pointer":
		var req pointerRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if req.DX == nil || req.DY == nil {
			writeError(w, http.StatusBadRequest, errors.New("dx and dy are required"))
			return
		}
		h.c.PushPointer(*req.DX, *req.DY)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown sample kind %q", kind))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"ok": true})
}

// Serve runs the HTTP server until ctx is done. There is no write timeout
// so SSE streams can stay open.
func Serve(ctx context.Context, listenAddr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       30 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (h *handlers) zeroDrift(w http.ResponseWriter, r *http.Request) {
	if h.imu == nil {
		writeError(w, http.StatusNotFound, errors.New("imu unavailable"))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), zeroDriftTimeout)
	defer cancel()
	if err := h.imu.ZeroDrift(ctx); err != nil {
		logging.LogError(logging.FromContext(r.Context()), "imu zero drift failed", err)
		code := http.StatusBadRequest
		if errors.Is(err, context.DeadlineExceeded) {
			code = http.StatusServiceUnavailable
		}
		writeError(w, code, err)
		return
	}
	logging.LogOperation(logging.FromContext(r.Context()), "imu zero drift done")
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
