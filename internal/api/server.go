// Package api exposes the DVL session over HTTP: the device services as
// POST routes and the latest navigation outputs as JSON.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/dvl.link/internal/correlate"
	"github.com/banshee-data/dvl.link/internal/db"
	"github.com/banshee-data/dvl.link/internal/dvl"
	"github.com/banshee-data/dvl.link/internal/httputil"
	"github.com/banshee-data/dvl.link/internal/navigation"
	"github.com/banshee-data/dvl.link/internal/protocol"
	"github.com/banshee-data/dvl.link/internal/serialmux"
	"github.com/banshee-data/dvl.link/internal/version"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

const (
	defaultReportLimit = 100
	maxReportLimit     = 5000
)

// Device is the session surface the API drives. *dvl.Session satisfies it.
type Device interface {
	SendCommand(ctx context.Context, name string) (protocol.CommandResponse, error)
	SetParameter(ctx context.Context, name string, value any) (protocol.CommandResponse, error)
	LatestVelocity() (navigation.VelocityOutput, bool)
	LatestPose() (navigation.PoseOutput, bool)
	DeviceConfig() json.RawMessage
	Stats() dvl.Stats
	Pending() []string
}

// ReportStore is the read side of the report database. *db.DB satisfies it.
type ReportStore interface {
	RecentVelocity(limit int) ([]db.VelocityRow, error)
	RecentCommands(limit int) ([]dvl.CommandResult, error)
}

// CommandReply is the body of every device service route.
type CommandReply struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result,omitempty"`
}

// Status summarises the session for /status.
type Status struct {
	Stats   dvl.Stats `json:"stats"`
	Pending []string  `json:"pending"`
}

type Server struct {
	dev   Device
	store ReportStore
}

// NewServer builds the API. store may be nil when no database is configured;
// the report routes then answer 404.
func NewServer(dev Device, store ReportStore) *Server {
	return &Server{
		dev:   dev,
		store: store,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/enable", s.setAcoustics(true))
	mux.HandleFunc("/disable", s.setAcoustics(false))
	for _, name := range []string{
		protocol.CommandGetConfig,
		protocol.CommandCalibrateGyro,
		protocol.CommandResetDeadReckoning,
		protocol.CommandTriggerPing,
	} {
		mux.HandleFunc("/"+name, s.command(name))
	}

	mux.HandleFunc("/velocity", s.showVelocity)
	mux.HandleFunc("/position", s.showPosition)
	mux.HandleFunc("/status", s.showStatus)
	mux.HandleFunc("/reports/velocity", s.listVelocity)
	mux.HandleFunc("/reports/commands", s.listCommands)
	mux.HandleFunc("/charts/velocity", s.velocityChart)
	mux.HandleFunc("/version", s.showVersion)
	return mux
}

func (s *Server) setAcoustics(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !httputil.RequireMethod(w, r, http.MethodPost) {
			return
		}
		resp, err := s.dev.SetParameter(r.Context(), protocol.ParamAcousticEnabled, enabled)
		writeCommandReply(w, resp, err)
	}
}

func (s *Server) command(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !httputil.RequireMethod(w, r, http.MethodPost) {
			return
		}
		resp, err := s.dev.SendCommand(r.Context(), name)
		writeCommandReply(w, resp, err)
	}
}

// writeCommandReply answers 200 whenever the device replied, even with
// success=false. Transport and correlation failures map to 5xx/409.
func writeCommandReply(w http.ResponseWriter, resp protocol.CommandResponse, err error) {
	if err != nil {
		httputil.WriteJSON(w, commandErrorStatus(err), CommandReply{Message: err.Error()})
		return
	}
	reply := CommandReply{
		Success: resp.Success,
		Message: resp.ErrorMessage,
	}
	if resp.Command == protocol.CommandGetConfig {
		reply.Result = resp.Result
	}
	httputil.WriteJSONOK(w, reply)
}

func commandErrorStatus(err error) int {
	switch {
	case errors.Is(err, correlate.ErrDuplicateRequest):
		return http.StatusConflict
	case errors.Is(err, protocol.ErrUnsupportedCommand):
		return http.StatusNotImplemented
	case errors.Is(err, correlate.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, correlate.ErrSessionReset), errors.Is(err, serialmux.ErrLinkDisabled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) showVelocity(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodGet) {
		return
	}
	v, ok := s.dev.LatestVelocity()
	if !ok {
		httputil.NotFound(w, "no velocity report received yet")
		return
	}
	httputil.WriteJSONOK(w, v)
}

func (s *Server) showPosition(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodGet) {
		return
	}
	p, ok := s.dev.LatestPose()
	if !ok {
		httputil.NotFound(w, "no dead reckoning report received yet")
		return
	}
	httputil.WriteJSONOK(w, p)
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodGet) {
		return
	}
	pending := s.dev.Pending()
	if pending == nil {
		pending = []string{}
	}
	httputil.WriteJSONOK(w, Status{Stats: s.dev.Stats(), Pending: pending})
}

func (s *Server) listVelocity(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodGet) {
		return
	}
	if s.store == nil {
		httputil.NotFound(w, "report database disabled")
		return
	}
	limit, err := httputil.QueryInt(r, "limit", defaultReportLimit, maxReportLimit)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	rows, err := s.store.RecentVelocity(limit)
	if err != nil {
		httputil.InternalServerError(w, "failed to retrieve velocity reports: "+err.Error())
		return
	}
	if rows == nil {
		rows = []db.VelocityRow{}
	}
	httputil.WriteJSONOK(w, rows)
}

func (s *Server) listCommands(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodGet) {
		return
	}
	if s.store == nil {
		httputil.NotFound(w, "report database disabled")
		return
	}
	limit, err := httputil.QueryInt(r, "limit", defaultReportLimit, maxReportLimit)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	rows, err := s.store.RecentCommands(limit)
	if err != nil {
		httputil.InternalServerError(w, "failed to retrieve command log: "+err.Error())
		return
	}
	if rows == nil {
		rows = []dvl.CommandResult{}
	}
	httputil.WriteJSONOK(w, rows)
}

func (s *Server) showVersion(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodGet) {
		return
	}
	httputil.WriteJSONOK(w, version.Info())
}
