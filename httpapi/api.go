// Package httpapi is the REST surface of the gateway: status, settings and
// SIP commands as plain JSON endpoints, plus the Prometheus scrape handler.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/0aen0/webrtc-sip-gateway/config"
	"github.com/0aen0/webrtc-sip-gateway/sip"
)

// Engine is the command surface the API drives. *sip.Engine satisfies it.
type Engine interface {
	Register(ctx context.Context, cfg sip.Config) error
	Disconnect() error
	MakeCall(number string) error
	AnswerCall() error
	HangupCall() error
	SendDTMF(digit string) error
	SendMessage(to, body string) error
	Status() sip.Status
}

type API struct {
	log    zerolog.Logger
	engine Engine
	cfg    *config.Store
}

type Option func(*API)

func WithLogger(l zerolog.Logger) Option {
	return func(a *API) { a.log = l }
}

func New(engine Engine, cfg *config.Store, options ...Option) *API {
	a := &API{log: log.Logger, engine: engine, cfg: cfg}
	for _, o := range options {
		o(a)
	}
	return a
}

// Handler builds the route table.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", a.handleStatus)
	mux.HandleFunc("/api/settings", a.handleSettings)
	mux.HandleFunc("/api/sip/register", a.command(a.register))
	mux.HandleFunc("/api/sip/disconnect", a.command(func(*http.Request) error { return a.engine.Disconnect() }))
	mux.HandleFunc("/api/sip/call", a.command(a.call))
	mux.HandleFunc("/api/sip/answer", a.command(func(*http.Request) error { return a.engine.AnswerCall() }))
	mux.HandleFunc("/api/sip/hangup", a.command(func(*http.Request) error { return a.engine.HangupCall() }))
	mux.HandleFunc("/api/sip/dtmf", a.command(a.dtmf))
	mux.HandleFunc("/api/sip/message", a.command(a.message))
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET only")
		return
	}
	writeJSON(w, http.StatusOK, a.engine.Status())
}

func (a *API) handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		snap := a.cfg.Snapshot()
		// The password never leaves the gateway.
		if sipTree, ok := snap["sip"].(map[string]any); ok {
			delete(sipTree, "password")
		}
		writeJSON(w, http.StatusOK, snap)
	case http.MethodPut:
		var overlay map[string]any
		if err := json.NewDecoder(r.Body).Decode(&overlay); err != nil {
			writeError(w, http.StatusBadRequest, "malformed settings body")
			return
		}
		a.cfg.Update(overlay)
		if err := a.cfg.Save(); err != nil {
			a.log.Error().Err(err).Msg("failed to save settings")
			writeError(w, http.StatusInternalServerError, "failed to save settings")
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"saved": true})
	default:
		writeError(w, http.StatusMethodNotAllowed, "GET or PUT only")
	}
}

// command wraps a POST action: run it, map the error to a status code.
func (a *API) command(fn func(*http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "POST only")
			return
		}
		if err := fn(r); err != nil {
			a.log.Warn().Err(err).Str("path", r.URL.Path).Msg("command failed")
			writeError(w, statusFor(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

func (a *API) register(r *http.Request) error {
	var p struct {
		Server   string `json:"server"`
		Port     int    `json:"port"`
		Login    string `json:"login"`
		Password string `json:"password"`
		Number   string `json:"number"`
	}
	if r.Body != nil {
		// An empty body means "use the stored settings".
		_ = json.NewDecoder(r.Body).Decode(&p)
	}
	cfg := sip.Config{
		Server:   fallback(p.Server, a.cfg.GetString("sip.server")),
		Port:     p.Port,
		Login:    fallback(p.Login, a.cfg.GetString("sip.login")),
		Password: fallback(p.Password, a.cfg.GetString("sip.password")),
		Number:   fallback(p.Number, a.cfg.GetString("sip.number")),
	}
	if cfg.Port == 0 {
		cfg.Port = a.cfg.GetInt("sip.port")
	}
	return a.engine.Register(r.Context(), cfg)
}

func fallback(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

func (a *API) call(r *http.Request) error {
	var p struct {
		Number string `json:"number"`
	}
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil || p.Number == "" {
		return errBadRequest("number is required")
	}
	return a.engine.MakeCall(p.Number)
}

func (a *API) dtmf(r *http.Request) error {
	var p struct {
		Digit string `json:"digit"`
	}
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil || p.Digit == "" {
		return errBadRequest("digit is required")
	}
	return a.engine.SendDTMF(p.Digit)
}

func (a *API) message(r *http.Request) error {
	var p struct {
		To   string `json:"to"`
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil || p.To == "" {
		return errBadRequest("to is required")
	}
	return a.engine.SendMessage(p.To, p.Text)
}

type badRequestError string

func errBadRequest(msg string) error { return badRequestError(msg) }

func (e badRequestError) Error() string { return string(e) }

// statusFor maps engine errors onto HTTP codes: caller mistakes are 4xx,
// everything else is a gateway-side failure.
func statusFor(err error) int {
	var bad badRequestError
	switch {
	case errors.As(err, &bad),
		errors.Is(err, sip.ErrInvalidDTMF),
		errors.Is(err, sip.ErrInvalidConfig):
		return http.StatusBadRequest
	case errors.Is(err, sip.ErrNotConnected),
		errors.Is(err, sip.ErrNotRegistered),
		errors.Is(err, sip.ErrNoActiveCall),
		errors.Is(err, sip.ErrNoIncomingCall),
		errors.Is(err, sip.ErrCallInProgress),
		errors.Is(err, sip.ErrAlreadyConnected):
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
