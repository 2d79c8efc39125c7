package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"portal_broker/internal/auth"
	"portal_broker/internal/browserpool"
	"portal_broker/internal/config"
	"portal_broker/internal/logbus"
	"portal_broker/internal/model"
	"portal_broker/internal/session"
	"portal_broker/internal/ws"
)

// DeviceExchanger 把客户端凭据（小程序 code 或设备令牌）换成 machineId。
type DeviceExchanger interface {
	MachineID(ctx context.Context, code, deviceToken string) (string, error)
}

type Options struct {
	Cfg       config.Config
	Bus       *logbus.Bus
	Manager   *session.Manager
	Exchanger DeviceExchanger
}

type Server struct {
	cfg       config.Config
	bus       *logbus.Bus
	manager   *session.Manager
	exchanger DeviceExchanger
	ws        *ws.Handler
}

func New(opts Options) *Server {
	return &Server{
		cfg:       opts.Cfg,
		bus:       opts.Bus,
		manager:   opts.Manager,
		exchanger: opts.Exchanger,
		ws:        ws.NewHandler(opts.Bus, opts.Cfg.Server.Cors.AllowOrigins),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/ws", s.ws)

	api := http.NewServeMux()
	api.HandleFunc("/proxy/init", s.handleInit)
	api.HandleFunc("/proxy/send-sms", s.handleSendSMS)
	api.HandleFunc("/proxy/login", s.handleLogin)
	api.HandleFunc("/proxy/api", s.handleProxyAPI)
	api.HandleFunc("/proxy/check", s.handleCheck)
	api.HandleFunc("/proxy/accounts", s.handleAccounts)
	api.HandleFunc("/proxy/switch", s.handleSwitch)
	api.HandleFunc("/proxy/logout", s.handleLogout)

	mux.Handle("/proxy/", corsMiddleware(s.cfg.Server.Cors, api))
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	type initPayload struct {
		Code        string `json:"code,omitempty"`
		DeviceToken string `json:"deviceToken,omitempty"`
	}
	var body initPayload
	if err := readJSON(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	machineID, err := s.exchanger.MachineID(r.Context(), body.Code, body.DeviceToken)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	result, err := s.manager.InitSession(r.Context(), machineID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": result})
}

func (s *Server) handleSendSMS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	type sendPayload struct {
		MachineID string `json:"machineId"`
		UserID    string `json:"userId"`
	}
	var body sendPayload
	if err := readJSON(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	if strings.TrimSpace(body.MachineID) == "" || strings.TrimSpace(body.UserID) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "machineId and userId are required"})
		return
	}

	sent, err := s.manager.SendCode(r.Context(), body.MachineID, body.UserID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"sent": sent}})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	var cmd model.LoginCommand
	if err := readJSON(r, &cmd); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	if strings.TrimSpace(cmd.MachineID) == "" || strings.TrimSpace(cmd.UserID) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "machineId and userId are required"})
		return
	}

	result, err := s.manager.Login(r.Context(), cmd)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": result})
}

func (s *Server) handleProxyAPI(w http.ResponseWriter, r *http.Request) {
	var (
		machineID, userID, apiURL string
		form                      map[string]string
	)
	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		machineID = q.Get("machineId")
		userID = q.Get("userId")
		apiURL = q.Get("url")
	case http.MethodPost:
		type proxyPayload struct {
			MachineID string            `json:"machineId"`
			UserID    string            `json:"userId,omitempty"`
			URL       string            `json:"url"`
			Form      map[string]string `json:"form,omitempty"`
		}
		var body proxyPayload
		if err := readJSON(r, &body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}
		machineID, userID, apiURL = body.MachineID, body.UserID, body.URL
		form = body.Form
		if form == nil {
			form = map[string]string{}
		}
	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}

	if strings.TrimSpace(machineID) == "" || strings.TrimSpace(apiURL) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "machineId and url are required"})
		return
	}

	res, err := s.manager.ProxyAPI(r.Context(), machineID, userID, apiURL, form)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{
		"status":   res.StatusCode,
		"finalUrl": res.FinalURL,
		"body":     res.Body,
	}})
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	machineID := r.URL.Query().Get("machineId")
	if machineID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "machineId is required"})
		return
	}
	valid, err := s.manager.CheckSession(r.Context(), machineID, r.URL.Query().Get("userId"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"valid": valid}})
}

func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	machineID := r.URL.Query().Get("machineId")
	if machineID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "machineId is required"})
		return
	}
	accounts, err := s.manager.Accounts(r.Context(), machineID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": accounts})
}

func (s *Server) handleSwitch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	type switchPayload struct {
		MachineID string `json:"machineId"`
		UserID    string `json:"userId"`
	}
	var body switchPayload
	if err := readJSON(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	if strings.TrimSpace(body.MachineID) == "" || strings.TrimSpace(body.UserID) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "machineId and userId are required"})
		return
	}
	if err := s.manager.SwitchAccount(r.Context(), body.MachineID, body.UserID); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"switched": true}})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	type logoutPayload struct {
		MachineID string `json:"machineId"`
		UserID    string `json:"userId,omitempty"`
	}
	var body logoutPayload
	if err := readJSON(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	if strings.TrimSpace(body.MachineID) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "machineId is required"})
		return
	}
	if err := s.manager.Logout(r.Context(), body.MachineID, body.UserID); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// writeError 把领域错误翻译成状态码和稳定的错误码。
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var upstream *session.UpstreamError
	status, code := http.StatusInternalServerError, "INTERNAL"
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		status, code = http.StatusUnauthorized, "SESSION_NOT_FOUND"
	case errors.Is(err, session.ErrSessionExpired):
		status, code = http.StatusUnauthorized, "SESSION_EXPIRED"
	case errors.Is(err, session.ErrNotLoggedIn):
		status, code = http.StatusUnauthorized, "NOT_LOGGED_IN"
	case errors.Is(err, auth.ErrUnsupportedLoginType):
		status, code = http.StatusBadRequest, "UNSUPPORTED_LOGIN_TYPE"
	case errors.Is(err, session.ErrRateLimited):
		status, code = http.StatusTooManyRequests, "RATE_LIMITED"
	case errors.Is(err, browserpool.ErrPoolExhausted):
		status, code = http.StatusServiceUnavailable, "POOL_EXHAUSTED"
	case errors.As(err, &upstream):
		status, code = http.StatusBadGateway, "UPSTREAM_UNREACHABLE"
	}
	if s.bus != nil && status >= 500 {
		s.bus.Log("error", "请求处理失败", map[string]any{"error": err.Error()})
	}
	writeJSON(w, status, map[string]any{"error": err.Error(), "code": code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func readJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
