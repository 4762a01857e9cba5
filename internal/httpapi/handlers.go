package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/gatechat/gatechat/internal/chatlog"
	"github.com/gatechat/gatechat/internal/credential"
	"github.com/gatechat/gatechat/internal/gate"
	"github.com/gatechat/gatechat/internal/logging"
	"github.com/gatechat/gatechat/internal/policy"
	"github.com/gatechat/gatechat/internal/user"
)

const (
	maxBodyBytes = 1 << 20
	timeLayout   = time.RFC3339Nano
)

// MessageNotifier is told about every stored message so live listeners
// can be fanned out to.
type MessageNotifier interface {
	NotifyMessage(msg chatlog.Message)
}

type Handler struct {
	gate     *gate.Gate
	users    *user.Service
	messages *chatlog.Service
	policies *policy.Store
	notifier MessageNotifier
	log      zerolog.Logger
}

func NewHandler(g *gate.Gate, users *user.Service, messages *chatlog.Service, policies *policy.Store, notifier MessageNotifier, log zerolog.Logger) *Handler {
	return &Handler{
		gate:     g,
		users:    users,
		messages: messages,
		policies: policies,
		notifier: notifier,
		log:      log,
	}
}

func (h *Handler) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/auth/login", h.handleLogin)
	r.Post("/auth/logout", h.handleLogout)

	r.Post("/users", h.handleCreateUser)
	r.Get("/users", h.handleListUsers)
	r.Delete("/users/{username}", h.handleDeleteUser)
	r.Put("/users/{username}/ssh-key", h.handleSSHKey)

	r.Get("/chat/permission", h.handlePermission)

	r.Get("/messages", h.handleListMessages)
	r.Post("/messages", h.handleSendMessage)

	r.Get("/policy", h.handleGetPolicy)
	r.Put("/policy", h.handleUpdatePolicy)

	r.Get("/health", h.handleHealth)

	return r
}

type authRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req authRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := h.gate.Login(r.Context(), req.Username, req.Password); err != nil {
		h.writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type logoutRequest struct {
	Username string `json:"username"`
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req logoutRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := h.gate.Logout(r.Context(), req.Username); err != nil {
		h.writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type createUserRequest struct {
	Username string `json:"username"`
}

type userResponse struct {
	Username       string `json:"username"`
	LoggedIn       bool   `json:"logged_in"`
	SSHKeyUploaded bool   `json:"ssh_key_uploaded"`
}

func (h *Handler) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	created, err := h.gate.AddUser(r.Context(), req.Username)
	if err != nil {
		h.writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, userResponse{
		Username:       created.Username,
		LoggedIn:       created.LoggedIn,
		SSHKeyUploaded: created.SSHKeyUploaded,
	})
}

type listUsersResponse struct {
	Users []userResponse `json:"users"`
}

func (h *Handler) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.users.List(r.Context())
	if err != nil {
		h.writeError(w, statusFor(err), err)
		return
	}

	resp := listUsersResponse{Users: make([]userResponse, 0, len(users))}
	for _, u := range users {
		resp.Users = append(resp.Users, userResponse{
			Username:       u.Username,
			LoggedIn:       u.LoggedIn,
			SSHKeyUploaded: u.SSHKeyUploaded,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	if err := h.gate.DeleteUser(r.Context(), username); err != nil {
		h.writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type sshKeyRequest struct {
	Uploaded bool `json:"uploaded"`
}

func (h *Handler) handleSSHKey(w http.ResponseWriter, r *http.Request) {
	var req sshKeyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	username := chi.URLParam(r, "username")
	if err := h.gate.SetSSHKeyUploaded(r.Context(), username, req.Uploaded); err != nil {
		h.writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type permissionResponse struct {
	Permitted bool     `json:"permitted"`
	Reasons   []string `json:"reasons"`
}

func (h *Handler) handlePermission(w http.ResponseWriter, r *http.Request) {
	username := r.URL.Query().Get("username")

	decision, err := h.gate.VerifyPermission(r.Context(), username)
	if err != nil {
		h.writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, permissionResponse{
		Permitted: decision.Permitted,
		Reasons:   decision.Reasons,
	})
}

type sendMessageRequest struct {
	Username string `json:"username"`
	Content  string `json:"content"`
	Encrypt  bool   `json:"encrypt"`
	Password string `json:"password"`
}

type messageResponse struct {
	ID        string `json:"id"`
	AuthorID  string `json:"author_id"`
	Content   string `json:"content"`
	Encrypted bool   `json:"encrypted"`
	Timestamp string `json:"timestamp"`
}

func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	decision, err := h.gate.VerifyPermission(r.Context(), req.Username)
	if err != nil {
		h.writeError(w, statusFor(err), err)
		return
	}
	if !decision.Permitted {
		writeJSON(w, http.StatusForbidden, permissionResponse{
			Permitted: false,
			Reasons:   decision.Reasons,
		})
		return
	}

	msg, err := h.messages.Send(r.Context(), req.Username, req.Content, req.Encrypt, req.Password)
	if err != nil {
		h.writeError(w, statusFor(err), err)
		return
	}
	if h.notifier != nil {
		h.notifier.NotifyMessage(msg)
	}
	writeJSON(w, http.StatusCreated, toMessageResponse(msg))
}

type listMessagesResponse struct {
	Messages []messageResponse `json:"messages"`
}

func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.messages.List(r.Context())
	if err != nil {
		h.writeError(w, statusFor(err), err)
		return
	}

	resp := listMessagesResponse{Messages: make([]messageResponse, 0, len(msgs))}
	for _, msg := range msgs {
		resp.Messages = append(resp.Messages, toMessageResponse(msg))
	}
	writeJSON(w, http.StatusOK, resp)
}

// policyResponse never carries the password digest; the shared secret
// stays server-side.
type policyResponse struct {
	SSHRequired  bool `json:"ssh_required"`
	AuthRequired bool `json:"auth_required"`
}

func (h *Handler) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	pol := h.policies.Snapshot()
	writeJSON(w, http.StatusOK, policyResponse{
		SSHRequired:  pol.SSHRequired,
		AuthRequired: pol.AuthRequired,
	})
}

type updatePolicyRequest struct {
	SSHRequired  *bool   `json:"ssh_required"`
	AuthRequired *bool   `json:"auth_required"`
	Password     *string `json:"password"`
}

func (h *Handler) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	var req updatePolicyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	change := policy.Change{
		SSHRequired:  req.SSHRequired,
		AuthRequired: req.AuthRequired,
	}
	if req.Password != nil {
		digest := credential.Hash(*req.Password)
		change.PasswordDigest = &digest
	}

	updated, err := h.policies.Update(change)
	if err != nil {
		h.writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, policyResponse{
		SSHRequired:  updated.SSHRequired,
		AuthRequired: updated.AuthRequired,
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func toMessageResponse(msg chatlog.Message) messageResponse {
	return messageResponse{
		ID:        msg.ID,
		AuthorID:  msg.AuthorID,
		Content:   msg.Content,
		Encrypted: msg.Encrypted,
		Timestamp: msg.Timestamp.UTC().Format(timeLayout),
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, user.ErrInvalidInput), errors.Is(err, chatlog.ErrInvalidInput), errors.Is(err, chatlog.ErrContentTooLong):
		return http.StatusBadRequest
	case errors.Is(err, gate.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, user.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, user.ErrAlreadyExists), errors.Is(err, gate.ErrNoActiveSession):
		return http.StatusConflict
	case errors.Is(err, gate.ErrCapacityExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, policy.ErrInvalidDigest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("multiple json objects are not allowed")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError logs the error's type chain, never its message, so user
// input cannot leak into the log stream. Client-fault statuses are
// logged at debug only.
func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	evt := h.log.Debug()
	if status >= http.StatusInternalServerError {
		evt = h.log.Error()
	}
	evt.Int("status", status).Str("err_types", logging.ErrTypes(err)).Msg("request failed")
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
