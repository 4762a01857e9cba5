package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatechat/gatechat/internal/chatlog"
	"github.com/gatechat/gatechat/internal/credential"
	"github.com/gatechat/gatechat/internal/gate"
	"github.com/gatechat/gatechat/internal/logging"
	"github.com/gatechat/gatechat/internal/passcrypt"
	"github.com/gatechat/gatechat/internal/policy"
	"github.com/gatechat/gatechat/internal/storage"
	"github.com/gatechat/gatechat/internal/user"
)

const testPassword = "shared secret"

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []chatlog.Message
}

func (n *recordingNotifier) NotifyMessage(msg chatlog.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, msg)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.msgs)
}

type testEnv struct {
	handler  http.Handler
	gate     *gate.Gate
	policies *policy.Store
	notifier *recordingNotifier
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store := storage.NewMemoryStore()
	users := user.NewService(store.Users())

	policies, err := policy.Open(
		filepath.Join(t.TempDir(), "policy.json"),
		policy.Policy{PasswordDigest: credential.Hash(testPassword)},
	)
	require.NoError(t, err)

	g := gate.New(users, policies, 3)
	messages := chatlog.NewService(store.Messages(), 50)
	notifier := &recordingNotifier{}

	h := NewHandler(g, users, messages, policies, notifier, logging.Nop())
	return &testEnv{
		handler:  h.Router(),
		gate:     g,
		policies: policies,
		notifier: notifier,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func (e *testEnv) createUser(t *testing.T, username string) {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/users", map[string]string{"username": username})
	require.Equal(t, http.StatusCreated, rec.Code)
}

func TestLogin(t *testing.T) {
	env := newTestEnv(t)
	env.createUser(t, "alice")

	rec := env.do(t, http.MethodPost, "/auth/login", authRequest{Username: "alice", Password: testPassword})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/auth/login", authRequest{Username: "alice", Password: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodPost, "/auth/login", authRequest{Username: "ghost", Password: testPassword})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLogin_Capacity(t *testing.T) {
	env := newTestEnv(t)
	for _, name := range []string{"alice", "bob", "carol", "dave"} {
		env.createUser(t, name)
		rec := env.do(t, http.MethodPost, "/auth/login", authRequest{Username: name, Password: testPassword})
		if name == "dave" {
			assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		} else {
			assert.Equal(t, http.StatusOK, rec.Code)
		}
	}
}

func TestLogout(t *testing.T) {
	env := newTestEnv(t)
	env.createUser(t, "alice")

	rec := env.do(t, http.MethodPost, "/auth/logout", logoutRequest{Username: "alice"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodPost, "/auth/login", authRequest{Username: "alice", Password: testPassword})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/auth/logout", logoutRequest{Username: "alice"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateUser(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/users", createUserRequest{Username: "alice"})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeBody[userResponse](t, rec)
	assert.Equal(t, "alice", created.Username)
	assert.False(t, created.LoggedIn)

	rec = env.do(t, http.MethodPost, "/users", createUserRequest{Username: "alice"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodPost, "/users", createUserRequest{Username: strings.Repeat("x", 51)})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/users", createUserRequest{Username: ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListUsers(t *testing.T) {
	env := newTestEnv(t)
	env.createUser(t, "alice")
	env.createUser(t, "bob")

	rec := env.do(t, http.MethodGet, "/users", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[listUsersResponse](t, rec)
	assert.Len(t, resp.Users, 2)
}

func TestDeleteUser(t *testing.T) {
	env := newTestEnv(t)
	env.createUser(t, "alice")

	rec := env.do(t, http.MethodDelete, "/users/alice", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodDelete, "/users/alice", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSSHKey(t *testing.T) {
	env := newTestEnv(t)
	env.createUser(t, "alice")

	rec := env.do(t, http.MethodPut, "/users/alice/ssh-key", sshKeyRequest{Uploaded: true})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/users", nil)
	resp := decodeBody[listUsersResponse](t, rec)
	require.Len(t, resp.Users, 1)
	assert.True(t, resp.Users[0].SSHKeyUploaded)

	rec = env.do(t, http.MethodPut, "/users/ghost/ssh-key", sshKeyRequest{Uploaded: true})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func setBothControls(t *testing.T, env *testEnv) {
	t.Helper()
	enabled := true
	_, err := env.policies.Update(policy.Change{SSHRequired: &enabled, AuthRequired: &enabled})
	require.NoError(t, err)
}

func TestPermission_AllReasonsReported(t *testing.T) {
	env := newTestEnv(t)
	env.createUser(t, "alice")
	setBothControls(t, env)

	rec := env.do(t, http.MethodGet, "/chat/permission?username=alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[permissionResponse](t, rec)
	assert.False(t, resp.Permitted)
	assert.Equal(t, []string{gate.ReasonSSHKeyMissing, gate.ReasonNotAuthenticated}, resp.Reasons)
}

func TestPermission_Granted(t *testing.T) {
	env := newTestEnv(t)
	env.createUser(t, "alice")
	setBothControls(t, env)

	rec := env.do(t, http.MethodPost, "/auth/login", authRequest{Username: "alice", Password: testPassword})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(t, http.MethodPut, "/users/alice/ssh-key", sshKeyRequest{Uploaded: true})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/chat/permission?username=alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[permissionResponse](t, rec)
	assert.True(t, resp.Permitted)
	assert.Empty(t, resp.Reasons)
}

func TestSendMessage(t *testing.T) {
	env := newTestEnv(t)
	env.createUser(t, "alice")

	rec := env.do(t, http.MethodPost, "/messages", sendMessageRequest{Username: "alice", Content: "hello"})
	require.Equal(t, http.StatusCreated, rec.Code)
	msg := decodeBody[messageResponse](t, rec)
	assert.Equal(t, "alice", msg.AuthorID)
	assert.Equal(t, "hello", msg.Content)
	assert.False(t, msg.Encrypted)
	assert.Equal(t, 1, env.notifier.count())

	rec = env.do(t, http.MethodGet, "/messages", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[listMessagesResponse](t, rec)
	require.Len(t, list.Messages, 1)
	assert.Equal(t, msg.ID, list.Messages[0].ID)
}

func TestSendMessage_Encrypted(t *testing.T) {
	env := newTestEnv(t)
	env.createUser(t, "alice")

	rec := env.do(t, http.MethodPost, "/messages", sendMessageRequest{
		Username: "alice",
		Content:  "the plan is off",
		Encrypt:  true,
		Password: "room password",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	msg := decodeBody[messageResponse](t, rec)
	assert.True(t, msg.Encrypted)
	assert.NotEqual(t, "the plan is off", msg.Content)

	plain, err := passcrypt.DecryptString(msg.Content, "room password")
	require.NoError(t, err)
	assert.Equal(t, "the plan is off", plain)
}

func TestSendMessage_DeniedWithReasons(t *testing.T) {
	env := newTestEnv(t)
	env.createUser(t, "alice")
	setBothControls(t, env)

	rec := env.do(t, http.MethodPost, "/messages", sendMessageRequest{Username: "alice", Content: "hello"})
	require.Equal(t, http.StatusForbidden, rec.Code)
	resp := decodeBody[permissionResponse](t, rec)
	assert.False(t, resp.Permitted)
	assert.Len(t, resp.Reasons, 2)
	assert.Equal(t, 0, env.notifier.count())
}

func TestSendMessage_ContentTooLong(t *testing.T) {
	env := newTestEnv(t)
	env.createUser(t, "alice")

	rec := env.do(t, http.MethodPost, "/messages", sendMessageRequest{
		Username: "alice",
		Content:  strings.Repeat("x", chatlog.MaxContentLength+1),
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSendMessage_UnknownAuthor(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/messages", sendMessageRequest{Username: "ghost", Content: "hello"})
	require.Equal(t, http.StatusForbidden, rec.Code)
	resp := decodeBody[permissionResponse](t, rec)
	assert.Equal(t, []string{gate.ReasonNoSession}, resp.Reasons)
}

func TestPolicy_GetNeverExposesDigest(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/policy", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "digest")
	assert.NotContains(t, rec.Body.String(), credential.Hash(testPassword))
}

func TestPolicy_Update(t *testing.T) {
	env := newTestEnv(t)
	env.createUser(t, "alice")

	enabled := true
	newPassword := "rotated secret"
	rec := env.do(t, http.MethodPut, "/policy", updatePolicyRequest{
		SSHRequired: &enabled,
		Password:    &newPassword,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[policyResponse](t, rec)
	assert.True(t, resp.SSHRequired)
	assert.False(t, resp.AuthRequired)

	// The rotated password is in force for logins.
	rec = env.do(t, http.MethodPost, "/auth/login", authRequest{Username: "alice", Password: testPassword})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = env.do(t, http.MethodPost, "/auth/login", authRequest{Username: "alice", Password: newPassword})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMalformedBody(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/users", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/users", strings.NewReader(`{"username":"a","extra":1}`))
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
