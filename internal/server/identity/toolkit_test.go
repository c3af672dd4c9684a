package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/dmitrijs2005/membersync/internal/server/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

type recordedCall struct {
	method string
	body   map[string]any
}

// fakeToolkit answers relying party calls by path suffix.
type fakeToolkit struct {
	mu      sync.Mutex
	calls   []recordedCall
	replies map[string]func(w http.ResponseWriter)
}

func (f *fakeToolkit) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	body := map[string]any{}
	_ = json.Unmarshal(raw, &body)

	method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
	f.mu.Lock()
	f.calls = append(f.calls, recordedCall{method: method, body: body})
	reply := f.replies[method]
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if reply == nil {
		w.WriteHeader(http.StatusNotImplemented)
		return
	}
	reply(w)
}

func jsonReply(status int, v string) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		w.WriteHeader(status)
		_, _ = io.WriteString(w, v)
	}
}

func apiError(status int, code string) func(w http.ResponseWriter) {
	return jsonReply(status, fmt.Sprintf(
		`{"error":{"code":%d,"message":%q,"errors":[{"message":%q,"domain":"global","reason":"invalid"}]}}`,
		status, code, code))
}

func newTestProvider(t *testing.T, f *fakeToolkit) (*ToolkitProvider, *prometheus.Registry) {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	reg := prometheus.NewRegistry()
	p, err := NewToolkitProvider(context.Background(), metrics.New(reg),
		option.WithEndpoint(srv.URL+"/"),
		option.WithoutAuthentication(),
		option.WithHTTPClient(srv.Client()),
	)
	require.NoError(t, err)
	return p, reg
}

func TestToolkit_CreateIdentity(t *testing.T) {
	f := &fakeToolkit{replies: map[string]func(http.ResponseWriter){
		"signupNewUser": jsonReply(http.StatusOK, `{"kind":"identitytoolkit#SignupNewUserResponse","localId":"abc"}`),
	}}
	p, reg := newTestProvider(t, f)

	id, err := p.CreateIdentity(context.Background(), Identity{
		Email: "ali@members.example.org", Password: "1234567", DisplayName: "ali", Disabled: false,
	})
	require.NoError(t, err)
	assert.Equal(t, "abc", id)

	require.Len(t, f.calls, 1)
	assert.Equal(t, "ali@members.example.org", f.calls[0].body["email"])
	assert.Equal(t, "1234567", f.calls[0].body["password"])
	assert.Equal(t, "ali", f.calls[0].body["displayName"])

	n, err := testutil.GatherAndCount(reg, "membersync_idp_request_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestToolkit_CreateIdentity_EmailExists(t *testing.T) {
	f := &fakeToolkit{replies: map[string]func(http.ResponseWriter){
		"signupNewUser": apiError(http.StatusBadRequest, "EMAIL_EXISTS"),
	}}
	p, _ := newTestProvider(t, f)

	_, err := p.CreateIdentity(context.Background(), Identity{Email: "a@b.c", Password: "123456"})
	require.Error(t, err)
	assert.Equal(t, KindAlreadyExists, Classify(err))
}

func TestToolkit_CreateIdentity_ServerErrorIsTransient(t *testing.T) {
	f := &fakeToolkit{replies: map[string]func(http.ResponseWriter){
		"signupNewUser": apiError(http.StatusServiceUnavailable, "BACKEND_ERROR"),
	}}
	p, _ := newTestProvider(t, f)

	_, err := p.CreateIdentity(context.Background(), Identity{Email: "a@b.c", Password: "123456"})
	require.Error(t, err)
	assert.Equal(t, KindTransient, Classify(err))
}

func TestToolkit_CreateIdentity_EmptyLocalID(t *testing.T) {
	f := &fakeToolkit{replies: map[string]func(http.ResponseWriter){
		"signupNewUser": jsonReply(http.StatusOK, `{}`),
	}}
	p, _ := newTestProvider(t, f)

	_, err := p.CreateIdentity(context.Background(), Identity{Email: "a@b.c", Password: "123456"})
	assert.Equal(t, KindTransient, Classify(err))
}

func TestToolkit_UpdateIdentity_OnlyDisabled(t *testing.T) {
	f := &fakeToolkit{replies: map[string]func(http.ResponseWriter){
		"setAccountInfo": jsonReply(http.StatusOK, `{"localId":"abc"}`),
	}}
	p, _ := newTestProvider(t, f)

	disabled := false
	require.NoError(t, p.UpdateIdentity(context.Background(), "abc", Update{Disabled: &disabled}))

	require.Len(t, f.calls, 1)
	body := f.calls[0].body
	assert.Equal(t, "abc", body["localId"])
	assert.Equal(t, false, body["disableUser"])
	assert.NotContains(t, body, "email")
	assert.NotContains(t, body, "password")
	assert.NotContains(t, body, "displayName")
}

func TestToolkit_UpdateIdentity_NotFound(t *testing.T) {
	f := &fakeToolkit{replies: map[string]func(http.ResponseWriter){
		"setAccountInfo": apiError(http.StatusBadRequest, "USER_NOT_FOUND"),
	}}
	p, _ := newTestProvider(t, f)

	email := "new@x.com"
	err := p.UpdateIdentity(context.Background(), "gone", Update{Email: &email})
	assert.Equal(t, KindNotFound, Classify(err))
}

func TestToolkit_DeleteIdentity(t *testing.T) {
	f := &fakeToolkit{replies: map[string]func(http.ResponseWriter){
		"deleteAccount": jsonReply(http.StatusOK, `{"kind":"identitytoolkit#DeleteAccountResponse"}`),
	}}
	p, _ := newTestProvider(t, f)

	require.NoError(t, p.DeleteIdentity(context.Background(), "abc"))
	assert.Equal(t, "abc", f.calls[0].body["localId"])

	f.replies["deleteAccount"] = apiError(http.StatusBadRequest, "USER_NOT_FOUND")
	assert.Equal(t, KindNotFound, Classify(p.DeleteIdentity(context.Background(), "abc")))
}

func TestToolkit_LookupByEmail(t *testing.T) {
	f := &fakeToolkit{replies: map[string]func(http.ResponseWriter){
		"getAccountInfo": jsonReply(http.StatusOK, `{"users":[{"localId":"xyz","email":"ali@x.com"}]}`),
	}}
	p, _ := newTestProvider(t, f)

	id, err := p.LookupByEmail(context.Background(), "ali@x.com")
	require.NoError(t, err)
	assert.Equal(t, "xyz", id)
	assert.Equal(t, []any{"ali@x.com"}, f.calls[0].body["email"])

	f.replies["getAccountInfo"] = jsonReply(http.StatusOK, `{"kind":"identitytoolkit#GetAccountInfoResponse"}`)
	_, err = p.LookupByEmail(context.Background(), "nobody@x.com")
	assert.Equal(t, KindNotFound, Classify(err))
}
