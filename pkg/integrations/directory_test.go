package integrations

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDirectory is a minimal in-memory directory API.
type fakeDirectory struct {
	mu       sync.Mutex
	users    map[string]*DirectoryUser
	members  map[string]map[string]bool
	resets   int
	idemKeys []string
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		users: map[string]*DirectoryUser{
			"jane@corp.example": {UserPrincipalName: "jane@corp.example", AccountEnabled: false, Locked: true},
		},
		members: map[string]map[string]bool{"finance": {}},
	}
}

func (f *fakeDirectory) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/users/jane@corp.example", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		u := f.users["jane@corp.example"]
		if r.Method == http.MethodPatch {
			var body map[string]bool
			_ = json.NewDecoder(r.Body).Decode(&body)
			u.AccountEnabled = body["account_enabled"]
			u.Locked = body["locked"]
		}
		_ = json.NewEncoder(w).Encode(u)
	})
	mux.HandleFunc("/users/jane@corp.example/password-reset", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.resets++
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/groups/finance/members", func(w http.ResponseWriter, r *http.Request) {
		var m groupMember
		_ = json.NewDecoder(r.Body).Decode(&m)
		f.mu.Lock()
		f.members["finance"][m.User] = true
		f.idemKeys = append(f.idemKeys, r.Header.Get("Idempotency-Key"))
		f.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("/groups/finance/members/jane@corp.example", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		switch r.Method {
		case http.MethodDelete:
			delete(f.members["finance"], "jane@corp.example")
			w.WriteHeader(http.StatusNoContent)
		default:
			if !f.members["finance"]["jane@corp.example"] {
				http.NotFound(w, r)
				return
			}
			w.WriteHeader(http.StatusOK)
		}
	})
	return mux
}

func TestDirectoryClient_ResetPassword(t *testing.T) {
	fake := newFakeDirectory()
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	d := NewDirectoryClient(HTTPConfig{BaseURL: srv.URL}, nil)
	req := Request{Action: ActionResetPassword, Params: Params{"user": "jane@corp.example"}}

	_, err := d.CaptureState(context.Background(), req)
	assert.ErrorIs(t, err, ErrUnsupported)

	res, err := d.Apply(context.Background(), req)
	require.NoError(t, err)
	assert.Len(t, res.Sensitive["temporary_password"], temporaryPasswordLength)
	assert.NotContains(t, res.Message, res.Sensitive["temporary_password"])
	assert.Equal(t, 1, fake.resets)
}

func TestDirectoryClient_UnlockAndReverse(t *testing.T) {
	fake := newFakeDirectory()
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	d := NewDirectoryClient(HTTPConfig{BaseURL: srv.URL}, nil)
	req := Request{Action: ActionUnlockAccount, Params: Params{"user": "jane@corp.example"}}

	before, err := d.CaptureState(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, true, before["locked"])

	res, err := d.Apply(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, false, res.After["locked"])
	assert.Equal(t, true, res.After["account_enabled"])

	require.NoError(t, d.Reverse(context.Background(), req, before))
	assert.True(t, fake.users["jane@corp.example"].Locked)
	assert.False(t, fake.users["jane@corp.example"].AccountEnabled)
}

func TestDirectoryClient_GrantAccessSendsIdempotencyKey(t *testing.T) {
	fake := newFakeDirectory()
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	d := NewDirectoryClient(HTTPConfig{BaseURL: srv.URL, APIKey: "k"}, nil)
	req := Request{
		Action:         ActionGrantAccess,
		Params:         Params{"user": "jane@corp.example", "resource": "finance"},
		IdempotencyKey: "idem-1",
	}

	before, err := d.CaptureState(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, false, before["member"])

	_, err = d.Apply(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []string{"idem-1"}, fake.idemKeys)
	assert.True(t, fake.members["finance"]["jane@corp.example"])

	require.NoError(t, d.Reverse(context.Background(), req, before))
	assert.False(t, fake.members["finance"]["jane@corp.example"])
}

func TestDirectoryClient_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "directory unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	d := NewDirectoryClient(HTTPConfig{BaseURL: srv.URL}, nil)
	_, err := d.Apply(context.Background(), Request{Action: ActionUnlockAccount, Params: Params{"user": "x@y.example"}})
	require.Error(t, err)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusServiceUnavailable, se.StatusCode)
}

func TestDirectoryClient_Specs(t *testing.T) {
	d := NewDirectoryClient(HTTPConfig{}, nil)
	grant, ok := d.Spec(ActionGrantAccess)
	require.True(t, ok)
	assert.False(t, grant.Idempotent)
	assert.True(t, grant.Retryable())

	reset, _ := d.Spec(ActionResetPassword)
	assert.False(t, reset.Reversible)

	_, ok = d.Spec("format_disk")
	assert.False(t, ok)
}
