package credentials_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/compresr/kiro-gateway/internal/credentials"
	"github.com/compresr/kiro-gateway/internal/store"
)

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(t *testing.T, path string, v any) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o700))
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func expiresIn(d time.Duration) string {
	return credentials.FormatExpiry(time.Now().Add(d))
}

// refreshServer fakes the Kiro social refresh endpoint.
type refreshServer struct {
	*httptest.Server
	calls  atomic.Int32
	delay  time.Duration
	status int
}

func newRefreshServer(t *testing.T) *refreshServer {
	t.Helper()
	rs := &refreshServer{status: http.StatusOK}
	rs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rs.calls.Add(1)
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		assert.NotEmpty(t, body["refreshToken"])

		time.Sleep(rs.delay)
		if rs.status != http.StatusOK {
			w.WriteHeader(rs.status)
			_, _ = w.Write([]byte(`{"message":"boom"}`))
			return
		}
		_, _ = w.Write([]byte(`{"accessToken":"new-at","refreshToken":"new-rt","profileArn":"arn:aws:codewhisperer:p","expiresIn":3600}`))
	}))
	t.Cleanup(rs.Close)
	return rs
}

func socialManager(t *testing.T, rs *refreshServer, file string, mutate func(*credentials.Options)) *credentials.Manager {
	t.Helper()
	opts := credentials.Options{
		File:             file,
		HTTPClient:       rs.Client(),
		SocialRefreshURL: rs.URL + "/{region}/refreshToken",
	}
	if mutate != nil {
		mutate(&opts)
	}
	return credentials.NewManager(opts)
}

// =============================================================================
// INITIALIZE
// =============================================================================

func TestInitialize_SourcePriority(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "acct.json")
	writeJSON(t, file, map[string]string{
		"accessToken":  "file-at",
		"refreshToken": "file-rt",
		"region":       "eu-west-1",
	})
	blob, _ := json.Marshal(map[string]string{"accessToken": "b64-at", "authMethod": "social"})

	cache := store.NewMemoryStore(time.Hour)
	defer cache.Close()
	cached, _ := json.Marshal(map[string]string{"accessToken": "cache-at", "profileArn": "arn:cache"})
	require.NoError(t, cache.Set("acct", string(cached)))

	m := credentials.NewManager(credentials.Options{
		File:   file,
		Base64: base64.StdEncoding.EncodeToString(blob),
		Cache:  cache,
	})
	require.NoError(t, m.Initialize(context.Background(), false))

	snap := m.Snapshot()
	assert.Equal(t, "b64-at", snap.AccessToken)
	assert.Equal(t, "file-rt", snap.RefreshToken)
	assert.Equal(t, "eu-west-1", snap.Region)
	assert.Equal(t, "arn:cache", snap.ProfileArn)
	assert.Equal(t, "arn:cache", m.ProfileArn(), "social accounts expose the profile ARN")
	assert.Equal(t, "acct", m.AccountID())
}

func TestInitialize_Errors(t *testing.T) {
	dir := t.TempDir()

	t.Run("no token", func(t *testing.T) {
		m := credentials.NewManager(credentials.Options{File: filepath.Join(dir, "missing.json")})
		assert.ErrorIs(t, m.Initialize(context.Background(), false), credentials.ErrNoAccessToken)
	})

	t.Run("skip check loads without token", func(t *testing.T) {
		m := credentials.NewManager(credentials.Options{File: filepath.Join(dir, "missing.json")})
		require.NoError(t, m.Initialize(context.Background(), true))
		assert.Equal(t, credentials.DefaultRegion, m.Region())
	})

	t.Run("bad base64", func(t *testing.T) {
		m := credentials.NewManager(credentials.Options{File: filepath.Join(dir, "x.json"), Base64: "%%%"})
		assert.Error(t, m.Initialize(context.Background(), false))
	})
}

func TestInitialize_RefreshesMissingAccessToken(t *testing.T) {
	rs := newRefreshServer(t)
	file := filepath.Join(t.TempDir(), "acct.json")
	writeJSON(t, file, map[string]string{"refreshToken": "rt", "authMethod": "social"})

	m := socialManager(t, rs, file, nil)
	require.NoError(t, m.Initialize(context.Background(), false))

	assert.Equal(t, "new-at", m.AccessToken())
	assert.EqualValues(t, 1, rs.calls.Load())
}

// =============================================================================
// REFRESH
// =============================================================================

func TestEnsureFresh_OnlyInsideWindow(t *testing.T) {
	rs := newRefreshServer(t)
	file := filepath.Join(t.TempDir(), "acct.json")
	writeJSON(t, file, map[string]any{
		"accessToken":  "old-at",
		"refreshToken": "rt",
		"authMethod":   "social",
		"expiresAt":    expiresIn(time.Hour),
		"custom":       map[string]string{"keep": "me"},
	})

	cache := store.NewMemoryStore(time.Hour)
	defer cache.Close()
	m := socialManager(t, rs, file, func(o *credentials.Options) { o.Cache = cache })
	require.NoError(t, m.Initialize(context.Background(), false))

	require.NoError(t, m.EnsureFresh(context.Background()))
	assert.Zero(t, rs.calls.Load(), "token valid for an hour")
	assert.Equal(t, "old-at", m.AccessToken())

	require.NoError(t, m.ForceRefresh(context.Background()))
	assert.EqualValues(t, 1, rs.calls.Load())
	assert.Equal(t, "new-at", m.AccessToken())
	assert.Equal(t, "new-rt", m.Snapshot().RefreshToken)
	assert.False(t, m.IsExpiryDateNear(0))

	saved := readFile(t, file)
	assert.Equal(t, "new-at", gjson.Get(saved, "accessToken").String())
	assert.Equal(t, "new-rt", gjson.Get(saved, "refreshToken").String())
	assert.Equal(t, "arn:aws:codewhisperer:p", gjson.Get(saved, "profileArn").String())
	assert.Equal(t, "me", gjson.Get(saved, "custom.keep").String(), "unrelated keys survive")
	assert.Equal(t, "social", gjson.Get(saved, "authMethod").String())

	info, err := os.Stat(file)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	raw, ok := cache.Get("acct")
	require.True(t, ok)
	assert.Equal(t, "new-at", gjson.Get(raw, "accessToken").String())
}

func TestEnsureFresh_NearExpiry(t *testing.T) {
	rs := newRefreshServer(t)
	file := filepath.Join(t.TempDir(), "acct.json")
	writeJSON(t, file, map[string]string{
		"accessToken":  "old-at",
		"refreshToken": "rt",
		"authMethod":   "social",
		"expiresAt":    expiresIn(2 * time.Minute),
	})

	m := socialManager(t, rs, file, nil)
	require.NoError(t, m.Initialize(context.Background(), false))
	assert.True(t, m.IsExpiryDateNear(0))

	require.NoError(t, m.EnsureFresh(context.Background()))
	assert.EqualValues(t, 1, rs.calls.Load())
	assert.Equal(t, "new-at", m.AccessToken())
}

func TestEnsureFresh_ConcurrentCallersShareOneRefresh(t *testing.T) {
	rs := newRefreshServer(t)
	rs.delay = 50 * time.Millisecond
	file := filepath.Join(t.TempDir(), "acct.json")
	writeJSON(t, file, map[string]string{
		"accessToken":  "old-at",
		"refreshToken": "shared-rt",
		"authMethod":   "social",
		"expiresAt":    expiresIn(-time.Minute),
	})

	m := socialManager(t, rs, file, nil)
	require.NoError(t, m.Initialize(context.Background(), false))

	const n = 20
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = m.EnsureFresh(context.Background())
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.EqualValues(t, 1, rs.calls.Load())
	assert.Equal(t, "new-at", m.AccessToken())
}

func TestEnsureFresh_SharedRegistryAcrossManagers(t *testing.T) {
	rs := newRefreshServer(t)
	rs.delay = 50 * time.Millisecond
	dir := t.TempDir()
	registry := credentials.NewRefreshRegistry(0)

	var managers []*credentials.Manager
	for _, name := range []string{"a.json", "b.json"} {
		file := filepath.Join(dir, name)
		writeJSON(t, file, map[string]string{
			"accessToken":  "old-at",
			"refreshToken": "same-rt",
			"authMethod":   "social",
			"expiresAt":    expiresIn(-time.Minute),
		})
		m := socialManager(t, rs, file, func(o *credentials.Options) { o.Registry = registry })
		require.NoError(t, m.Initialize(context.Background(), false))
		managers = append(managers, m)
	}

	var wg sync.WaitGroup
	for _, m := range managers {
		wg.Add(1)
		go func(m *credentials.Manager) {
			defer wg.Done()
			assert.NoError(t, m.EnsureFresh(context.Background()))
		}(m)
	}
	wg.Wait()

	assert.EqualValues(t, 1, rs.calls.Load())
	for _, m := range managers {
		assert.Equal(t, "new-at", m.AccessToken(), "joiners adopt the leader's token")
	}
}

func TestEnsureFresh_CooldownAfterFailure(t *testing.T) {
	rs := newRefreshServer(t)
	rs.status = http.StatusInternalServerError
	file := filepath.Join(t.TempDir(), "acct.json")
	writeJSON(t, file, map[string]string{
		"accessToken":  "old-at",
		"refreshToken": "rt",
		"authMethod":   "social",
		"expiresAt":    expiresIn(-time.Minute),
	})

	m := socialManager(t, rs, file, nil)
	require.NoError(t, m.Initialize(context.Background(), false))

	err := m.EnsureFresh(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token refresh failed")

	err = m.EnsureFresh(context.Background())
	assert.ErrorIs(t, err, credentials.ErrReauthRequired)
	assert.EqualValues(t, 1, rs.calls.Load(), "second call is debounced")
}

func TestEnsureFresh_CooldownSkipsValidToken(t *testing.T) {
	rs := newRefreshServer(t)
	file := filepath.Join(t.TempDir(), "acct.json")
	writeJSON(t, file, map[string]string{
		"accessToken":  "old-at",
		"refreshToken": "rt",
		"authMethod":   "social",
		"expiresAt":    expiresIn(time.Hour),
	})

	m := socialManager(t, rs, file, nil)
	require.NoError(t, m.Initialize(context.Background(), false))

	require.NoError(t, m.ForceRefresh(context.Background()))
	// The manager now holds new-rt, which has never been refreshed.
	require.NoError(t, m.ForceRefresh(context.Background()))
	assert.EqualValues(t, 2, rs.calls.Load(), "rotated refresh token is a new key")

	require.NoError(t, m.ForceRefresh(context.Background()))
	assert.EqualValues(t, 2, rs.calls.Load(), "same token inside cooldown is skipped")
}

func TestEnsureFresh_NoRefreshToken(t *testing.T) {
	file := filepath.Join(t.TempDir(), "acct.json")
	writeJSON(t, file, map[string]string{"accessToken": "at", "expiresAt": expiresIn(time.Minute)})

	m := credentials.NewManager(credentials.Options{File: file})
	require.NoError(t, m.Initialize(context.Background(), false))
	assert.ErrorIs(t, m.EnsureFresh(context.Background()), credentials.ErrNoRefreshToken)
}

func TestEnsureFresh_AdoptsFresherCachedCredential(t *testing.T) {
	rs := newRefreshServer(t)
	file := filepath.Join(t.TempDir(), "acct.json")
	writeJSON(t, file, map[string]string{
		"accessToken":  "old-at",
		"refreshToken": "rt",
		"authMethod":   "social",
		"expiresAt":    expiresIn(time.Minute),
	})

	cache := store.NewMemoryStore(time.Hour)
	defer cache.Close()
	m := socialManager(t, rs, file, func(o *credentials.Options) { o.Cache = cache })
	require.NoError(t, m.Initialize(context.Background(), false))

	other, _ := json.Marshal(credentials.Credential{
		AccessToken:  "other-process-at",
		RefreshToken: "other-rt",
		ExpiresAt:    expiresIn(time.Hour),
	})
	require.NoError(t, cache.Set("acct", string(other)))

	require.NoError(t, m.EnsureFresh(context.Background()))
	assert.Zero(t, rs.calls.Load())
	assert.Equal(t, "other-process-at", m.AccessToken())
	assert.Equal(t, "other-rt", m.Snapshot().RefreshToken)
}

func TestRefresh_SyncsExistingAliases(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	cacheDir := filepath.Join(home, ".aws", "sso", "cache")

	rs := newRefreshServer(t)
	file := filepath.Join(cacheDir, credentials.DefaultFileName)
	require.Equal(t, file, credentials.DefaultCredentialFile())
	writeJSON(t, file, map[string]string{
		"accessToken":  "old-at",
		"refreshToken": "rt",
		"authMethod":   "social",
		"expiresAt":    expiresIn(-time.Minute),
	})
	alias := filepath.Join(cacheDir, "kiro-auth-token-1.json")
	writeJSON(t, alias, map[string]string{
		"accessToken": "alias-old",
		"authMethod":  "social",
		"provider":    "Github",
	})

	m := socialManager(t, rs, "", nil)
	require.NoError(t, m.Initialize(context.Background(), false))
	require.NoError(t, m.EnsureFresh(context.Background()))

	synced := readFile(t, alias)
	assert.Equal(t, "new-at", gjson.Get(synced, "accessToken").String())
	assert.Equal(t, "Github", gjson.Get(synced, "provider").String())
	assert.Equal(t, "social", gjson.Get(synced, "authMethod").String())

	_, err := os.Stat(filepath.Join(cacheDir, "kiro-auth-token-2.json"))
	assert.True(t, os.IsNotExist(err), "missing aliases are not created")
}

func TestRefresh_NonDefaultFileSkipsAliases(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	rs := newRefreshServer(t)
	dir := t.TempDir()
	file := filepath.Join(dir, "kiro-auth-token.json")
	writeJSON(t, file, map[string]string{"refreshToken": "rt", "authMethod": "social"})
	alias := filepath.Join(dir, "kiro-auth-token-1.json")
	writeJSON(t, alias, map[string]string{"accessToken": "alias-old"})

	m := socialManager(t, rs, file, nil)
	require.NoError(t, m.Initialize(context.Background(), false))

	assert.Equal(t, "alias-old", gjson.Get(readFile(t, alias), "accessToken").String())
}

// =============================================================================
// REGISTRY
// =============================================================================

func TestRefreshRegistry_UnrelatedTokensDoNotBlock(t *testing.T) {
	reg := credentials.NewRefreshRegistry(0)
	release := make(chan struct{})
	started := make(chan struct{})

	go func() {
		_, _ = reg.Refresh(context.Background(), "slow", true, func(context.Context) (*credentials.Credential, error) {
			close(started)
			<-release
			return &credentials.Credential{AccessToken: "slow"}, nil
		})
	}()
	<-started

	done := make(chan *credentials.Credential, 1)
	go func() {
		c, err := reg.Refresh(context.Background(), "fast", true, func(context.Context) (*credentials.Credential, error) {
			return &credentials.Credential{AccessToken: "fast"}, nil
		})
		assert.NoError(t, err)
		done <- c
	}()

	select {
	case c := <-done:
		assert.Equal(t, "fast", c.AccessToken)
	case <-time.After(2 * time.Second):
		t.Fatal("unrelated refresh blocked")
	}
	close(release)
}

func TestRefreshRegistry_CanceledWaiterLeavesRefreshRunning(t *testing.T) {
	reg := credentials.NewRefreshRegistry(0)
	release := make(chan struct{})
	finished := make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := reg.Refresh(ctx, "k", true, func(fctx context.Context) (*credentials.Credential, error) {
		defer close(finished)
		<-release
		assert.NoError(t, fctx.Err())
		return &credentials.Credential{}, nil
	})
	assert.ErrorIs(t, err, context.Canceled)

	close(release)
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("refresh did not complete")
	}
}
