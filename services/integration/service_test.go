package integration

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"flowplane/pkg/secrets"
	"flowplane/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTokenServer(t *testing.T) (*httptest.Server, *int) {
	t.Helper()
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		require.NoError(t, r.ParseForm())
		require.Equal(t, "refresh_token", r.FormValue("grant_type"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"access_token": "new-access",
			"refresh_token": "new-refresh",
			"token_type": "Bearer",
			"expires_in": 3600
		}`))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func newFailingTokenServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error": "invalid_grant"}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestRefresher(t *testing.T) (*Service, *secrets.MemoryStore, *gorm.DB) {
	t.Helper()

	db := testutil.NewTestDB(t, &OAuthConnection{}, &RefreshJobStatus{})
	store := secrets.NewMemoryStore()

	return NewServiceWith(db, store, 4*time.Hour, 2), store, db
}

func seedConnection(t *testing.T, db *gorm.DB, store *secrets.MemoryStore, id, tokenURL string, status ConnectionStatus, expiresIn time.Duration, now time.Time) *OAuthConnection {
	t.Helper()

	expires := now.Add(expiresIn)
	conn := &OAuthConnection{
		ID:              id,
		ConnectionName:  "conn-" + id,
		OrgID:           "acme",
		Status:          status,
		TokenURL:        tokenURL,
		ClientID:        "client-" + id,
		AccessTokenRef:  "oauth/" + id + "/access",
		RefreshTokenRef: "oauth/" + id + "/refresh",
		ExpiresAt:       &expires,
	}
	require.NoError(t, db.Create(conn).Error)
	require.NoError(t, store.Set(context.Background(), conn.RefreshTokenRef, "old-refresh"))
	require.NoError(t, store.Set(context.Background(), conn.AccessTokenRef, "old-access"))
	return conn
}

func TestRefreshesConnectionNearExpiry(t *testing.T) {
	svc, store, db := newTestRefresher(t)
	srv, hits := newTokenServer(t)
	ctx := context.Background()
	now := time.Now()

	conn := seedConnection(t, db, store, "a", srv.URL, StatusCompleted, 10*time.Minute, now)

	status, err := svc.RefreshExpiring(ctx, now, "scheduled")
	require.NoError(t, err)
	require.Equal(t, 1, status.RefreshedCount)
	require.Equal(t, 0, status.FailedCount)
	require.Equal(t, 1, *hits)

	access, err := store.Get(ctx, conn.AccessTokenRef)
	require.NoError(t, err)
	require.Equal(t, "new-access", access)

	refresh, err := store.Get(ctx, conn.RefreshTokenRef)
	require.NoError(t, err)
	require.Equal(t, "new-refresh", refresh)

	var got OAuthConnection
	require.NoError(t, db.First(&got, "id = ?", "a").Error)
	require.Equal(t, StatusCompleted, got.Status)
	require.Equal(t, "refreshed by scheduled job", got.StatusNote)
	require.NotNil(t, got.LastRefreshAt)
	require.True(t, got.ExpiresAt.After(now.Add(30*time.Minute)))
}

func TestSkipsConnectionExpiringBeyondWindow(t *testing.T) {
	svc, store, db := newTestRefresher(t)
	srv, hits := newTokenServer(t)
	ctx := context.Background()
	now := time.Now()

	seedConnection(t, db, store, "a", srv.URL, StatusCompleted, 6*time.Hour, now)

	status, err := svc.RefreshExpiring(ctx, now, "scheduled")
	require.NoError(t, err)
	require.Equal(t, 0, status.RefreshedCount)
	require.Equal(t, 1, status.SkippedCount)
	require.Equal(t, 0, *hits)
}

func TestSkipsNonCompletedConnections(t *testing.T) {
	svc, store, db := newTestRefresher(t)
	srv, hits := newTokenServer(t)
	ctx := context.Background()
	now := time.Now()

	seedConnection(t, db, store, "a", srv.URL, StatusWaitingCallback, 10*time.Minute, now)
	seedConnection(t, db, store, "b", srv.URL, StatusNotConnected, 10*time.Minute, now)
	seedConnection(t, db, store, "c", srv.URL, StatusFailed, 10*time.Minute, now)

	status, err := svc.RefreshExpiring(ctx, now, "scheduled")
	require.NoError(t, err)
	require.Equal(t, 0, status.RefreshedCount)
	require.Equal(t, 3, status.SkippedCount)
	require.Equal(t, 0, *hits)
}

func TestFailureIsolatedPerConnection(t *testing.T) {
	svc, store, db := newTestRefresher(t)
	good, hits := newTokenServer(t)
	bad := newFailingTokenServer(t)
	ctx := context.Background()
	now := time.Now()

	seedConnection(t, db, store, "bad", bad.URL, StatusCompleted, 10*time.Minute, now)
	goodConn := seedConnection(t, db, store, "good", good.URL, StatusCompleted, 10*time.Minute, now)

	status, err := svc.RefreshExpiring(ctx, now, "scheduled")
	require.NoError(t, err)
	require.Equal(t, 1, status.RefreshedCount)
	require.Equal(t, 1, status.FailedCount)
	require.Equal(t, 1, *hits)

	// The healthy connection still got its new token.
	access, err := store.Get(ctx, goodConn.AccessTokenRef)
	require.NoError(t, err)
	require.Equal(t, "new-access", access)

	var failed OAuthConnection
	require.NoError(t, db.First(&failed, "id = ?", "bad").Error)
	require.Equal(t, StatusFailed, failed.Status)
	require.NotEmpty(t, failed.StatusNote)
}

func TestManualTriggerNote(t *testing.T) {
	svc, store, db := newTestRefresher(t)
	srv, _ := newTokenServer(t)
	ctx := context.Background()
	now := time.Now()

	seedConnection(t, db, store, "a", srv.URL, StatusCompleted, 10*time.Minute, now)

	_, err := svc.RefreshExpiring(ctx, now, "manual")
	require.NoError(t, err)

	var got OAuthConnection
	require.NoError(t, db.First(&got, "id = ?", "a").Error)
	require.Equal(t, "refreshed by manual trigger", got.StatusNote)
}

func TestJobStatusIsRollingSingleRow(t *testing.T) {
	svc, store, db := newTestRefresher(t)
	srv, _ := newTokenServer(t)
	ctx := context.Background()
	now := time.Now()

	_, err := svc.JobStatus(ctx)
	require.Error(t, err)

	seedConnection(t, db, store, "a", srv.URL, StatusCompleted, 10*time.Minute, now)

	_, err = svc.RefreshExpiring(ctx, now, "scheduled")
	require.NoError(t, err)
	_, err = svc.RefreshExpiring(ctx, now.Add(time.Minute), "manual")
	require.NoError(t, err)

	var count int64
	require.NoError(t, db.Model(&RefreshJobStatus{}).Count(&count).Error)
	require.EqualValues(t, 1, count)

	status, err := svc.JobStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, "manual", status.TriggerType)
}
