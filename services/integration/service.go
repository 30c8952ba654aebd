package integration

import (
	"context"
	"sync"
	"time"

	"flowplane/pkg/config"
	"flowplane/pkg/errutil"
	"flowplane/pkg/secrets"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const refreshCallTimeout = 30 * time.Second

// Service keeps OAuth access tokens refreshed ahead of expiry. A single bad
// connection never blocks refreshing the rest of the batch.
type Service struct {
	db      *gorm.DB
	secrets secrets.Store

	window      time.Duration
	parallelism int
}

type Params struct {
	fx.In
	DB      *gorm.DB
	Secrets secrets.Store
	Config  *config.Config
}

func NewService(p Params) *Service {
	parallelism := p.Config.OAuth.Parallelism
	if parallelism <= 0 {
		parallelism = 1
	}
	return &Service{
		db:          p.DB,
		secrets:     p.Secrets,
		window:      p.Config.OAuth.RefreshWindow,
		parallelism: parallelism,
	}
}

// NewServiceWith builds a refresher directly, bypassing fx.
func NewServiceWith(db *gorm.DB, store secrets.Store, window time.Duration, parallelism int) *Service {
	return &Service{
		db:          db,
		secrets:     store,
		window:      window,
		parallelism: parallelism,
	}
}

// RefreshExpiring sweeps every connection once. Non-completed connections
// carry nothing usable to refresh; connections expiring beyond the safety
// window are left alone to spare provider quota.
func (s *Service) RefreshExpiring(ctx context.Context, now time.Time, trigger string) (*RefreshJobStatus, error) {
	var connections []*OAuthConnection
	if err := s.db.WithContext(ctx).Find(&connections).Error; err != nil {
		return nil, errutil.Internal("failed to list oauth connections", errutil.WithErr(err))
	}

	var mu sync.Mutex
	refreshed, failed, skipped := 0, 0, 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism)

	for _, conn := range connections {
		if conn.Status != StatusCompleted {
			skipped++
			continue
		}
		if conn.ExpiresAt != nil && conn.ExpiresAt.After(now.Add(s.window)) {
			skipped++
			continue
		}

		conn := conn
		g.Go(func() error {
			if err := s.refreshOne(gctx, now, conn, trigger); err != nil {
				zap.L().Error("[OAuth] connection refresh failed",
					zap.String("connection_name", conn.ConnectionName),
					zap.String("org_id", conn.OrgID),
					zap.Error(err),
				)
				mu.Lock()
				failed++
				mu.Unlock()
				return nil
			}

			mu.Lock()
			refreshed++
			mu.Unlock()
			return nil
		})
	}

	_ = g.Wait()

	status := &RefreshJobStatus{
		ID:             1,
		TriggerType:    trigger,
		RefreshedCount: refreshed,
		FailedCount:    failed,
		SkippedCount:   skipped,
		RanAt:          now,
	}

	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).
		Create(status).Error; err != nil {
		zap.L().Warn("[OAuth] failed to write refresh job status", zap.Error(err))
	}

	zap.L().Info("[OAuth] refresh sweep finished",
		zap.String("trigger", trigger),
		zap.Int("refreshed", refreshed),
		zap.Int("failed", failed),
		zap.Int("skipped", skipped),
	)

	return status, nil
}

func (s *Service) refreshOne(ctx context.Context, now time.Time, conn *OAuthConnection, trigger string) error {
	tokenCtx, cancel := context.WithTimeout(ctx, refreshCallTimeout)
	defer cancel()

	token, err := s.requestToken(tokenCtx, conn)
	if err != nil {
		s.markFailed(ctx, conn, err)
		return errutil.IntegrationRefreshFailed("token refresh failed", errutil.WithErr(err))
	}

	if err := s.secrets.Set(ctx, conn.AccessTokenRef, token.AccessToken); err != nil {
		s.markFailed(ctx, conn, err)
		return errutil.IntegrationRefreshFailed("failed to store access token", errutil.WithErr(err))
	}
	if token.RefreshToken != "" {
		if err := s.secrets.Set(ctx, conn.RefreshTokenRef, token.RefreshToken); err != nil {
			s.markFailed(ctx, conn, err)
			return errutil.IntegrationRefreshFailed("failed to store refresh token", errutil.WithErr(err))
		}
	}

	note := "refreshed by scheduled job"
	if trigger != "scheduled" {
		note = "refreshed by " + trigger + " trigger"
	}

	return s.db.WithContext(ctx).
		Model(&OAuthConnection{}).
		Where("id = ?", conn.ID).
		Updates(map[string]any{
			"status":          StatusCompleted,
			"expires_at":      token.Expiry,
			"last_refresh_at": now,
			"status_note":     note,
		}).Error
}

// requestToken performs the refresh-token grant against the provider's token
// endpoint.
func (s *Service) requestToken(ctx context.Context, conn *OAuthConnection) (*oauth2.Token, error) {
	refreshToken, err := s.secrets.Get(ctx, conn.RefreshTokenRef)
	if err != nil {
		return nil, err
	}

	clientSecret := ""
	if conn.ClientSecretRef != "" {
		clientSecret, err = s.secrets.Get(ctx, conn.ClientSecretRef)
		if err != nil {
			return nil, err
		}
	}

	cfg := &oauth2.Config{
		ClientID:     conn.ClientID,
		ClientSecret: clientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  conn.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}

	return cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
}

func (s *Service) markFailed(ctx context.Context, conn *OAuthConnection, cause error) {
	if err := s.db.WithContext(ctx).
		Model(&OAuthConnection{}).
		Where("id = ?", conn.ID).
		Updates(map[string]any{
			"status":      StatusFailed,
			"status_note": cause.Error(),
		}).Error; err != nil {
		zap.L().Warn("[OAuth] failed to mark connection failed",
			zap.String("connection_name", conn.ConnectionName),
			zap.Error(err),
		)
	}
}

// JobStatus returns the rolling record of the last sweep.
func (s *Service) JobStatus(ctx context.Context) (*RefreshJobStatus, error) {
	var status RefreshJobStatus
	if err := s.db.WithContext(ctx).First(&status, 1).Error; err != nil {
		return nil, errutil.NotFound("no refresh job has run yet", errutil.WithErr(err))
	}
	return &status, nil
}
