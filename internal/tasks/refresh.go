package tasks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pelleum/account-connections/internal/database"
	"github.com/pelleum/account-connections/internal/encryption"
	"github.com/pelleum/account-connections/internal/institutions"
	"github.com/pelleum/account-connections/internal/monitoring"
	"github.com/pelleum/account-connections/internal/robinhood"
)

// RefreshTokens periodically rotates session tokens for every active
// connection that holds a refresh token.
type RefreshTokens struct {
	db          *sql.DB
	connections *database.InstitutionRepo
	registry    *institutions.Registry
	logger      *zap.Logger
	metrics     *monitoring.Metrics
	warmup      time.Duration
	frequency   time.Duration
}

// RefreshTokensParams wires a RefreshTokens. All fields are required.
type RefreshTokensParams struct {
	DB          *sql.DB
	Connections *database.InstitutionRepo
	Registry    *institutions.Registry
	Logger      *zap.Logger
	Metrics     *monitoring.Metrics
	Warmup      time.Duration
	Frequency   time.Duration
}

func NewRefreshTokens(params RefreshTokensParams) *RefreshTokens {
	return &RefreshTokens{
		db:          params.DB,
		connections: params.Connections,
		registry:    params.Registry,
		logger:      params.Logger,
		metrics:     params.Metrics,
		warmup:      params.Warmup,
		frequency:   params.Frequency,
	}
}

// Run blocks until ctx is cancelled. Pass failures are logged and
// retried on the next cycle; only cancellation ends the loop.
func (t *RefreshTokens) Run(ctx context.Context) error {
	t.logger.Info("[RefreshTokenTask]: Task started.",
		zap.Duration("warmup", t.warmup),
		zap.Duration("frequency", t.frequency))
	if err := sleep(ctx, t.warmup); err != nil {
		return err
	}

	for {
		start := time.Now()
		err := t.pass(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		t.metrics.RecordSyncPass(taskRefreshTokens, err, time.Since(start))
		if err != nil {
			t.logger.Error("[RefreshTokenTask]: Token refresh pass failed.", zap.Error(err))
		}

		if err := sleep(ctx, t.frequency); err != nil {
			return err
		}
	}
}

func (t *RefreshTokens) pass(ctx context.Context) error {
	t.logger.Info("[RefreshTokenTask]: Beginning periodic token refresh task.")
	start := time.Now()

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin token refresh transaction: %w", err)
	}
	defer tx.Rollback()

	connections := t.connections.WithTx(tx)

	isActive := true
	hasRefreshToken := true
	claimed, err := connections.ListConnections(ctx,
		database.ConnectionListFilter{IsActive: &isActive, HasRefreshToken: &hasRefreshToken},
		database.ListOptions{SkipLocked: true})
	if err != nil {
		return err
	}
	t.logger.Info("[RefreshTokenTask]: Retrieved account connections to process. Processing now...",
		zap.Int("count", len(claimed)))

	for _, connection := range claimed {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		outcome := t.refreshConnection(ctx, connections, connection)
		t.metrics.RecordSyncConnection(taskRefreshTokens, outcome)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit token refresh transaction: %w", err)
	}
	t.logger.Info("[RefreshTokenTask]: Periodic token refresh task completed. Sleeping now...",
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

func (t *RefreshTokens) refreshConnection(ctx context.Context, connections *database.InstitutionRepo, connection database.ConnectionWithInstitution) string {
	service, ok := t.registry.Lookup(connection.InstitutionID)
	if !ok {
		t.logger.Warn("[RefreshTokenTask]: No service registered for institution.",
			zap.String("institution_id", connection.InstitutionID))
		return outcomeFailed
	}

	refreshed, err := service.RefreshToken(ctx, *connection.RefreshToken)
	if err != nil {
		if errors.Is(err, robinhood.ErrUnauthorized) || errors.Is(err, encryption.ErrDecrypt) {
			inactive := false
			if _, err := connections.UpdateConnection(ctx, connection.ConnectionID, database.ConnectionUpdate{IsActive: &inactive}); err != nil {
				t.logger.Error("[RefreshTokenTask]: Failed to deactivate connection.",
					zap.Int64("connection_id", connection.ConnectionID), zap.Error(err))
				return outcomeFailed
			}
			t.logger.Warn("[RefreshTokenTask]: Stored refresh token is no longer usable. Connection deactivated.",
				zap.Int64("connection_id", connection.ConnectionID), zap.Error(err))
			return outcomeDeactivated
		}
		t.logger.Warn("[RefreshTokenTask]: Error refreshing JSON web token.",
			zap.Int64("connection_id", connection.ConnectionID), zap.Error(err))
		return outcomeFailed
	}

	update := database.ConnectionUpdate{
		JSONWebToken: &refreshed.EncryptedJSONWebToken,
		RefreshToken: &refreshed.EncryptedRefreshToken,
	}
	if _, err := connections.UpdateConnection(ctx, connection.ConnectionID, update); err != nil {
		t.logger.Error("[RefreshTokenTask]: Failed to persist refreshed tokens.",
			zap.Int64("connection_id", connection.ConnectionID), zap.Error(err))
		return outcomeFailed
	}
	return outcomeRefreshed
}
