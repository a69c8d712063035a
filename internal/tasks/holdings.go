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

// HoldingsSync periodically reconciles each active connection's local
// assets against the brokerage's current snapshot.
type HoldingsSync struct {
	db          *sql.DB
	connections *database.InstitutionRepo
	portfolio   *database.PortfolioRepo
	registry    *institutions.Registry
	logger      *zap.Logger
	metrics     *monitoring.Metrics
	warmup      time.Duration
	frequency   time.Duration
}

// HoldingsSyncParams wires a HoldingsSync. All fields are required.
type HoldingsSyncParams struct {
	DB          *sql.DB
	Connections *database.InstitutionRepo
	Portfolio   *database.PortfolioRepo
	Registry    *institutions.Registry
	Logger      *zap.Logger
	Metrics     *monitoring.Metrics
	Warmup      time.Duration
	Frequency   time.Duration
}

func NewHoldingsSync(params HoldingsSyncParams) *HoldingsSync {
	return &HoldingsSync{
		db:          params.DB,
		connections: params.Connections,
		portfolio:   params.Portfolio,
		registry:    params.Registry,
		logger:      params.Logger,
		metrics:     params.Metrics,
		warmup:      params.Warmup,
		frequency:   params.Frequency,
	}
}

// Run blocks until ctx is cancelled. Pass failures are logged and
// retried on the next cycle; only cancellation ends the loop.
func (t *HoldingsSync) Run(ctx context.Context) error {
	t.logger.Info("[GetHoldingsTask]: Task started.",
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
		t.metrics.RecordSyncPass(taskHoldings, err, time.Since(start))
		if err != nil {
			t.logger.Error("[GetHoldingsTask]: Holdings sync pass failed.", zap.Error(err))
		}

		if err := sleep(ctx, t.frequency); err != nil {
			return err
		}
	}
}

// pass claims every active connection not already locked by another
// replica and reconciles each one. The claim transaction spans the
// whole pass so the row locks hold until commit.
func (t *HoldingsSync) pass(ctx context.Context) error {
	t.logger.Info("[GetHoldingsTask]: Beginning periodic holdings sync task.")
	start := time.Now()

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin holdings sync transaction: %w", err)
	}
	defer tx.Rollback()

	connections := t.connections.WithTx(tx)
	portfolio := t.portfolio.WithTx(tx)

	isActive := true
	claimed, err := connections.ListConnections(ctx,
		database.ConnectionListFilter{IsActive: &isActive},
		database.ListOptions{SkipLocked: true})
	if err != nil {
		return err
	}
	t.logger.Info("[GetHoldingsTask]: Retrieved account connections to process. Processing now...",
		zap.Int("count", len(claimed)))

	for _, connection := range claimed {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		outcome := t.syncConnection(ctx, connections, portfolio, connection)
		t.metrics.RecordSyncConnection(taskHoldings, outcome)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit holdings sync transaction: %w", err)
	}
	t.logger.Info("[GetHoldingsTask]: Periodic holdings sync task completed. Sleeping now...",
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

func (t *HoldingsSync) syncConnection(ctx context.Context, connections *database.InstitutionRepo, portfolio *database.PortfolioRepo, connection database.ConnectionWithInstitution) string {
	service, ok := t.registry.Lookup(connection.InstitutionID)
	if !ok {
		t.logger.Warn("[GetHoldingsTask]: No service registered for institution.",
			zap.String("institution_id", connection.InstitutionID))
		return outcomeFailed
	}
	if connection.JSONWebToken == nil {
		t.logger.Warn("[GetHoldingsTask]: Connection has no stored access token.",
			zap.Int64("connection_id", connection.ConnectionID))
		return outcomeFailed
	}

	report, err := service.GetRecentHoldings(ctx, *connection.JSONWebToken)
	if err != nil {
		// An undecryptable token can never be replayed, so the
		// connection is as dead as a revoked one.
		if errors.Is(err, robinhood.ErrUnauthorized) || errors.Is(err, encryption.ErrDecrypt) {
			inactive := false
			if _, err := connections.UpdateConnection(ctx, connection.ConnectionID, database.ConnectionUpdate{IsActive: &inactive}); err != nil {
				t.logger.Error("[GetHoldingsTask]: Failed to deactivate connection.",
					zap.Int64("connection_id", connection.ConnectionID), zap.Error(err))
				return outcomeFailed
			}
			t.logger.Warn("[GetHoldingsTask]: Stored access token is no longer usable. Connection deactivated.",
				zap.Int64("connection_id", connection.ConnectionID), zap.Error(err))
			return outcomeDeactivated
		}
		t.logger.Warn("[GetHoldingsTask]: Error fetching holdings.",
			zap.Int64("connection_id", connection.ConnectionID), zap.Error(err))
		return outcomeFailed
	}

	if err := t.reconcile(ctx, portfolio, connection, report); err != nil {
		t.logger.Error("[GetHoldingsTask]: Failed to reconcile holdings.",
			zap.Int64("connection_id", connection.ConnectionID), zap.Error(err))
		return outcomeFailed
	}
	return outcomeSynced
}

// reconcile converges the connection's local assets on the remote
// snapshot: positions the brokerage no longer reports are deleted,
// new ones inserted, surviving ones refreshed in place.
func (t *HoldingsSync) reconcile(ctx context.Context, portfolio *database.PortfolioRepo, connection database.ConnectionWithInstitution, report *institutions.HoldingsReport) error {
	tracked, err := portfolio.ListBrokerageAssets(ctx, connection.UserID, connection.InstitutionID)
	if err != nil {
		return err
	}

	remote := make(map[string]institutions.Holding, len(report.Holdings))
	for _, holding := range report.Holdings {
		remote[holding.AssetSymbol] = holding
	}
	local := make(map[string]database.Asset, len(tracked))
	for _, asset := range tracked {
		local[asset.AssetSymbol] = asset
	}

	for _, asset := range tracked {
		if _, held := remote[asset.AssetSymbol]; !held {
			if err := portfolio.DeleteAsset(ctx, asset.AssetID); err != nil {
				return err
			}
		}
	}

	for _, holding := range report.Holdings {
		if _, known := local[holding.AssetSymbol]; !known {
			_, err := portfolio.UpsertAsset(ctx, database.UpsertAssetParams{
				UserID:          connection.UserID,
				InstitutionID:   connection.InstitutionID,
				Name:            holding.AssetName,
				AssetSymbol:     holding.AssetSymbol,
				Quantity:        holding.Quantity,
				AverageBuyPrice: holding.AverageBuyPrice,
			})
			if err != nil {
				return err
			}
			continue
		}

		upToDate := true
		update := database.AssetUpdate{
			Quantity:        &holding.Quantity,
			AverageBuyPrice: &holding.AverageBuyPrice,
			IsUpToDate:      &upToDate,
		}
		if _, err := portfolio.UpdateAsset(ctx, connection.UserID, holding.AssetSymbol, connection.InstitutionID, update); err != nil {
			return err
		}
	}
	return nil
}
