package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/shopspring/decimal"
)

const assetColumns = "asset_id, user_id, institution_id, thesis_id, asset_symbol, name, quantity, average_buy_price, position_value, total_contribution, skin_rating, is_up_to_date, created_at, updated_at"

// PortfolioRepo stores the brokerage asset rows tracked per connection.
type PortfolioRepo struct {
	querier Querier
}

func NewPortfolioRepo(db *sql.DB) *PortfolioRepo {
	return &PortfolioRepo{querier: db}
}

// WithTx returns a copy of the repo that runs every statement on tx.
func (r *PortfolioRepo) WithTx(tx *sql.Tx) *PortfolioRepo {
	return &PortfolioRepo{querier: tx}
}

// UpsertAssetParams carries a fresh brokerage snapshot row.
type UpsertAssetParams struct {
	UserID            int64
	InstitutionID     string
	ThesisID          *int64
	Name              string
	AssetSymbol       string
	Quantity          decimal.Decimal
	AverageBuyPrice   decimal.NullDecimal
	PositionValue     decimal.NullDecimal
	TotalContribution decimal.NullDecimal
	SkinRating        *float64
}

// UpsertAsset inserts an asset keyed by (user_id, asset_symbol,
// institution_id); on conflict it refreshes the position columns and
// preserves everything else.
func (r *PortfolioRepo) UpsertAsset(ctx context.Context, params UpsertAssetParams) (*Asset, error) {
	query, args, err := psql.Insert(assetsTable).
		Columns("user_id", "institution_id", "thesis_id", "name", "asset_symbol",
			"quantity", "average_buy_price", "position_value", "total_contribution", "skin_rating").
		Values(params.UserID, params.InstitutionID, params.ThesisID, params.Name, params.AssetSymbol,
			params.Quantity, params.AverageBuyPrice, params.PositionValue, params.TotalContribution, params.SkinRating).
		Suffix(`ON CONFLICT (user_id, asset_symbol, institution_id) DO UPDATE SET
			position_value = EXCLUDED.position_value,
			quantity = EXCLUDED.quantity,
			average_buy_price = EXCLUDED.average_buy_price,
			total_contribution = EXCLUDED.total_contribution,
			updated_at = now()
		RETURNING ` + assetColumns).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build upsert asset query: %w", err)
	}

	asset, err := scanAsset(r.querier.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert asset: %w", err)
	}
	return asset, nil
}

// AssetUpdate is a partial update; nil fields keep their stored value.
// AverageBuyPrice is nullable so a sync can erase a price the
// brokerage stopped reporting.
type AssetUpdate struct {
	ThesisID          *int64
	Quantity          *decimal.Decimal
	AverageBuyPrice   *decimal.NullDecimal
	PositionValue     *decimal.Decimal
	TotalContribution *decimal.Decimal
	SkinRating        *float64
	IsUpToDate        *bool
}

// UpdateAsset applies a partial update to the asset identified by
// (user_id, asset_symbol, institution_id) and returns the updated row.
func (r *PortfolioRepo) UpdateAsset(ctx context.Context, userID int64, assetSymbol, institutionID string, update AssetUpdate) (*Asset, error) {
	builder := psql.Update(assetsTable)

	fields := 0
	if update.ThesisID != nil {
		builder = builder.Set("thesis_id", *update.ThesisID)
		fields++
	}
	if update.Quantity != nil {
		builder = builder.Set("quantity", *update.Quantity)
		fields++
	}
	if update.AverageBuyPrice != nil {
		builder = builder.Set("average_buy_price", *update.AverageBuyPrice)
		fields++
	}
	if update.PositionValue != nil {
		builder = builder.Set("position_value", *update.PositionValue)
		fields++
	}
	if update.TotalContribution != nil {
		builder = builder.Set("total_contribution", *update.TotalContribution)
		fields++
	}
	if update.SkinRating != nil {
		builder = builder.Set("skin_rating", *update.SkinRating)
		fields++
	}
	if update.IsUpToDate != nil {
		builder = builder.Set("is_up_to_date", *update.IsUpToDate)
		fields++
	}
	if fields == 0 {
		return nil, errors.New("update asset requires at least one field")
	}

	query, args, err := builder.
		Set("updated_at", sq.Expr("now()")).
		Where(sq.Eq{
			"user_id":        userID,
			"asset_symbol":   assetSymbol,
			"institution_id": institutionID,
		}).
		Suffix("RETURNING " + assetColumns).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build update asset query: %w", err)
	}

	asset, err := scanAsset(r.querier.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("asset (%d, %s, %s) does not exist", userID, assetSymbol, institutionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update asset: %w", err)
	}
	return asset, nil
}

// ListBrokerageAssets returns every asset tracked for one connection.
func (r *PortfolioRepo) ListBrokerageAssets(ctx context.Context, userID int64, institutionID string) ([]Asset, error) {
	query, args, err := psql.Select(assetColumns).
		From(assetsTable).
		Where(sq.Eq{"user_id": userID, "institution_id": institutionID}).
		OrderBy("created_at DESC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build list assets query: %w", err)
	}

	rows, err := r.querier.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list assets: %w", err)
	}
	defer rows.Close()

	var assets []Asset
	for rows.Next() {
		asset, err := scanAsset(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan asset row: %w", err)
		}
		assets = append(assets, *asset)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read asset rows: %w", err)
	}
	return assets, nil
}

// DeleteAsset removes a single asset row.
func (r *PortfolioRepo) DeleteAsset(ctx context.Context, assetID int64) error {
	query, args, err := psql.Delete(assetsTable).
		Where(sq.Eq{"asset_id": assetID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build delete asset query: %w", err)
	}
	if _, err := r.querier.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to delete asset %d: %w", assetID, err)
	}
	return nil
}

// DeleteConnectionAssets removes every asset tracked for one
// connection, as part of unlinking an institution.
func (r *PortfolioRepo) DeleteConnectionAssets(ctx context.Context, userID int64, institutionID string) error {
	query, args, err := psql.Delete(assetsTable).
		Where(sq.Eq{"user_id": userID, "institution_id": institutionID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build delete connection assets query: %w", err)
	}
	if _, err := r.querier.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to delete assets for user %d institution %s: %w", userID, institutionID, err)
	}
	return nil
}

func scanAsset(s scanner) (*Asset, error) {
	var a Asset
	err := s.Scan(
		&a.AssetID, &a.UserID, &a.InstitutionID, &a.ThesisID, &a.AssetSymbol, &a.Name,
		&a.Quantity, &a.AverageBuyPrice, &a.PositionValue, &a.TotalContribution,
		&a.SkinRating, &a.IsUpToDate, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}
