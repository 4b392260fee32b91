package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/AfshinJalili/dealrouter/libs/apikey"
	"github.com/AfshinJalili/dealrouter/services/dealrouter/internal/fee"
	"github.com/AfshinJalili/dealrouter/services/dealrouter/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var (
	demoMerchantID = uuid.MustParse("00000000-0000-0000-0000-0000000000a1")
	demoMethodID   = uuid.MustParse("00000000-0000-0000-0000-0000000000b1")
	demoTraderID   = uuid.MustParse("00000000-0000-0000-0000-0000000000c1")
)

type demoAggregator struct {
	id       uuid.UUID
	name     string
	baseURL  string
	priority int
	balance  string
	maxDaily string
}

var demoAggregators = []demoAggregator{
	{uuid.MustParse("00000000-0000-0000-0000-0000000000d1"), "alpha-pay", "http://localhost:9101", 1, "10000", "500000"},
	{uuid.MustParse("00000000-0000-0000-0000-0000000000d2"), "beta-pay", "http://localhost:9102", 2, "5000", "0"},
}

func newSeedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Seed demo aggregators, a trader and fee agreements (dev and test only)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			if a.cfg.App.Env != "dev" && a.cfg.App.Env != "test" {
				return fmt.Errorf("refusing to seed: env must be 'dev' or 'test' (got '%s')", a.cfg.App.Env)
			}
			return seed(cmd.Context(), a.store, fee.NewAdmin(a.store, nil, a.logger), cmd.OutOrStdout())
		},
	}
}

func seed(ctx context.Context, store storage.Store, admin *fee.Admin, out io.Writer) error {
	fmt.Fprintln(out, "Seeding...")

	tokens := make(map[string]string, len(demoAggregators))
	for _, d := range demoAggregators {
		token, _, hash, err := apikey.Generate("dev")
		if err != nil {
			return fmt.Errorf("generate callback token: %w", err)
		}
		agg := storage.Aggregator{
			ID:                       d.id,
			Name:                     d.name,
			APIBaseURL:               d.baseURL,
			CallbackTokenHash:        hash,
			Priority:                 d.priority,
			Balance:                  decimal.RequireFromString(d.balance),
			MinBalance:               decimal.NewFromInt(100),
			MaxDailyVolume:           decimal.RequireFromString(d.maxDaily),
			LastVolumeReset:          storage.StartOfDay(time.Now().UTC()),
			MaxSLAMs:                 3000,
			IsActive:                 true,
			RequiresInsuranceDeposit: true,
			CreatedAt:                time.Now().UTC(),
		}
		if err := store.UpsertAggregator(ctx, agg); err != nil {
			return fmt.Errorf("seed aggregator %s: %w", d.name, err)
		}
		tokens[d.name] = token
	}
	fmt.Fprintln(out, "✓ Aggregators seeded")

	if err := store.UpsertTraderBalance(ctx, storage.TraderBalance{
		TraderID:     demoTraderID,
		TrustBalance: decimal.NewFromInt(1000),
		UpdatedAt:    time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("seed trader balance: %w", err)
	}
	fmt.Fprintln(out, "✓ Trader balance seeded")

	if err := seedFees(ctx, store, admin); err != nil {
		return err
	}
	fmt.Fprintln(out, "✓ Fee agreements seeded")

	fmt.Fprintln(out, "\n=== Seed Complete ===")
	fmt.Fprintf(out, "  Merchant: %s\n  Method:   %s\n  Trader:   %s\n", demoMerchantID, demoMethodID, demoTraderID)
	fmt.Fprintln(out, "\nCallback tokens (shown once):")
	for _, d := range demoAggregators {
		fmt.Fprintf(out, "  %s (%s): %s\n", d.name, d.id, tokens[d.name])
	}
	return nil
}

// seedFees gives every demo party a flat agreement with the demo merchant.
// alpha-pay additionally gets a two-band flexible schedule.
func seedFees(ctx context.Context, store storage.Store, admin *fee.Admin) error {
	parties := []uuid.UUID{demoTraderID}
	for _, d := range demoAggregators {
		parties = append(parties, d.id)
	}
	for i, partyID := range parties {
		rel := storage.FeeRelation{
			PartyID:       partyID,
			MerchantID:    demoMerchantID,
			MethodID:      demoMethodID,
			FeeInPercent:  decimal.NewFromInt(3),
			FeeOutPercent: decimal.NewFromInt(3),
			FlexibleRates: i == 1,
		}
		if err := store.UpsertFeeRelation(ctx, rel); err != nil {
			return fmt.Errorf("seed fee relation: %w", err)
		}
	}

	scope := storage.FeeScope{PartyID: demoAggregators[0].id, MerchantID: demoMerchantID, MethodID: demoMethodID}
	bands := []fee.RangeInput{
		{MinAmount: decimal.Zero, MaxAmount: decimal.RequireFromString("9999.99"), FeeInPercent: decimal.NewFromInt(2), FeeOutPercent: decimal.NewFromInt(2), IsActive: true},
		{MinAmount: decimal.NewFromInt(10000), MaxAmount: decimal.NewFromInt(50000), FeeInPercent: decimal.NewFromInt(1), FeeOutPercent: decimal.NewFromInt(1), IsActive: true},
	}
	for _, band := range bands {
		if _, err := admin.CreateRange(ctx, scope, band); err != nil {
			if errors.Is(err, storage.ErrRangeOverlap) {
				continue
			}
			return fmt.Errorf("seed fee range: %w", err)
		}
	}
	return nil
}
