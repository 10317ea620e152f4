// Package provisioning opens an account with the welcome bonus the first time
// an identity is verified. Account existence is the only record that the
// bonus was granted, so redelivered events are harmless.
package provisioning

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/nathanyu/p2p-wallet/internal/domain"
	"github.com/nathanyu/p2p-wallet/internal/store"
	"github.com/nathanyu/p2p-wallet/internal/telemetry"
)

// Publisher delivers wallet events to downstream consumers
type Publisher interface {
	Publish(ctx context.Context, event domain.Event) error
}

// Result reports whether this call created the account
type Result struct {
	Created bool           `json:"created"`
	Account domain.Account `json:"account"`
}

// Service provisions accounts
type Service struct {
	store     store.AccountStore
	publisher Publisher
}

// NewService creates a provisioning service; publisher may be nil
func NewService(accounts store.AccountStore, publisher Publisher) *Service {
	return &Service{store: accounts, publisher: publisher}
}

// ProvisionAccount creates the account for email with BonusBalance unless it
// already exists. An existing account is returned with Created=false.
func (s *Service) ProvisionAccount(ctx context.Context, email, username string) (Result, error) {
	id := domain.NormalizeAccountID(email)

	ctx, span := telemetry.StartSpan(ctx, "provisioning.ProvisionAccount")
	span.SetAttributes(attribute.String("account_id", id))

	if id == "" {
		telemetry.ProvisioningTotal.WithLabelValues("rejected").Inc()
		telemetry.EndSpan(span, domain.ErrInvalidIdentity)
		return Result{}, domain.ErrInvalidIdentity
	}

	res, err := s.store.CreateIfAbsent(ctx, id, username, domain.BonusBalance)
	if err != nil {
		telemetry.ProvisioningTotal.WithLabelValues("error").Inc()
		err = fmt.Errorf("provision %q: %w", id, err)
		telemetry.EndSpan(span, err)
		return Result{}, err
	}

	span.SetAttributes(attribute.Bool("account.created", res.Created))
	telemetry.EndSpan(span, nil)

	if !res.Created {
		telemetry.ProvisioningTotal.WithLabelValues("existing").Inc()
		slog.InfoContext(ctx, "account already provisioned", "account_id", id)
		return Result{Created: false, Account: res.Account}, nil
	}

	telemetry.ProvisioningTotal.WithLabelValues("created").Inc()
	slog.InfoContext(ctx, "account provisioned", "account_id", id, "bonus", domain.BonusBalance)

	if s.publisher != nil {
		event := domain.AccountProvisioned{
			AccountID:   id,
			DisplayName: res.Account.DisplayName,
			Bonus:       domain.BonusBalance,
		}
		if err := s.publisher.Publish(ctx, event); err != nil {
			slog.WarnContext(ctx, "failed to publish provisioning event", "account_id", id, "error", err)
		}
	}

	return Result{Created: true, Account: res.Account}, nil
}

// HandleVerifiedIdentity provisions the account for a verified-identity event
func (s *Service) HandleVerifiedIdentity(ctx context.Context, event domain.VerifiedIdentity) (Result, error) {
	if err := event.Validate(); err != nil {
		telemetry.ProvisioningTotal.WithLabelValues("rejected").Inc()
		slog.WarnContext(ctx, "rejected identity event", "email", event.Email, "error", err)
		return Result{}, err
	}
	return s.ProvisionAccount(ctx, event.Email, event.DisplayName())
}
