package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/menza-app/menza/internal/domain"
	"github.com/menza-app/menza/internal/repository"
)

// ErrRulesDisabled is returned when no rule engine is configured.
var ErrRulesDisabled = errors.New("spike rules are not enabled")

// ErrInvalidRule is returned for rules that fail to compile.
var ErrInvalidRule = errors.New("invalid spike rule")

// ErrUnknownRule is returned when a spike rule does not exist.
var ErrUnknownRule = errors.New("unknown spike rule")

// SaveSpikeRule validates, stores and activates a spike rule.
func (s *Service) SaveSpikeRule(ctx context.Context, rule *domain.SpikeRule) error {
	if s.rules == nil {
		return ErrRulesDisabled
	}
	if err := s.rules.ValidateRule(rule); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	if err := s.repo.SaveSpikeRule(ctx, rule); err != nil {
		return fmt.Errorf("failed to save spike rule: %w", err)
	}
	return s.ReloadSpikeRules(ctx)
}

// SpikeRules lists stored spike rules, enabled or not.
func (s *Service) SpikeRules(ctx context.Context) ([]*domain.SpikeRule, error) {
	return s.repo.ListSpikeRules(ctx)
}

// SpikeRule returns one stored spike rule.
func (s *Service) SpikeRule(ctx context.Context, id string) (*domain.SpikeRule, error) {
	rule, err := s.repo.GetSpikeRule(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRule, id)
	}
	return rule, err
}

// ReloadSpikeRules replaces the loaded rules with the stored ones.
func (s *Service) ReloadSpikeRules(ctx context.Context) error {
	if s.rules == nil {
		return ErrRulesDisabled
	}

	stored, err := s.repo.ListSpikeRules(ctx)
	if err != nil {
		return fmt.Errorf("failed to load spike rules: %w", err)
	}
	if err := s.rules.ReloadRules(stored); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}

	slog.Info("spike rules loaded", "count", s.rules.RulesCount())
	return nil
}

// LoadedRulesCount returns the number of active spike rules.
func (s *Service) LoadedRulesCount() int {
	if s.rules == nil {
		return 0
	}
	return s.rules.RulesCount()
}
