package eligibility

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"enrollment-pipeline/internal/apperr"
	"enrollment-pipeline/internal/models"
	"enrollment-pipeline/internal/store"
)

// Service administers eligibility rules and evaluates ages against them.
type Service struct {
	rules  store.EligibilityStore
	logger *zap.Logger
	now    func() time.Time
}

// NewService builds the rule admin backed by st.
func NewService(st store.EligibilityStore, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		rules:  st,
		logger: logger.With(zap.String("component", "eligibility")),
		now:    time.Now,
	}
}

// Create registers the interval [minAge, maxAge].
func (s *Service) Create(ctx context.Context, minAge, maxAge int) (models.EligibilityRule, error) {
	if minAge < 0 || maxAge < 0 {
		return models.EligibilityRule{}, apperr.New(apperr.CodeInvalidInput, "min_age and max_age must not be negative")
	}
	if minAge > models.MaxAge || maxAge > models.MaxAge {
		return models.EligibilityRule{}, apperr.New(apperr.CodeInvalidInput,
			fmt.Sprintf("min_age and max_age must not exceed %d", models.MaxAge))
	}
	if minAge > maxAge {
		return models.EligibilityRule{}, apperr.New(apperr.CodeInvalidInput, "min_age must be less than or equal to max_age")
	}
	rule := models.EligibilityRule{
		ID:        uuid.NewString(),
		MinAge:    minAge,
		MaxAge:    maxAge,
		CreatedAt: s.now().UTC(),
	}
	if err := s.rules.CreateRule(ctx, rule); err != nil {
		s.logger.Error("create rule failed", zap.Error(err))
		return models.EligibilityRule{}, apperr.Wrap(apperr.CodeStoreUnavailable, "could not store age group", err)
	}
	s.logger.Info("rule created", zap.String("rule_id", rule.ID), zap.Int("min_age", minAge), zap.Int("max_age", maxAge))
	return rule, nil
}

// List returns every rule ordered by bounds.
func (s *Service) List(ctx context.Context) ([]models.EligibilityRule, error) {
	rules, err := s.rules.ListRules(ctx)
	if err != nil {
		s.logger.Error("list rules failed", zap.Error(err))
		return nil, apperr.Wrap(apperr.CodeStoreUnavailable, "could not list age groups", err)
	}
	sort.Slice(rules, func(i, j int) bool {
		a, b := rules[i], rules[j]
		if a.MinAge != b.MinAge {
			return a.MinAge < b.MinAge
		}
		if a.MaxAge != b.MaxAge {
			return a.MaxAge < b.MaxAge
		}
		return a.ID < b.ID
	})
	if rules == nil {
		rules = []models.EligibilityRule{}
	}
	return rules, nil
}

// Delete removes a rule. A rule that does not exist counts as deleted.
func (s *Service) Delete(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return apperr.New(apperr.CodeInvalidInput, "id is required")
	}
	if err := s.rules.DeleteRule(ctx, id); err != nil {
		s.logger.Error("delete rule failed", zap.String("rule_id", id), zap.Error(err))
		return apperr.Wrap(apperr.CodeStoreUnavailable, "could not delete age group", err)
	}
	s.logger.Info("rule deleted", zap.String("rule_id", id))
	return nil
}

// Eligible evaluates age against the rule set as stored right now. Nothing is
// cached between calls.
func (s *Service) Eligible(ctx context.Context, age int) (bool, error) {
	rules, err := s.rules.ListRules(ctx)
	if err != nil {
		return false, apperr.Wrap(apperr.CodeStoreUnavailable, "could not load age groups", err)
	}
	return NewIndex(rules).Contains(age), nil
}
