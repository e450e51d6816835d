// Package model defines the domain types shared by the matching engine.
package model

import (
	"strings"
	"time"
)

// ShoppingFrequency is how often a user shops, as assigned upstream.
type ShoppingFrequency string

const (
	FrequencyDaily    ShoppingFrequency = "daily"
	FrequencyWeekly   ShoppingFrequency = "weekly"
	FrequencyBiWeekly ShoppingFrequency = "bi-weekly"
	FrequencyMonthly  ShoppingFrequency = "monthly"
)

// WeeklyEquivalent maps a frequency to shopping trips per week.
// Unknown or empty frequencies report ok=false.
func (f ShoppingFrequency) WeeklyEquivalent() (float64, bool) {
	switch f {
	case FrequencyDaily:
		return 7, true
	case FrequencyWeekly:
		return 1, true
	case FrequencyBiWeekly:
		return 0.5, true
	case FrequencyMonthly:
		return 0.25, true
	default:
		return 0, false
	}
}

// SpendingCategory is the closed set of behavioral spending labels.
type SpendingCategory string

const (
	CategoryBudgetConscious SpendingCategory = "budget-conscious"
	CategoryOrganicFocused  SpendingCategory = "organic-focused"
	CategoryBulkBuyer       SpendingCategory = "bulk-buyer"
	CategoryPremium         SpendingCategory = "premium"
	CategoryConvenience     SpendingCategory = "convenience"
	CategoryFamilyOriented  SpendingCategory = "family-oriented"
	CategoryHealthFocused   SpendingCategory = "health-focused"
)

// Valid reports whether c is one of the known categories.
func (c SpendingCategory) Valid() bool {
	switch c {
	case CategoryBudgetConscious, CategoryOrganicFocused, CategoryBulkBuyer,
		CategoryPremium, CategoryConvenience, CategoryFamilyOriented, CategoryHealthFocused:
		return true
	}
	return false
}

// SpendingPattern is one behavioral signature of a user. Read-only to the engine.
type SpendingPattern struct {
	Category       SpendingCategory `json:"category"`
	FrequencyScore float64          `json:"frequency_score"`
	AverageAmount  float64          `json:"average_amount"`
	LastUpdated    time.Time        `json:"last_updated"`
}

// User is a registered end-user considered for circle placement.
// Empty strings stand for null labels.
type User struct {
	ID                  string            `json:"id"`
	Email               string            `json:"email,omitempty"`
	FullName            string            `json:"full_name,omitempty"`
	PostalCode          string            `json:"postal_code,omitempty"`
	LifeStage           string            `json:"life_stage,omitempty"`
	LifeStageConfidence *float64          `json:"life_stage_confidence,omitempty"`
	ShoppingFrequency   ShoppingFrequency `json:"shopping_frequency,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
	SpendingPatterns    []SpendingPattern `json:"spending_patterns,omitempty"`
}

// Confidence returns the life-stage confidence, or 0 when unknown.
func (u User) Confidence() float64 {
	if u.LifeStageConfidence == nil {
		return 0
	}
	return *u.LifeStageConfidence
}

// Categories returns the distinct spending categories of the user.
func (u User) Categories() map[SpendingCategory]struct{} {
	set := make(map[SpendingCategory]struct{}, len(u.SpendingPatterns))
	for _, p := range u.SpendingPatterns {
		set[p.Category] = struct{}{}
	}
	return set
}

// DominantLifeStage returns the most common non-empty label and its share of
// all members. Ties go to the label seen first.
func DominantLifeStage(members []User) (string, float64) {
	if len(members) == 0 {
		return "", 0
	}
	counts := make(map[string]int)
	var order []string
	for _, m := range members {
		if m.LifeStage == "" {
			continue
		}
		if counts[m.LifeStage] == 0 {
			order = append(order, m.LifeStage)
		}
		counts[m.LifeStage]++
	}
	var best string
	var bestCount int
	for _, label := range order {
		if counts[label] > bestCount {
			best, bestCount = label, counts[label]
		}
	}
	return best, float64(bestCount) / float64(len(members))
}

// NormalizePostalCode uppercases a postal code and strips all whitespace.
func NormalizePostalCode(code string) string {
	return strings.ToUpper(strings.Join(strings.Fields(code), ""))
}
