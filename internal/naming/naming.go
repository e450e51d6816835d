// Package naming derives human-readable circle names and descriptions from
// members' life-stage, neighborhood and spending focus.
package naming

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"

	"github.com/circlesave/circle-matcher/internal/config"
	"github.com/circlesave/circle-matcher/internal/model"
)

var spendingLabels = map[model.SpendingCategory]string{
	model.CategoryBudgetConscious: "Budget Savers",
	model.CategoryOrganicFocused:  "Organic Buyers",
	model.CategoryBulkBuyer:       "Bulk Shoppers",
	model.CategoryPremium:         "Premium Shoppers",
}

// Places reads cached city/region for a postal code.
type Places interface {
	GetCachedCoordinates(ctx context.Context, postalCode string) (*model.LocationEntry, error)
}

// Service builds names and descriptions. It never fails: missing data is
// replaced with the placeholder.
type Service struct {
	places      Places
	generic     map[model.SpendingCategory]struct{}
	placeholder string
	prefixes    map[string]string
	maxPrefix   int
}

// New creates a Service. places may be nil. A configured prefix file is
// merged over the inline prefix table.
func New(cfg config.NamingConfig, places Places) (*Service, error) {
	s := &Service{
		places:      places,
		generic:     make(map[model.SpendingCategory]struct{}, len(cfg.GenericCategories)),
		placeholder: cfg.Placeholder,
		prefixes:    make(map[string]string),
	}
	if s.placeholder == "" {
		s.placeholder = "Local"
	}
	for _, c := range cfg.GenericCategories {
		s.generic[model.SpendingCategory(strings.ToLower(c))] = struct{}{}
	}
	for p, city := range cfg.PrefixCities {
		s.addPrefix(p, city)
	}

	if cfg.PrefixFile != "" {
		data, err := os.ReadFile(cfg.PrefixFile)
		if err != nil {
			return nil, eris.Wrapf(err, "naming: read prefix file %s", cfg.PrefixFile)
		}
		var table map[string]string
		if err := yaml.Unmarshal(data, &table); err != nil {
			return nil, eris.Wrapf(err, "naming: parse prefix file %s", cfg.PrefixFile)
		}
		for p, city := range table {
			s.addPrefix(p, city)
		}
	}
	return s, nil
}

func (s *Service) addPrefix(prefix, city string) {
	// Config keys arrive lower-cased.
	p := model.NormalizePostalCode(prefix)
	if p == "" || city == "" {
		return
	}
	s.prefixes[p] = city
	s.maxPrefix = max(s.maxPrefix, len(p))
}

// Neighborhood names the area of a postal code: cached city, then cached
// region, then the longest matching prefix entry, then the placeholder.
func (s *Service) Neighborhood(ctx context.Context, postalCode string) string {
	code := model.NormalizePostalCode(postalCode)
	if code == "" {
		return s.placeholder
	}

	if s.places != nil {
		entry, err := s.places.GetCachedCoordinates(ctx, code)
		if err != nil {
			zap.L().Debug("naming: cache lookup failed", zap.String("postal_code", code), zap.Error(err))
		}
		if entry != nil {
			if entry.City != "" {
				return entry.City
			}
			if entry.Region != "" {
				return entry.Region
			}
		}
	}

	for n := min(s.maxPrefix, len(code)); n > 0; n-- {
		if city, ok := s.prefixes[code[:n]]; ok {
			return city
		}
	}
	return s.placeholder
}

// Name returns "{Neighborhood} {Life Stage} ({Spending Label})". The first
// member seeds the neighborhood and the life-stage is the members' dominant
// one. The label is omitted for generic categories.
func (s *Service) Name(ctx context.Context, members []model.User) string {
	if len(members) == 0 {
		return s.placeholder + " Community"
	}

	stage, _ := model.DominantLifeStage(members)
	if stage == "" {
		stage = "community"
	}
	name := s.Neighborhood(ctx, members[0].PostalCode) + " " + s.FormatLifeStage(stage)

	if cat, ok := DominantCategory(members); ok {
		if _, generic := s.generic[cat]; !generic {
			name += " (" + SpendingLabel(cat) + ")"
		}
	}
	return name
}

// Describe returns a one-sentence description of the circle.
func (s *Service) Describe(ctx context.Context, members []model.User) string {
	stage, _ := model.DominantLifeStage(members)
	if stage == "" {
		stage = "neighbors"
	}
	postal := ""
	if len(members) > 0 {
		postal = members[0].PostalCode
	}

	var b strings.Builder
	fmt.Fprintf(&b, "A community of %d %s in %s, sharing similar shopping preferences ",
		len(members), s.FormatLifeStage(stage), s.Neighborhood(ctx, postal))
	if cat, ok := DominantCategory(members); ok {
		fmt.Fprintf(&b, "with a focus on %s ", strings.ToLower(SpendingLabel(cat)))
	}
	b.WriteString("to save money together through group buying and local deals.")
	return b.String()
}

// FormatLifeStage turns a label like "young_family" into "Young Family".
func (s *Service) FormatLifeStage(stage string) string {
	// Casers are not safe for concurrent use.
	return cases.Title(language.English).String(strings.ReplaceAll(stage, "_", " "))
}

// DominantCategory returns the spending category with the highest total
// frequency score across members. Ties go to the alphabetically first
// category.
func DominantCategory(members []model.User) (model.SpendingCategory, bool) {
	totals := make(map[model.SpendingCategory]float64)
	for _, m := range members {
		for _, p := range m.SpendingPatterns {
			totals[p.Category] += p.FrequencyScore
		}
	}
	if len(totals) == 0 {
		return "", false
	}

	cats := make([]model.SpendingCategory, 0, len(totals))
	for c := range totals {
		cats = append(cats, c)
	}
	sort.Slice(cats, func(i, j int) bool {
		if totals[cats[i]] != totals[cats[j]] {
			return totals[cats[i]] > totals[cats[j]]
		}
		return cats[i] < cats[j]
	})
	return cats[0], true
}

// SpendingLabel returns the display label for a category, or the category
// itself when it has none.
func SpendingLabel(c model.SpendingCategory) string {
	if l, ok := spendingLabels[c]; ok {
		return l
	}
	return string(c)
}
