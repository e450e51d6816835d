package geocode

import (
	"strings"
	"unicode"

	"github.com/rotisserie/eris"
)

// NormalizePostalCode uppercases code and strips all whitespace.
func NormalizePostalCode(code string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return unicode.ToUpper(r)
	}, code)
}

// FormatPostalCode renders a normalized code the way the country writes it,
// e.g. "M5V3L9" -> "M5V 3L9" for Canada.
func FormatPostalCode(code, countryCode string) string {
	code = NormalizePostalCode(code)
	if strings.EqualFold(countryCode, "ca") && len(code) == 6 {
		return code[:3] + " " + code[3:]
	}
	return code
}

// Validate checks that a provider result belongs to the requested country and
// postal area. Providers may return a neighbouring full code or only the
// leading area segment; both share the first three characters with the
// request.
func Validate(q Query, res *Result) error {
	if res == nil {
		return &GeocodingError{Kind: KindNotFound, PostalCode: q.PostalCode}
	}
	if !strings.EqualFold(res.CountryCode, q.CountryCode) {
		return &GeocodingError{
			Kind:       KindMismatch,
			Provider:   res.Source,
			PostalCode: q.PostalCode,
			Err:        eris.Errorf("country %q, want %q", res.CountryCode, q.CountryCode),
		}
	}

	got := NormalizePostalCode(res.PostalCode)
	want := NormalizePostalCode(q.PostalCode)
	if got == "" {
		return &GeocodingError{
			Kind:       KindMismatch,
			Provider:   res.Source,
			PostalCode: q.PostalCode,
			Err:        eris.Errorf("result has no postal code"),
		}
	}

	n := min(3, len(got), len(want))
	if n == 0 || got[:n] != want[:n] {
		return &GeocodingError{
			Kind:       KindMismatch,
			Provider:   res.Source,
			PostalCode: q.PostalCode,
			Err:        eris.Errorf("postal code %q does not match", res.PostalCode),
		}
	}
	return nil
}
