package geocode

import (
	"context"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/circlesave/circle-matcher/internal/resilience"
)

const googleGeocodeURL = "https://maps.googleapis.com/maps/api/geocode/json"

// googleGeocodeResponse is the JSON response from the Google Geocoding API.
type googleGeocodeResponse struct {
	Results      []googleResult `json:"results"`
	Status       string         `json:"status"`
	ErrorMessage string         `json:"error_message"`
}

type googleResult struct {
	AddressComponents []googleAddressComponent `json:"address_components"`
	Geometry          struct {
		Location struct {
			Lat float64 `json:"lat"`
			Lng float64 `json:"lng"`
		} `json:"location"`
	} `json:"geometry"`
}

type googleAddressComponent struct {
	LongName  string   `json:"long_name"`
	ShortName string   `json:"short_name"`
	Types     []string `json:"types"`
}

func (r googleResult) component(typ string, short bool) string {
	for _, c := range r.AddressComponents {
		if slices.Contains(c.Types, typ) {
			if short {
				return c.ShortName
			}
			return c.LongName
		}
	}
	return ""
}

func (r googleResult) place() Place {
	return Place{
		City:   firstNonEmpty(r.component("locality", false), r.component("sublocality", false), r.component("neighborhood", false)),
		Region: r.component("administrative_area_level_1", false),
	}
}

// GoogleProvider geocodes through the Google Geocoding API.
type GoogleProvider struct {
	key        string
	httpClient *http.Client
}

// NewGoogleProvider creates a Google provider. A nil client uses a default
// with a 30s timeout.
func NewGoogleProvider(key string, hc *http.Client) *GoogleProvider {
	if hc == nil {
		hc = defaultHTTPClient()
	}
	return &GoogleProvider{key: key, httpClient: hc}
}

// Name implements Provider.
func (p *GoogleProvider) Name() string { return "google" }

// Forward implements Provider.
func (p *GoogleProvider) Forward(ctx context.Context, q Query) (*Result, error) {
	params := url.Values{
		"components": {"postal_code:" + q.PostalCode + "|country:" + strings.ToUpper(q.CountryCode)},
		"key":        {p.key},
	}

	res, err := p.get(ctx, q.PostalCode, params)
	if err != nil {
		return nil, err
	}
	place := res.place()
	return &Result{
		Latitude:    res.Geometry.Location.Lat,
		Longitude:   res.Geometry.Location.Lng,
		PostalCode:  res.component("postal_code", false),
		CountryCode: strings.ToLower(res.component("country", true)),
		City:        place.City,
		Region:      place.Region,
		Source:      p.Name(),
	}, nil
}

// Reverse implements Provider.
func (p *GoogleProvider) Reverse(ctx context.Context, lat, lng float64, _ string) (*Place, error) {
	params := url.Values{
		"latlng": {strconv.FormatFloat(lat, 'f', 6, 64) + "," + strconv.FormatFloat(lng, 'f', 6, 64)},
		"key":    {p.key},
	}
	res, err := p.get(ctx, "", params)
	if err != nil {
		return nil, err
	}
	place := res.place()
	return &place, nil
}

func (p *GoogleProvider) get(ctx context.Context, code string, params url.Values) (*googleResult, error) {
	var resp googleGeocodeResponse
	if err := getJSON(ctx, p.httpClient, p.Name(), code, googleGeocodeURL+"?"+params.Encode(), &resp); err != nil {
		return nil, err
	}

	switch resp.Status {
	case "OK":
	case "ZERO_RESULTS":
		return nil, &GeocodingError{Kind: KindNotFound, Provider: p.Name(), PostalCode: code}
	case "OVER_QUERY_LIMIT", "UNKNOWN_ERROR":
		return nil, &GeocodingError{
			Kind:       KindStatus,
			Provider:   p.Name(),
			PostalCode: code,
			Err:        resilience.NewTransientError(eris.Errorf("api status %s", resp.Status), 0),
		}
	default:
		return nil, &GeocodingError{
			Kind:       KindStatus,
			Provider:   p.Name(),
			PostalCode: code,
			Err:        eris.Errorf("api status %s: %s", resp.Status, resp.ErrorMessage),
		}
	}
	if len(resp.Results) == 0 {
		return nil, &GeocodingError{Kind: KindNotFound, Provider: p.Name(), PostalCode: code}
	}
	return &resp.Results[0], nil
}
