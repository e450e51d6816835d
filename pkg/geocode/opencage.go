package geocode

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const openCageURL = "https://api.opencagedata.com/geocode/v1/json"

type openCageResponse struct {
	Results []openCageResult `json:"results"`
}

type openCageResult struct {
	Geometry struct {
		Lat float64 `json:"lat"`
		Lng float64 `json:"lng"`
	} `json:"geometry"`
	Components openCageComponents `json:"components"`
}

type openCageComponents struct {
	CountryCode   string `json:"country_code"`
	Postcode      string `json:"postcode"`
	City          string `json:"city"`
	Town          string `json:"town"`
	Village       string `json:"village"`
	Neighbourhood string `json:"neighbourhood"`
	State         string `json:"state"`
	Province      string `json:"province"`
}

func (c openCageComponents) place() Place {
	return Place{
		City:   firstNonEmpty(c.City, c.Town, c.Village, c.Neighbourhood),
		Region: firstNonEmpty(c.State, c.Province),
	}
}

// OpenCageProvider geocodes through the OpenCage Data API.
type OpenCageProvider struct {
	key        string
	httpClient *http.Client
}

// NewOpenCageProvider creates an OpenCage provider. A nil client uses a
// default with a 30s timeout.
func NewOpenCageProvider(key string, hc *http.Client) *OpenCageProvider {
	if hc == nil {
		hc = defaultHTTPClient()
	}
	return &OpenCageProvider{key: key, httpClient: hc}
}

// Name implements Provider.
func (p *OpenCageProvider) Name() string { return "opencage" }

// Forward implements Provider.
func (p *OpenCageProvider) Forward(ctx context.Context, q Query) (*Result, error) {
	text := FormatPostalCode(q.PostalCode, q.CountryCode)
	if q.CountryName != "" {
		text += ", " + q.CountryName
	}
	params := url.Values{
		"q":              {text},
		"key":            {p.key},
		"countrycode":    {strings.ToLower(q.CountryCode)},
		"limit":          {"1"},
		"no_annotations": {"1"},
	}

	var resp openCageResponse
	if err := getJSON(ctx, p.httpClient, p.Name(), q.PostalCode, openCageURL+"?"+params.Encode(), &resp); err != nil {
		return nil, err
	}
	if len(resp.Results) == 0 {
		return nil, &GeocodingError{Kind: KindNotFound, Provider: p.Name(), PostalCode: q.PostalCode}
	}

	r := resp.Results[0]
	place := r.Components.place()
	return &Result{
		Latitude:    r.Geometry.Lat,
		Longitude:   r.Geometry.Lng,
		PostalCode:  r.Components.Postcode,
		CountryCode: strings.ToLower(r.Components.CountryCode),
		City:        place.City,
		Region:      place.Region,
		Source:      p.Name(),
	}, nil
}

// Reverse implements Provider.
func (p *OpenCageProvider) Reverse(ctx context.Context, lat, lng float64, countryCode string) (*Place, error) {
	params := url.Values{
		"q":              {strconv.FormatFloat(lat, 'f', 6, 64) + "," + strconv.FormatFloat(lng, 'f', 6, 64)},
		"key":            {p.key},
		"countrycode":    {strings.ToLower(countryCode)},
		"limit":          {"1"},
		"no_annotations": {"1"},
	}

	var resp openCageResponse
	if err := getJSON(ctx, p.httpClient, p.Name(), "", openCageURL+"?"+params.Encode(), &resp); err != nil {
		return nil, err
	}
	if len(resp.Results) == 0 {
		return nil, &GeocodingError{Kind: KindNotFound, Provider: p.Name()}
	}
	place := resp.Results[0].Components.place()
	return &place, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
