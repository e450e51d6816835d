package geocode

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"

	"github.com/rotisserie/eris"

	"github.com/circlesave/circle-matcher/internal/resilience"
)

// getJSON issues a GET and decodes a JSON body into out, mapping every
// failure to a GeocodingError. Retryable statuses carry a TransientError.
func getJSON(ctx context.Context, hc *http.Client, provider, code, reqURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return &GeocodingError{Kind: KindTransport, Provider: provider, PostalCode: code, Err: eris.Wrap(err, "build request")}
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		kind := KindTransport
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			kind = KindTimeout
		}
		return &GeocodingError{Kind: kind, Provider: provider, PostalCode: code, Err: err}
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		var statusErr error = eris.Errorf("status %d", resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			statusErr = resilience.NewTransientError(statusErr, resp.StatusCode)
		}
		return &GeocodingError{Kind: KindStatus, Provider: provider, PostalCode: code, StatusCode: resp.StatusCode, Err: statusErr}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &GeocodingError{Kind: KindTransport, Provider: provider, PostalCode: code, Err: eris.Wrap(err, "read body")}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &GeocodingError{Kind: KindMalformed, Provider: provider, PostalCode: code, Err: eris.Wrap(err, "parse response")}
	}
	return nil
}
