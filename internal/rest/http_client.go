package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"ridesync/internal/domain/ride"
	"ridesync/internal/faults"
	"ridesync/internal/logger"
)

// TokenProvider supplies the current access token and a single-flight
// refresh. The push manager implements it.
type TokenProvider interface {
	AccessToken() string
	Refresh(ctx context.Context) error
}

// HTTPClient implements Client over plain HTTP.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	tokens  TokenProvider
	log     *slog.Logger
}

func NewHTTPClient(baseURL string, timeout time.Duration, tokens TokenProvider, log *slog.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		tokens:  tokens,
		log:     log,
	}
}

// do issues one request and decodes the response into out (when non-nil).
// On 401 it refreshes the token once and retries; a second 401 after a
// successful refresh is reported as Exhausted.
func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	err := c.doOnce(ctx, method, path, body, out)
	if err == nil || !faults.IsAuthExpired(err) {
		return err
	}
	if c.tokens == nil {
		return err
	}

	if refreshErr := c.tokens.Refresh(ctx); refreshErr != nil {
		return refreshErr
	}

	err = c.doOnce(ctx, method, path, body, out)
	if faults.IsAuthExpired(err) {
		// refresh succeeded yet the backend still rejects the token
		return faults.Newf(faults.KindExhausted, "auth retry budget used for %s %s: %w", method, path, err)
	}
	return err
}

func (c *HTTPClient) doOnce(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return faults.Newf(faults.KindValidationFailure, "encode %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return faults.Newf(faults.KindValidationFailure, "build %s %s: %w", method, path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.tokens != nil {
		if tok := c.tokens.AccessToken(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return faults.Newf(faults.KindTransientNetwork, "%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		reason := strings.TrimSpace(string(payload))
		if reason == "" {
			reason = resp.Status
		}
		logger.Error(ctx, c.log, "rest_call_failed",
			fmt.Sprintf("%s %s returned %d", method, path, resp.StatusCode), nil)
		return faults.FromHTTPStatus(resp.StatusCode, fmt.Errorf("%s %s: %s", method, path, reason))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return faults.Newf(faults.KindTransientNetwork, "decode %s %s: %w", method, path, err)
	}
	return nil
}

func (c *HTTPClient) RequestRide(ctx context.Context, req ride.Request) (RequestRideResult, error) {
	if err := req.Validate(); err != nil {
		return RequestRideResult{}, faults.New(faults.KindValidationFailure, err)
	}

	payload := map[string]any{
		"rider_id":  req.RiderID,
		"ride_type": req.RideType,
		"pickup": map[string]any{
			"lat": req.Pickup.Lat, "lng": req.Pickup.Lng, "address": req.Pickup.Address,
		},
		"destination": map[string]any{
			"lat": req.Dropoff.Lat, "lng": req.Dropoff.Lng, "address": req.Dropoff.Address,
		},
	}

	var out RequestRideResult
	if err := c.do(ctx, http.MethodPost, "/rides", payload, &out); err != nil {
		return RequestRideResult{}, err
	}
	return out, nil
}

func (c *HTTPClient) GetFareEstimate(ctx context.Context, pickup, dropoff ride.Location) (FareEstimate, error) {
	q := url.Values{}
	q.Set("pickup_lat", fmt.Sprintf("%f", pickup.Lat))
	q.Set("pickup_lng", fmt.Sprintf("%f", pickup.Lng))
	q.Set("dest_lat", fmt.Sprintf("%f", dropoff.Lat))
	q.Set("dest_lng", fmt.Sprintf("%f", dropoff.Lng))

	var out FareEstimate
	if err := c.do(ctx, http.MethodGet, "/rides/fare-estimate?"+q.Encode(), nil, &out); err != nil {
		return FareEstimate{}, err
	}
	return out, nil
}

func (c *HTTPClient) CancelRide(ctx context.Context, rideID, reason string) error {
	payload := map[string]string{"reason": reason}
	return c.do(ctx, http.MethodPost, "/rides/"+url.PathEscape(rideID)+"/cancel", payload, nil)
}

func (c *HTTPClient) GetRideDetails(ctx context.Context, rideID string) (RideDetails, error) {
	var out RideDetails
	if err := c.do(ctx, http.MethodGet, "/rides/"+url.PathEscape(rideID), nil, &out); err != nil {
		return RideDetails{}, err
	}
	return out, nil
}

func (c *HTTPClient) AcceptRide(ctx context.Context, rideID string) error {
	return c.do(ctx, http.MethodPost, "/rides/"+url.PathEscape(rideID)+"/accept", nil, nil)
}

func (c *HTTPClient) RejectRide(ctx context.Context, rideID string) error {
	return c.do(ctx, http.MethodPost, "/rides/"+url.PathEscape(rideID)+"/reject", nil, nil)
}

func (c *HTTPClient) StartRide(ctx context.Context, rideID string) error {
	return c.do(ctx, http.MethodPost, "/rides/"+url.PathEscape(rideID)+"/start", nil, nil)
}

func (c *HTTPClient) CompleteRide(ctx context.Context, rideID string) (RideDetails, error) {
	var out RideDetails
	if err := c.do(ctx, http.MethodPost, "/rides/"+url.PathEscape(rideID)+"/complete", nil, &out); err != nil {
		return RideDetails{}, err
	}
	return out, nil
}

func (c *HTTPClient) GetEmergencyContacts(ctx context.Context) ([]EmergencyContact, error) {
	var out []EmergencyContact
	if err := c.do(ctx, http.MethodGet, "/emergency-contacts", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTPClient) AddEmergencyContact(ctx context.Context, contact EmergencyContact) (EmergencyContact, error) {
	var out EmergencyContact
	if err := c.do(ctx, http.MethodPost, "/emergency-contacts", contact, &out); err != nil {
		return EmergencyContact{}, err
	}
	return out, nil
}

func (c *HTTPClient) RemoveEmergencyContact(ctx context.Context, contactID string) error {
	return c.do(ctx, http.MethodDelete, "/emergency-contacts/"+url.PathEscape(contactID), nil, nil)
}

func (c *HTTPClient) TriggerSOS(ctx context.Context, rideID string, loc ride.Location) (SOSResult, error) {
	payload := map[string]any{
		"ride_id": rideID,
		"location": map[string]any{
			"lat": loc.Lat, "lng": loc.Lng, "address": loc.Address,
		},
	}

	var out SOSResult
	if err := c.do(ctx, http.MethodPost, "/sos", payload, &out); err != nil {
		return SOSResult{}, err
	}
	return out, nil
}

func (c *HTTPClient) SubmitRating(ctx context.Context, r Rating) error {
	return c.do(ctx, http.MethodPost, "/rides/"+url.PathEscape(r.RideID)+"/rating", r, nil)
}

func (c *HTTPClient) RefreshToken(ctx context.Context, refreshToken string) (TokenPair, error) {
	payload := map[string]string{"refresh_token": refreshToken}

	var out TokenPair
	// refresh goes out without the Authorization header retry loop: a 401
	// here means the refresh token itself is dead
	if err := c.doOnce(ctx, http.MethodPost, "/auth/refresh", payload, &out); err != nil {
		return TokenPair{}, err
	}
	return out, nil
}
