// Package torneopal is a client for the Torneopal floorball results REST API.
package torneopal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/gaspardpetit/obs-taso/internal/logx"
)

// DefaultBaseURL is the floorball federation's Torneopal endpoint.
const DefaultBaseURL = "https://salibandy.api.torneopal.com/taso/rest/"

// Defaults applied to every match search.
const (
	DefaultCompetitionID = "sb2025"
	DefaultCategoryID    = 444
	maxPerPage           = 100
)

// ErrAPIKeyRequired is returned before any request when no API key is set.
var ErrAPIKeyRequired = errors.New("torneopal: API key is required")

// APIError reports a non-2xx response or an error field in the body.
type APIError struct {
	Endpoint   string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("torneopal %s: request failed: %d %s", e.Endpoint, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("torneopal %s: api error: %s", e.Endpoint, e.Message)
}

// Options configures a Client.
type Options struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// Client issues read-only queries against Torneopal. Responses are returned
// as raw JSON since their shape varies by endpoint.
type Client struct {
	base   *url.URL
	apiKey string
	http   *http.Client
	log    zerolog.Logger
}

// New constructs a Client.
func New(opts Options) (*Client, error) {
	raw := opts.BaseURL
	if raw == "" {
		raw = DefaultBaseURL
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("torneopal base url: %w", err)
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{base: base, apiKey: opts.APIKey, http: hc, log: logx.Component("torneopal")}, nil
}

// SetAPIKey replaces the key sent with subsequent requests.
func (c *Client) SetAPIKey(key string) { c.apiKey = key }

// APIKey returns the configured key.
func (c *Client) APIKey() string { return c.apiKey }

func (c *Client) get(ctx context.Context, endpoint string, params url.Values) (json.RawMessage, error) {
	if c.apiKey == "" {
		return nil, ErrAPIKeyRequired
	}
	u := c.base.ResolveReference(&url.URL{Path: endpoint})
	q := url.Values{}
	for k, v := range params {
		q[k] = v
	}
	q.Set("api_key", c.apiKey)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("torneopal %s: %w", endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()
	c.log.Debug().Str("endpoint", endpoint).Int("status", resp.StatusCode).Dur("duration", time.Since(start)).Msg("torneopal request")
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{Endpoint: endpoint, StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("torneopal %s: read body: %w", endpoint, err)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("torneopal %s: response is not JSON", endpoint)
	}
	if trimmed := bytes.TrimSpace(body); len(trimmed) > 0 && trimmed[0] == '{' {
		var envelope struct {
			Error json.RawMessage `json:"error"`
		}
		if err := json.Unmarshal(trimmed, &envelope); err != nil {
			return nil, fmt.Errorf("torneopal %s: decode body: %w", endpoint, err)
		}
		if msg := errorMessage(envelope.Error); msg != "" {
			return nil, &APIError{Endpoint: endpoint, Message: msg}
		}
	}
	return body, nil
}

// errorMessage returns the error field as text, or "" when it is absent or
// falsy.
func errorMessage(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	switch string(raw) {
	case "null", "false", `""`, "0":
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	return string(raw)
}

func (c *Client) GetDistricts(ctx context.Context) (json.RawMessage, error) {
	return c.get(ctx, "getDistricts", nil)
}

func (c *Client) GetClubs(ctx context.Context, district string) (json.RawMessage, error) {
	return c.get(ctx, "getClubs", params("district", district))
}

func (c *Client) GetVenues(ctx context.Context, district, clubID string) (json.RawMessage, error) {
	return c.get(ctx, "getVenues", params("district", district, "club_id", clubID))
}

// MatchFilters narrows GetMatches. Zero values are omitted.
type MatchFilters struct {
	VenueID      string
	TeamID       string
	ClubID       string
	Category     string
	DateFrom     string
	DateTo       string
	Limit        int
	Page         int
	OfficialOnly bool
}

func (f MatchFilters) values() url.Values {
	v := params(
		"venue_id", f.VenueID,
		"team_id", f.TeamID,
		"club_id", f.ClubID,
		"category", f.Category,
		"date_from", f.DateFrom,
		"date_to", f.DateTo,
	)
	v.Set("competition_id", DefaultCompetitionID)
	v.Set("category_id", strconv.Itoa(DefaultCategoryID))
	if f.Limit > 0 {
		v.Set("per_page", strconv.Itoa(min(f.Limit, maxPerPage)))
	}
	if f.Page > 0 {
		v.Set("page", strconv.Itoa(f.Page))
	}
	if f.OfficialOnly {
		v.Set("official_only", "1")
	}
	return v
}

// GetMatches searches the current competition.
func (c *Client) GetMatches(ctx context.Context, f MatchFilters) (json.RawMessage, error) {
	return c.get(ctx, "getMatches", f.values())
}

func (c *Client) GetMatch(ctx context.Context, matchID string) (json.RawMessage, error) {
	return c.get(ctx, "getMatch", params("match_id", matchID))
}

// GetScore returns the live score of a match. Torneopal allows polling it at
// most once per second.
func (c *Client) GetScore(ctx context.Context, matchID string) (json.RawMessage, error) {
	return c.get(ctx, "getScore", params("match_id", matchID))
}

// TeamFilters narrows GetTeams. Zero values are omitted.
type TeamFilters struct {
	ClubID   string
	District string
	Category string
}

func (c *Client) GetTeams(ctx context.Context, f TeamFilters) (json.RawMessage, error) {
	return c.get(ctx, "getTeams", params("club_id", f.ClubID, "district", f.District, "category", f.Category))
}

func (c *Client) GetTeam(ctx context.Context, teamID string) (json.RawMessage, error) {
	return c.get(ctx, "getTeam", params("team_id", teamID))
}

func (c *Client) GetClub(ctx context.Context, clubID string) (json.RawMessage, error) {
	return c.get(ctx, "getClub", params("club_id", clubID))
}

// TestConnection reports whether the API answers with the current key.
func (c *Client) TestConnection(ctx context.Context) (bool, string) {
	if _, err := c.GetDistricts(ctx); err != nil {
		return false, err.Error()
	}
	return true, "API connection successful"
}

// params builds url.Values from key/value pairs, skipping empty values.
func params(kv ...string) url.Values {
	v := url.Values{}
	for i := 0; i+1 < len(kv); i += 2 {
		if kv[i+1] != "" {
			v.Set(kv[i], kv[i+1])
		}
	}
	return v
}
