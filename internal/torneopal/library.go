package torneopal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// LocalMatchID is the fixed id of the operator-created match.
const LocalMatchID = "local-match"

// Keys used in the KeyValue store.
const (
	keyAPIKey            = "torneopal-api-key"
	keySelectedMatchID   = "selected-match-id"
	keySelectedMatchData = "selected-match-data"
	keyLocalMatches      = "local-matches"
)

// ErrLocalMatchNotFound is returned when the local match was never created.
var ErrLocalMatchNotFound = errors.New("local match not found")

// KeyValue is the persistence the library needs; *localstore.Store satisfies it.
type KeyValue interface {
	GetItem(key string) (string, bool, error)
	GetItems(keys ...string) (map[string]string, error)
	SetItem(key, value string) error
	SetItems(values map[string]string) error
	RemoveItems(keys ...string) error
}

// LocalMatchInput describes a match that is not in Torneopal, such as a
// friendly.
type LocalMatchInput struct {
	Date         string
	Time         string
	HomeTeamID   string
	HomeTeamData map[string]any
	AwayTeamName string
	AwayTeamLogo string
	Venue        string
	Category     string
}

// LocalMatch mirrors the field names of a Torneopal match so overlays can
// render either.
type LocalMatch struct {
	MatchID      string         `json:"match_id"`
	Date         string         `json:"date"`
	Time         string         `json:"time"`
	TeamAName    string         `json:"team_A_name"`
	TeamBName    string         `json:"team_B_name"`
	ClubACrest   string         `json:"club_A_crest"`
	ClubBCrest   string         `json:"club_B_crest"`
	VenueName    string         `json:"venue_name"`
	CategoryName string         `json:"category_name"`
	IsLocal      bool           `json:"is_local"`
	CreatedAt    string         `json:"created_at"`
	HomeTeamID   string         `json:"home_team_id"`
	HomeTeamData map[string]any `json:"home_team_data"`
}

// Library combines the remote API with locally persisted selections and
// matches.
type Library struct {
	api *Client
	kv  KeyValue
	now func() time.Time
}

// NewLibrary wires api and kv. When api has no key, the stored key is used.
func NewLibrary(api *Client, kv KeyValue) (*Library, error) {
	l := &Library{api: api, kv: kv, now: time.Now}
	if api.APIKey() == "" {
		key, _, err := kv.GetItem(keyAPIKey)
		if err != nil {
			return nil, err
		}
		api.SetAPIKey(key)
	}
	return l, nil
}

// API returns the underlying client.
func (l *Library) API() *Client { return l.api }

// SaveAPIKey sets the client key and persists it for later runs.
func (l *Library) SaveAPIKey(key string) error {
	l.api.SetAPIKey(key)
	return l.kv.SetItem(keyAPIKey, key)
}

// StoreSelectedMatch remembers the match the operator is producing.
func (l *Library) StoreSelectedMatch(matchID string, data json.RawMessage) error {
	return l.kv.SetItems(map[string]string{
		keySelectedMatchID:   matchID,
		keySelectedMatchData: string(data),
	})
}

// SelectedMatch returns the remembered match. ok is false when nothing was
// selected or the stored data no longer decodes.
func (l *Library) SelectedMatch() (matchID string, data json.RawMessage, ok bool, err error) {
	items, err := l.kv.GetItems(keySelectedMatchID, keySelectedMatchData)
	if err != nil {
		return "", nil, false, err
	}
	id, hasID := items[keySelectedMatchID]
	raw, hasData := items[keySelectedMatchData]
	if !hasID || !hasData || id == "" || !json.Valid([]byte(raw)) {
		return "", nil, false, nil
	}
	return id, json.RawMessage(raw), true, nil
}

// ClearSelectedMatch forgets the remembered match.
func (l *Library) ClearSelectedMatch() error {
	return l.kv.RemoveItems(keySelectedMatchID, keySelectedMatchData)
}

// IsLocalMatch reports whether matchID refers to the local match.
func IsLocalMatch(matchID string) bool { return matchID == LocalMatchID }

// CreateLocalMatch stores a local match, replacing any previous one.
func (l *Library) CreateLocalMatch(in LocalMatchInput) (LocalMatch, error) {
	home := "Home Team"
	crest := ""
	if name, ok := in.HomeTeamData["team_name"].(string); ok && name != "" {
		home = name
	}
	if c, ok := in.HomeTeamData["club_crest"].(string); ok {
		crest = c
	}
	m := LocalMatch{
		MatchID:      LocalMatchID,
		Date:         in.Date,
		Time:         in.Time,
		TeamAName:    home,
		TeamBName:    in.AwayTeamName,
		ClubACrest:   crest,
		ClubBCrest:   in.AwayTeamLogo,
		VenueName:    valueOr(in.Venue, "Local Venue"),
		CategoryName: valueOr(in.Category, "Local Match"),
		IsLocal:      true,
		CreatedAt:    l.now().UTC().Format(time.RFC3339Nano),
		HomeTeamID:   in.HomeTeamID,
		HomeTeamData: in.HomeTeamData,
	}
	all, err := l.LocalMatches()
	if err != nil {
		return LocalMatch{}, err
	}
	all[m.MatchID] = m
	if err := l.saveLocalMatches(all); err != nil {
		return LocalMatch{}, err
	}
	return m, nil
}

// LocalMatches returns every stored local match keyed by id.
func (l *Library) LocalMatches() (map[string]LocalMatch, error) {
	raw, ok, err := l.kv.GetItem(keyLocalMatches)
	if err != nil {
		return nil, err
	}
	out := map[string]LocalMatch{}
	if !ok || raw == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("decode local matches: %w", err)
	}
	return out, nil
}

// LocalMatch returns the stored local match with matchID.
func (l *Library) LocalMatch(matchID string) (LocalMatch, bool, error) {
	all, err := l.LocalMatches()
	if err != nil {
		return LocalMatch{}, false, err
	}
	m, ok := all[matchID]
	return m, ok, nil
}

// DeleteLocalMatch removes matchID and reports whether it existed.
func (l *Library) DeleteLocalMatch(matchID string) (bool, error) {
	all, err := l.LocalMatches()
	if err != nil {
		return false, err
	}
	if _, ok := all[matchID]; !ok {
		return false, nil
	}
	delete(all, matchID)
	return true, l.saveLocalMatches(all)
}

func (l *Library) saveLocalMatches(all map[string]LocalMatch) error {
	b, err := json.Marshal(all)
	if err != nil {
		return err
	}
	return l.kv.SetItem(keyLocalMatches, string(b))
}

// GetMatch resolves matchID against local matches first, then Torneopal.
// Local matches are wrapped as {"match": ...} like the remote response.
func (l *Library) GetMatch(ctx context.Context, matchID string) (json.RawMessage, error) {
	if !IsLocalMatch(matchID) {
		return l.api.GetMatch(ctx, matchID)
	}
	m, ok, err := l.LocalMatch(matchID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLocalMatchNotFound
	}
	return json.Marshal(struct {
		Match LocalMatch `json:"match"`
	}{m})
}

func valueOr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
