package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	flags "github.com/jessevdk/go-flags"

	"github.com/gaspardpetit/obs-taso/internal/logx"
	"github.com/gaspardpetit/obs-taso/internal/match"
	"github.com/gaspardpetit/obs-taso/internal/session"
	"github.com/gaspardpetit/obs-taso/internal/torneopal"
)

const selectionDebounce = 200 * time.Millisecond

func addCommands(p *flags.Parser, a *app) error {
	local := &localCmd{}
	local.Create.app = a
	local.Show.app = a
	local.Delete.app = a
	cmds := []struct {
		name, short string
		data        any
	}{
		{"status", "Connect and report the endpoint state", &statusCmd{app: a}},
		{"get", "Print the stored match data", &getCmd{app: a}},
		{"set", "Store match data from a JSON file and broadcast it", &setCmd{app: a}},
		{"score", "Broadcast a score update", &scoreCmd{app: a}},
		{"clock", "Broadcast a clock action", &clockCmd{app: a}},
		{"penalties", "Broadcast the penalty lists", &penaltiesCmd{app: a}},
		{"shootout", "Broadcast the shootout attempts", &shootoutCmd{app: a}},
		{"info", "Broadcast match information fields", &infoCmd{app: a}},
		{"event", "Broadcast a named custom event", &eventCmd{app: a}},
		{"watch", "Print custom events until interrupted", &watchCmd{app: a}},
		{"matches", "Search Torneopal matches", &matchesCmd{app: a}},
		{"match", "Print one match, local or from Torneopal", &matchCmd{app: a}},
		{"select", "Remember a match and publish it", &selectCmd{app: a}},
		{"selected", "Print the remembered match", &selectedCmd{app: a}},
		{"api-key", "Save or test the Torneopal API key", &apiKeyCmd{app: a}},
		{"local", "Manage the local match", local},
	}
	for _, c := range cmds {
		if _, err := p.AddCommand(c.name, c.short, "", c.data); err != nil {
			return fmt.Errorf("register %s: %w", c.name, err)
		}
	}
	return nil
}

func (a *app) printJSON(raw json.RawMessage) error {
	if len(raw) == 0 {
		a.printf("null\n")
		return nil
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return fmt.Errorf("format response: %w", err)
	}
	a.printf("%s\n", buf.Bytes())
	return nil
}

// parseFields turns key=value arguments into event fields. Values that parse
// as JSON keep their type; anything else is a string.
func parseFields(args []string) (map[string]any, error) {
	fields := make(map[string]any, len(args))
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("field %q: want key=value", arg)
		}
		var decoded any
		if err := json.Unmarshal([]byte(v), &decoded); err == nil {
			fields[k] = decoded
		} else {
			fields[k] = v
		}
	}
	return fields, nil
}

// matchObject unwraps {"match": {...}} responses so the slot holds the match
// itself.
func matchObject(data json.RawMessage) json.RawMessage {
	var env struct {
		Match json.RawMessage `json:"match"`
	}
	if err := json.Unmarshal(data, &env); err == nil && len(env.Match) > 0 && string(env.Match) != "null" {
		return env.Match
	}
	return data
}

type statusCmd struct{ app *app }

func (c *statusCmd) Execute([]string) error {
	return c.app.withMatch(func(ctx context.Context, m *match.Client) error {
		data, err := m.GetMatchData(ctx)
		if err != nil {
			return err
		}
		c.app.printf("connected to %s\n", c.app.cfg.URL)
		if data == nil {
			c.app.printf("match data: none\n")
		} else {
			c.app.printf("match data: %d bytes\n", len(data))
		}
		return nil
	})
}

type getCmd struct{ app *app }

func (c *getCmd) Execute([]string) error {
	return c.app.withMatch(func(ctx context.Context, m *match.Client) error {
		data, err := m.GetMatchData(ctx)
		if err != nil {
			return err
		}
		return c.app.printJSON(data)
	})
}

type setCmd struct {
	app  *app
	Args struct {
		File string `positional-arg-name:"file" description:"JSON file, or - for stdin"`
	} `positional-args:"yes"`
}

func (c *setCmd) Execute([]string) error {
	var (
		b   []byte
		err error
	)
	if c.Args.File == "" || c.Args.File == "-" {
		b, err = io.ReadAll(c.app.in)
	} else {
		b, err = os.ReadFile(c.Args.File)
	}
	if err != nil {
		return fmt.Errorf("read match data: %w", err)
	}
	if !json.Valid(b) {
		return errors.New("match data is not valid JSON")
	}
	return c.app.withMatch(func(ctx context.Context, m *match.Client) error {
		if err := m.SetMatchData(ctx, json.RawMessage(b)); err != nil {
			return err
		}
		c.app.printf("match data stored\n")
		return nil
	})
}

type scoreCmd struct {
	app  *app
	Args struct {
		Home int `positional-arg-name:"home"`
		Away int `positional-arg-name:"away"`
	} `positional-args:"yes" required:"yes"`
}

func (c *scoreCmd) Execute([]string) error {
	return c.app.withMatch(func(ctx context.Context, m *match.Client) error {
		return m.SendScoreUpdate(ctx, c.Args.Home, c.Args.Away)
	})
}

type clockCmd struct {
	app    *app
	Time   *int `long:"time" description:"clock value in seconds"`
	Period *int `long:"period" description:"period number"`
	Args   struct {
		Action string `positional-arg-name:"action" description:"start, stop, reset or set"`
	} `positional-args:"yes" required:"yes"`
}

func (c *clockCmd) Execute([]string) error {
	extra := map[string]any{}
	if c.Time != nil {
		extra["time"] = *c.Time
	}
	if c.Period != nil {
		extra["period"] = *c.Period
	}
	return c.app.withMatch(func(ctx context.Context, m *match.Client) error {
		return m.SendClockControl(ctx, c.Args.Action, extra)
	})
}

type penaltiesCmd struct {
	app  *app
	Args struct {
		Home string `positional-arg-name:"home-json"`
		Away string `positional-arg-name:"away-json"`
	} `positional-args:"yes" required:"yes"`
}

func (c *penaltiesCmd) Execute([]string) error {
	home, away, err := decodePair(c.Args.Home, c.Args.Away)
	if err != nil {
		return err
	}
	return c.app.withMatch(func(ctx context.Context, m *match.Client) error {
		return m.SendPenaltyUpdate(ctx, home, away)
	})
}

type shootoutCmd struct {
	app  *app
	Args struct {
		Home string `positional-arg-name:"home-json"`
		Away string `positional-arg-name:"away-json"`
	} `positional-args:"yes" required:"yes"`
}

func (c *shootoutCmd) Execute([]string) error {
	home, away, err := decodePair(c.Args.Home, c.Args.Away)
	if err != nil {
		return err
	}
	return c.app.withMatch(func(ctx context.Context, m *match.Client) error {
		return m.SendShootoutUpdate(ctx, home, away)
	})
}

func decodePair(home, away string) (any, any, error) {
	var h, a any
	if err := json.Unmarshal([]byte(home), &h); err != nil {
		return nil, nil, fmt.Errorf("home: %w", err)
	}
	if err := json.Unmarshal([]byte(away), &a); err != nil {
		return nil, nil, fmt.Errorf("away: %w", err)
	}
	return h, a, nil
}

type infoCmd struct {
	app  *app
	Args struct {
		Fields []string `positional-arg-name:"key=value"`
	} `positional-args:"yes" required:"yes"`
}

func (c *infoCmd) Execute([]string) error {
	fields, err := parseFields(c.Args.Fields)
	if err != nil {
		return err
	}
	return c.app.withMatch(func(ctx context.Context, m *match.Client) error {
		return m.SendMatchInfo(ctx, fields)
	})
}

type eventCmd struct {
	app  *app
	Args struct {
		Name   string   `positional-arg-name:"name" required:"yes"`
		Fields []string `positional-arg-name:"key=value"`
	} `positional-args:"yes"`
}

func (c *eventCmd) Execute([]string) error {
	fields, err := parseFields(c.Args.Fields)
	if err != nil {
		return err
	}
	return c.app.withMatch(func(ctx context.Context, m *match.Client) error {
		return m.Broadcast(ctx, c.Args.Name, fields)
	})
}

type watchCmd struct {
	app             *app
	FollowSelection bool `long:"follow-selection" description:"publish the remembered match whenever another tasoctl selects one"`
}

func (c *watchCmd) Execute([]string) error {
	a := c.app
	ctx, cancel := context.WithCancel(a.ctx)
	defer cancel()

	reconnect := a.cfg.Reconnect
	s := a.newSession(true, func(st session.Status) {
		a.printf("status %s\n", st)
		if !reconnect && (st == session.StatusDisconnected || st == session.StatusError) {
			cancel()
		}
	})
	defer func() { _ = s.Close() }()
	tr := match.NewTracker(s, func(ev match.CustomEvent) {
		a.printf("event %s %s\n", ev.EventName, ev.EventData)
	})
	defer tr.Close()

	if err := a.connect(s); err != nil {
		return err
	}
	if !c.FollowSelection {
		<-ctx.Done()
		return nil
	}

	lib, st, err := a.library()
	if err != nil {
		return err
	}
	m := match.NewClient(s)
	last, _, _, _ := lib.SelectedMatch()
	return st.Watch(ctx, selectionDebounce, func() {
		id, data, ok, err := lib.SelectedMatch()
		if err != nil {
			logx.Log.Warn().Err(err).Msg("read selected match")
			return
		}
		if !ok || id == last {
			return
		}
		last = id
		rctx, rcancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
		defer rcancel()
		if err := m.SetMatchData(rctx, data); err != nil {
			logx.Log.Warn().Err(err).Str("match_id", id).Msg("publish selected match")
			return
		}
		a.printf("published %s\n", id)
	})
}

type matchesCmd struct {
	app      *app
	Venue    string `long:"venue" description:"venue id"`
	Team     string `long:"team" description:"team id"`
	Club     string `long:"club" description:"club id"`
	Category string `long:"category" description:"category code"`
	From     string `long:"from" description:"first date, YYYY-MM-DD"`
	To       string `long:"to" description:"last date, YYYY-MM-DD"`
	Limit    int    `long:"limit" description:"results per page (max 100)"`
	Page     int    `long:"page" description:"page number"`
	Official bool   `long:"official" description:"official matches only"`
}

func (c *matchesCmd) Execute([]string) error {
	lib, _, err := c.app.library()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(c.app.ctx, c.app.cfg.RequestTimeout)
	defer cancel()
	data, err := lib.API().GetMatches(ctx, torneopal.MatchFilters{
		VenueID:      c.Venue,
		TeamID:       c.Team,
		ClubID:       c.Club,
		Category:     c.Category,
		DateFrom:     c.From,
		DateTo:       c.To,
		Limit:        c.Limit,
		Page:         c.Page,
		OfficialOnly: c.Official,
	})
	if err != nil {
		return err
	}
	return c.app.printJSON(data)
}

type matchCmd struct {
	app  *app
	Args struct {
		ID string `positional-arg-name:"match-id"`
	} `positional-args:"yes" required:"yes"`
}

func (c *matchCmd) Execute([]string) error {
	lib, _, err := c.app.library()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(c.app.ctx, c.app.cfg.RequestTimeout)
	defer cancel()
	data, err := lib.GetMatch(ctx, c.Args.ID)
	if err != nil {
		return err
	}
	return c.app.printJSON(data)
}

type selectCmd struct {
	app       *app
	NoPublish bool `long:"no-publish" description:"only remember the match locally"`
	Args      struct {
		ID string `positional-arg-name:"match-id"`
	} `positional-args:"yes" required:"yes"`
}

func (c *selectCmd) Execute([]string) error {
	lib, _, err := c.app.library()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(c.app.ctx, c.app.cfg.RequestTimeout)
	defer cancel()
	data, err := lib.GetMatch(ctx, c.Args.ID)
	if err != nil {
		return err
	}
	data = matchObject(data)
	if err := lib.StoreSelectedMatch(c.Args.ID, data); err != nil {
		return fmt.Errorf("remember match: %w", err)
	}
	if !c.NoPublish {
		if err := c.app.withMatch(func(ctx context.Context, m *match.Client) error {
			return m.SetMatchData(ctx, data)
		}); err != nil {
			return err
		}
	}
	c.app.printf("selected %s\n", c.Args.ID)
	return nil
}

type selectedCmd struct {
	app   *app
	Clear bool `long:"clear" description:"forget the remembered match"`
}

func (c *selectedCmd) Execute([]string) error {
	lib, _, err := c.app.library()
	if err != nil {
		return err
	}
	if c.Clear {
		return lib.ClearSelectedMatch()
	}
	id, data, ok, err := lib.SelectedMatch()
	if err != nil {
		return err
	}
	if !ok {
		c.app.printf("no match selected\n")
		return nil
	}
	c.app.printf("%s\n", id)
	return c.app.printJSON(data)
}

type apiKeyCmd struct {
	app  *app
	Test bool `long:"test" description:"check the key against the API"`
	Args struct {
		Key string `positional-arg-name:"key"`
	} `positional-args:"yes"`
}

func (c *apiKeyCmd) Execute([]string) error {
	lib, _, err := c.app.library()
	if err != nil {
		return err
	}
	if c.Args.Key != "" {
		if err := lib.SaveAPIKey(c.Args.Key); err != nil {
			return fmt.Errorf("save api key: %w", err)
		}
		c.app.printf("API key saved\n")
	}
	if c.Test {
		ctx, cancel := context.WithTimeout(c.app.ctx, c.app.cfg.RequestTimeout)
		defer cancel()
		ok, msg := lib.API().TestConnection(ctx)
		if !ok {
			return errors.New(msg)
		}
		c.app.printf("%s\n", msg)
		return nil
	}
	if c.Args.Key == "" {
		if lib.API().APIKey() == "" {
			c.app.printf("no API key configured\n")
		} else {
			c.app.printf("API key configured\n")
		}
	}
	return nil
}

type localCmd struct {
	Create localCreateCmd `command:"create" description:"Create or replace the local match"`
	Show   localShowCmd   `command:"show" description:"Print the local match"`
	Delete localDeleteCmd `command:"delete" description:"Delete the local match"`
}

type localCreateCmd struct {
	app        *app
	Date       string `long:"date" description:"match date, YYYY-MM-DD"`
	Time       string `long:"time" description:"start time, HH:MM"`
	HomeTeamID string `long:"home-team" description:"Torneopal id of the home team"`
	Away       string `long:"away" description:"away team name"`
	AwayLogo   string `long:"away-logo" description:"away team crest URL"`
	Venue      string `long:"venue" description:"venue name"`
	Category   string `long:"category" description:"category name"`
}

func (c *localCreateCmd) Execute([]string) error {
	lib, _, err := c.app.library()
	if err != nil {
		return err
	}
	in := torneopal.LocalMatchInput{
		Date:         c.Date,
		Time:         c.Time,
		HomeTeamID:   c.HomeTeamID,
		AwayTeamName: c.Away,
		AwayTeamLogo: c.AwayLogo,
		Venue:        c.Venue,
		Category:     c.Category,
	}
	if c.HomeTeamID != "" {
		ctx, cancel := context.WithTimeout(c.app.ctx, c.app.cfg.RequestTimeout)
		defer cancel()
		team, err := lib.API().GetTeam(ctx, c.HomeTeamID)
		if err != nil {
			return fmt.Errorf("load home team: %w", err)
		}
		var wrapper struct {
			Team map[string]any `json:"team"`
		}
		if err := json.Unmarshal(team, &wrapper); err == nil && wrapper.Team != nil {
			in.HomeTeamData = wrapper.Team
		}
	}
	m, err := lib.CreateLocalMatch(in)
	if err != nil {
		return err
	}
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return c.app.printJSON(b)
}

type localShowCmd struct{ app *app }

func (c *localShowCmd) Execute([]string) error {
	lib, _, err := c.app.library()
	if err != nil {
		return err
	}
	m, ok, err := lib.LocalMatch(torneopal.LocalMatchID)
	if err != nil {
		return err
	}
	if !ok {
		return torneopal.ErrLocalMatchNotFound
	}
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return c.app.printJSON(b)
}

type localDeleteCmd struct{ app *app }

func (c *localDeleteCmd) Execute([]string) error {
	lib, _, err := c.app.library()
	if err != nil {
		return err
	}
	ok, err := lib.DeleteLocalMatch(torneopal.LocalMatchID)
	if err != nil {
		return err
	}
	if ok {
		c.app.printf("local match deleted\n")
	} else {
		c.app.printf("no local match\n")
	}
	return nil
}
