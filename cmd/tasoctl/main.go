package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	flags "github.com/jessevdk/go-flags"

	"github.com/gaspardpetit/obs-taso/internal/config"
	"github.com/gaspardpetit/obs-taso/internal/localstore"
	"github.com/gaspardpetit/obs-taso/internal/logx"
	"github.com/gaspardpetit/obs-taso/internal/match"
	"github.com/gaspardpetit/obs-taso/internal/session"
	"github.com/gaspardpetit/obs-taso/internal/torneopal"
)

// logOnce keeps the shared logger stable once sessions hold copies of it.
var logOnce sync.Once

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func main() {
	config.LoadDotEnv()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdin, os.Stdout)
	stop()
	if err != nil {
		var flagErr *flags.Error
		if errors.As(err, &flagErr) && flagErr.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, flagErr.Message)
			return
		}
		fmt.Fprintln(os.Stderr, "tasoctl:", err)
		os.Exit(1)
	}
}

// app carries what every command needs: the resolved config and the
// standard streams.
type app struct {
	ctx context.Context
	cfg config.ClientConfig
	in  io.Reader

	mu  sync.Mutex
	out io.Writer
}

// run resolves configuration with precedence defaults < file < env < flags
// and executes the selected command.
func run(ctx context.Context, args []string, in io.Reader, out io.Writer) error {
	a := &app{ctx: ctx, in: in, out: out}
	a.cfg.SetDefaults()
	if p, ok := config.ConfigFileFromArgs(args); ok {
		a.cfg.ConfigFile = p
	} else if p, ok := os.LookupEnv("CONFIG_FILE"); ok {
		a.cfg.ConfigFile = p
	}
	if a.cfg.ConfigFile != "" {
		if err := a.cfg.LoadFile(a.cfg.ConfigFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load config: %w", err)
		}
	}

	parser := flags.NewParser(&a.cfg, flags.HelpFlag|flags.PassDoubleDash)
	parser.Name = "tasoctl"
	parser.LongDescription = fmt.Sprintf("Floorball match control for the OBS broadcast endpoint (version=%s sha=%s date=%s).",
		version, buildSHA, buildDate)
	if err := addCommands(parser, a); err != nil {
		return err
	}
	parser.CommandHandler = func(cmd flags.Commander, args []string) error {
		if cmd == nil {
			return nil
		}
		logOnce.Do(func() { logx.Configure(a.cfg.LogLevel) })
		return cmd.Execute(args)
	}
	_, err := parser.ParseArgs(args)
	return err
}

func (a *app) printf(format string, args ...any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, _ = fmt.Fprintf(a.out, format, args...)
}

// newSession builds a session from the config. Reconnect is honoured only
// when the caller keeps the session open.
func (a *app) newSession(reconnect bool, onStatus func(session.Status)) *session.Session {
	return session.New(session.Options{
		Reconnect:         reconnect && a.cfg.Reconnect,
		ReconnectInterval: a.cfg.ReconnectInterval,
		ReconnectPolicy:   a.cfg.ReconnectPolicy,
		HandshakeTimeout:  a.cfg.RequestTimeout,
		OnStatus:          onStatus,
	})
}

func (a *app) connect(s *session.Session) error {
	ctx, cancel := context.WithTimeout(a.ctx, a.cfg.RequestTimeout)
	defer cancel()
	var opts []session.ConnectOption
	if a.cfg.HasPassword() {
		opts = append(opts, session.WithPassword(a.cfg.Password))
	}
	if err := s.Connect(ctx, a.cfg.URL, opts...); err != nil {
		return fmt.Errorf("connect %s: %w", a.cfg.URL, err)
	}
	return nil
}

// withMatch opens a short-lived session for one command.
func (a *app) withMatch(fn func(ctx context.Context, c *match.Client) error) error {
	s := a.newSession(false, nil)
	defer func() { _ = s.Close() }()
	if err := a.connect(s); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(a.ctx, a.cfg.RequestTimeout)
	defer cancel()
	return fn(ctx, match.NewClient(s))
}

func (a *app) openStore() (*localstore.Store, error) {
	return localstore.Open(a.cfg.StorePath)
}

func (a *app) library() (*torneopal.Library, *localstore.Store, error) {
	st, err := a.openStore()
	if err != nil {
		return nil, nil, err
	}
	api, err := torneopal.New(torneopal.Options{BaseURL: a.cfg.TorneopalURL, APIKey: a.cfg.APIKey})
	if err != nil {
		return nil, nil, err
	}
	lib, err := torneopal.NewLibrary(api, st)
	if err != nil {
		return nil, nil, err
	}
	return lib, st, nil
}
