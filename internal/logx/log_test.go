package logx_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/gaspardpetit/obs-taso/internal/logx"
	"github.com/rs/zerolog"
)

func TestConfigureLogLevel(t *testing.T) {
	defer logx.Configure("info")

	logx.Configure("all")
	if zerolog.GlobalLevel() != zerolog.TraceLevel {
		t.Fatalf("expected trace level, got %s", zerolog.GlobalLevel())
	}

	logx.Configure("WARNING")
	if zerolog.GlobalLevel() != zerolog.WarnLevel {
		t.Fatalf("expected warn level, got %s", zerolog.GlobalLevel())
	}

	logx.Configure("none")
	if zerolog.GlobalLevel() != zerolog.Disabled {
		t.Fatalf("expected disabled level, got %s", zerolog.GlobalLevel())
	}

	logx.Configure("bogus")
	if zerolog.GlobalLevel() != zerolog.InfoLevel {
		t.Fatalf("expected info level, got %s", zerolog.GlobalLevel())
	}
}

func TestComponentField(t *testing.T) {
	defer logx.Configure("info")
	logx.Configure("info")

	var buf bytes.Buffer
	logx.SetOutput(&buf)
	l := logx.Component("session")
	l.Info().Msg("hello")
	if !strings.Contains(buf.String(), `"component":"session"`) {
		t.Fatalf("component field missing: %s", buf.String())
	}
}
