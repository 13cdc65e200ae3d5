package app

import (
	"reflect"
	"testing"
	"time"
)

func TestParseDevTokens(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want map[string]string
	}{
		{name: "empty", in: "", want: nil},
		{name: "single", in: "tok1:acct1", want: map[string]string{"tok1": "acct1"}},
		{name: "multiple with spaces", in: " tok1:acct1 , tok2:acct2 ", want: map[string]string{"tok1": "acct1", "tok2": "acct2"}},
		{name: "malformed entries skipped", in: "tok1:acct1,broken,:acct2,tok3:", want: map[string]string{"tok1": "acct1"}},
		{name: "all malformed", in: "broken,also-broken", want: nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := parseDevTokens(tc.in); !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("parseDevTokens(%q)=%v want=%v", tc.in, got, tc.want)
			}
		})
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg := LoadConfig()

	if cfg.HTTPAddr != "0.0.0.0:8080" {
		t.Fatalf("addr default: %q", cfg.HTTPAddr)
	}
	if cfg.TicketTTL != 30*time.Second {
		t.Fatalf("ticket ttl default: %v", cfg.TicketTTL)
	}
	if cfg.DBSchema != "chatwire" {
		t.Fatalf("schema default: %q", cfg.DBSchema)
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("CHATWIRE_HTTP_ADDR", "127.0.0.1:9999")
	t.Setenv("CHATWIRE_TICKET_TTL", "90s")
	t.Setenv("CHATWIRE_DEV_TOKENS", "tok:acct")

	cfg := LoadConfig()
	if cfg.HTTPAddr != "127.0.0.1:9999" {
		t.Fatalf("addr: %q", cfg.HTTPAddr)
	}
	if cfg.TicketTTL != 90*time.Second {
		t.Fatalf("ticket ttl: %v", cfg.TicketTTL)
	}
	if cfg.DevTokens["tok"] != "acct" {
		t.Fatalf("dev tokens: %v", cfg.DevTokens)
	}
}
