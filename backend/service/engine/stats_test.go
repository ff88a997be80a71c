package engine

import (
	"testing"

	"github.com/tidwall/gjson"
)

func TestInjectStatsAPI_AddsSectionsAndLeadingRule(t *testing.T) {
	t.Parallel()

	doc := []byte(`{"inbounds":[{"tag":"socks","protocol":"socks","port":10808}],
		"outbounds":[{"tag":"proxy","protocol":"vmess"}],
		"routing":{"rules":[{"type":"field","outboundTag":"proxy","domain":["geosite:netflix"]}]}}`)

	out, err := injectStatsAPI(doc, 10085)
	if err != nil {
		t.Fatalf("injectStatsAPI() error: %v", err)
	}
	res := gjson.ParseBytes(out)
	if !res.Get("stats").IsObject() {
		t.Fatalf("expected stats object")
	}
	if got := res.Get("api.services.0").String(); got != "StatsService" {
		t.Fatalf("unexpected api services %q", got)
	}
	if !res.Get("policy.system.statsOutboundUplink").Bool() || !res.Get("policy.system.statsOutboundDownlink").Bool() {
		t.Fatalf("expected outbound stats policy")
	}
	if got := res.Get(`inbounds.#(tag=="api").port`).Int(); got != 10085 {
		t.Fatalf("unexpected api inbound port %d", got)
	}
	if got := res.Get("routing.rules.0.outboundTag").String(); got != "api" {
		t.Fatalf("api rule must come first, got %q", got)
	}
	if got := res.Get("routing.rules.1.domain.0").String(); got != "geosite:netflix" {
		t.Fatalf("original rules must follow, got %q", got)
	}
	if got := res.Get("inbounds.#").Int(); got != 2 {
		t.Fatalf("expected 2 inbounds, got %d", got)
	}

	again, err := injectStatsAPI(out, 10085)
	if err != nil {
		t.Fatalf("second injectStatsAPI() error: %v", err)
	}
	if string(again) != string(out) {
		t.Fatalf("injection must be idempotent")
	}
}

func TestParseStatValue(t *testing.T) {
	t.Parallel()

	cases := map[string]int64{
		`{"stat":{"name":"outbound>>>proxy>>>traffic>>>uplink","value":"1234"}}`: 1234,
		`{"stat":{"name":"x","value":42}}`:                                       42,
		`{"stat":{"name":"x"}}`:                                                  0,
		`not json`:                                                               0,
	}
	for in, want := range cases {
		if got := parseStatValue([]byte(in)); got != want {
			t.Fatalf("parseStatValue(%s) = %d, want %d", in, got, want)
		}
	}
}

func TestSocksPort(t *testing.T) {
	t.Parallel()

	doc := []byte(`{"inbounds":[{"protocol":"http","port":10809},{"protocol":"socks","port":10808}]}`)
	if got := socksPort(doc); got != 10808 {
		t.Fatalf("socksPort() = %d", got)
	}
	if got := socksPort([]byte(`{"inbounds":[]}`)); got != 0 {
		t.Fatalf("expected 0 without socks inbound, got %d", got)
	}
}

func TestStatName(t *testing.T) {
	t.Parallel()

	if got := StatName("proxy", "downlink"); got != "outbound>>>proxy>>>traffic>>>downlink" {
		t.Fatalf("StatName() = %q", got)
	}
}
