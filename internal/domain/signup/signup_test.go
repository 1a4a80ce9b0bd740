package signup

import (
	"reflect"
	"testing"

	"github.com/kr/pretty"
)

func TestDecodeStreamLine(t *testing.T) {
	t.Parallel()

	line := []byte(`{"t":"signup","username":"Fresh","email":"f@e","ip":"1.2.3.4",` +
		`"userAgent":"Mozilla/5.0","fingerPrint":"abc","suspIp":true}`)
	u, err := DecodeStreamLine(line)
	if err != nil {
		t.Fatalf("DecodeStreamLine: %v", err)
	}
	want := &User{
		Username:    "Fresh",
		Email:       "f@e",
		IP:          "1.2.3.4",
		UserAgent:   "Mozilla/5.0",
		FingerPrint: "abc",
		SuspIP:      true,
	}
	if !reflect.DeepEqual(u, want) {
		t.Errorf("decoded user differs: %v", pretty.Diff(want, u))
	}

	for _, bad := range []string{
		`not json`,
		`{"t":"teamJoin","username":"x"}`,
		`{"t":"signup","email":"no-name@e"}`,
	} {
		if _, err := DecodeStreamLine([]byte(bad)); err == nil {
			t.Errorf("DecodeStreamLine(%q) accepted", bad)
		}
	}
}

func TestKeyUsername(t *testing.T) {
	t.Parallel()

	u := &User{Username: "MiXeD"}
	if got := u.KeyUsername(); got != "mixed" {
		t.Errorf("KeyUsername = %q", got)
	}
}

func TestParseUserAgentSpecialFormats(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		ua   string
		want DeviceInfo
	}{
		{
			name: "bot prefix",
			ua:   "lichess-bot/2.1.0 user:somebot",
			want: DeviceInfo{Device: "Computer", OS: "Other", Client: "lichess-bot 2.1.0"},
		},
		{
			name: "mobile long form",
			ua:   "Lichess Mobile/0.15.3 (1234) as:anon sri:abcd os:Android/14 dev:Pixel 8",
			want: DeviceInfo{Device: "Pixel 8", OS: "Android 14", Client: "Lichess Mobile 0.15.3"},
		},
		{
			name: "mobile long form ios",
			ua:   "Lichess Mobile/0.16.0 as:user sri:xyz os:iOS/17.4 dev:iPhone15,2",
			want: DeviceInfo{Device: "iPhone15,2", OS: "iOS 17.4", Client: "Lichess Mobile 0.16.0"},
		},
		{
			name: "mobile trimmed form",
			ua:   "LM/0.15.3 Android/14 Pixel 8",
			want: DeviceInfo{Device: "Pixel 8", OS: "Android 14", Client: "Lichess Mobile 0.15.3"},
		},
	}
	for _, tc := range tests {
		if got := ParseUserAgent(tc.ua, nil); got != tc.want {
			t.Errorf("%s: ParseUserAgent = %+v, want %+v", tc.name, got, tc.want)
		}
	}
}

func TestParseUserAgentUnknownWithoutFallback(t *testing.T) {
	t.Parallel()

	if got := ParseUserAgent("Mozilla/5.0 (X11; Linux x86_64)", nil); got != (DeviceInfo{}) {
		t.Errorf("unknown ua without fallback = %+v, want empty", got)
	}
}

func TestEnrichSkipsPresentFields(t *testing.T) {
	t.Parallel()

	e := NewEnricher(nil, nil)

	existing := &GeoInfo{Country: "Already"}
	u := &User{Username: "x", IP: "1.2.3.4", UserAgent: "LM/1.0 iOS/17 iPhone", GeoIP: existing}
	e.Enrich(u)

	if u.GeoIP != existing {
		t.Error("existing geoip overwritten")
	}
	if u.Device == nil || u.Device.OS != "iOS 17" {
		t.Errorf("device = %+v", u.Device)
	}

	// Повторное обогащение не трогает уже заполненный Device.
	before := u.Device
	e.Enrich(u)
	if u.Device != before {
		t.Error("device overwritten on second enrich")
	}
}
