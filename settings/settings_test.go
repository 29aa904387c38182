package settings

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"keyharvest/domain"
	"keyharvest/funpay"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "nope.ini"))
	if err != nil {
		t.Fatal(err)
	}
	if s != Default() {
		t.Fatalf("got=%+v want=%+v", s, Default())
	}
	if s.UserAgent != funpay.DefaultUserAgent || s.MinDelaySec != 2 || s.MaxDelaySec != 5 {
		t.Fatalf("unexpected defaults: %+v", s)
	}
}

func TestLoadPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.ini")
	writeFile(t, path, "[FunPay]\ngolden_key = abcdef0123456789\n\n[Safety]\nmax_delay_sec = 7.5\npage_limit = 3\norder_limit = oops\n")

	s, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if s.GoldenKey != "abcdef0123456789" {
		t.Fatalf("golden key=%q", s.GoldenKey)
	}
	if s.UserAgent != funpay.DefaultUserAgent {
		t.Fatalf("user agent=%q", s.UserAgent)
	}
	if s.MinDelaySec != 2 || s.MaxDelaySec != 7.5 || s.PageLimit != 3 || s.OrderLimit != 0 {
		t.Fatalf("unexpected safety values: %+v", s)
	}
	if s.MaxDelay() != 7500*time.Millisecond {
		t.Fatalf("max delay=%s", s.MaxDelay())
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.ini")
	want := Settings{
		GoldenKey:      "gk-1234567890",
		UserAgent:      "test-agent/1.0",
		MinDelaySec:    1.5,
		MaxDelaySec:    3,
		OrderLimit:     10,
		PageLimit:      2,
		MaxPageRetries: 4,
	}
	if err := Save(path, want); err != nil {
		t.Fatal(err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Fatalf("got=%+v want=%+v", got, want)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range []string{"[FunPay]", "[Safety]", "min_delay_sec", "page_limit"} {
		if !strings.Contains(string(b), s) {
			t.Fatalf("saved file lacks %q:\n%s", s, b)
		}
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name  string
		mut   func(*Settings)
		field string
	}{
		{"negative min", func(s *Settings) { s.MinDelaySec = -1 }, "min_delay_sec"},
		{"inverted", func(s *Settings) { s.MinDelaySec, s.MaxDelaySec = 5, 2 }, "max_delay_sec"},
		{"order limit", func(s *Settings) { s.OrderLimit = -1 }, "order_limit"},
		{"page limit", func(s *Settings) { s.PageLimit = -2 }, "page_limit"},
		{"retries", func(s *Settings) { s.MaxPageRetries = -1 }, "max_page_retries"},
	}
	for _, tc := range cases {
		s := Default()
		tc.mut(&s)
		err := s.Validate()
		ve, ok := err.(*domain.ValidationError)
		if !ok || ve.Field != tc.field {
			t.Fatalf("%s: err=%v", tc.name, err)
		}
	}
	if err := Default().Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
}

func TestRequireCredentials(t *testing.T) {
	s := Default()
	if !domain.IsValidation(s.RequireCredentials()) {
		t.Fatal("empty key accepted")
	}
	s.GoldenKey = "ВАШ_GOLDEN_KEY_СЮДА"
	if !domain.IsValidation(s.RequireCredentials()) {
		t.Fatal("placeholder accepted")
	}
	s.GoldenKey = "0123456789abcdef"
	if err := s.RequireCredentials(); err != nil {
		t.Fatal(err)
	}
}

func TestSanitizeUserAgent(t *testing.T) {
	if got := SanitizeUserAgent("Mozilla/5.0 (Браузер) Test"); got != "Mozilla/5.0 () Test" {
		t.Fatalf("got=%q", got)
	}
	if got := SanitizeUserAgent("Браузер"); got != funpay.DefaultUserAgent {
		t.Fatalf("got=%q", got)
	}
	if got := SanitizeUserAgent(""); got != funpay.DefaultUserAgent {
		t.Fatalf("got=%q", got)
	}
}

func TestMaskKey(t *testing.T) {
	if got := MaskKey("0123456789abcdef"); got != "0123456789..." {
		t.Fatalf("got=%q", got)
	}
	if got := MaskKey("short"); got != "*****" {
		t.Fatalf("got=%q", got)
	}
	s := Settings{GoldenKey: "0123456789abcdef"}
	if s.Masked().GoldenKey == s.GoldenKey {
		t.Fatal("masked copy leaks the key")
	}
}

func TestDiagnose(t *testing.T) {
	dir := t.TempDir()

	missing := Diagnose(filepath.Join(dir, "none.ini"))
	if len(missing) != 1 || missing[0].Level != LevelWarn || !Healthy(missing) {
		t.Fatalf("missing file: %+v", missing)
	}

	bad := filepath.Join(dir, "bad.ini")
	writeFile(t, bad, "[FunPay]\ngolden_key = ВАШ_GOLDEN_KEY_СЮДА\nuser_agent = Агент/1.0\n[Safety]\nmin_delay_sec = two\n")
	findings := Diagnose(bad)
	if Healthy(findings) {
		t.Fatalf("expected errors: %+v", findings)
	}
	var msgs []string
	for _, f := range findings {
		msgs = append(msgs, string(f.Level)+": "+f.Message)
	}
	joined := strings.Join(msgs, "\n")
	for _, want := range []string{"error: golden_key still holds", "warn: user_agent contains non-ASCII", `error: min_delay_sec="two" is not a number`} {
		if !strings.Contains(joined, want) {
			t.Fatalf("missing %q in:\n%s", want, joined)
		}
	}

	good := filepath.Join(dir, "good.ini")
	s := Default()
	s.GoldenKey = "0123456789abcdef"
	if err := Save(good, s); err != nil {
		t.Fatal(err)
	}
	if f := Diagnose(good); !Healthy(f) {
		t.Fatalf("expected healthy: %+v", f)
	}
}

func TestLoadKeepsSemicolonsInUserAgent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.ini")
	writeFile(t, path, "[FunPay]\ngolden_key = k\nuser_agent = "+funpay.DefaultUserAgent+"\n")
	s, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if s.UserAgent != funpay.DefaultUserAgent {
		t.Fatalf("user agent=%q", s.UserAgent)
	}
}
