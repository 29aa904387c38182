// Package settings loads and saves the flat INI file holding the marketplace
// credentials and the safety knobs of a run.
package settings

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/ini.v1"

	"keyharvest/domain"
	"keyharvest/funpay"
)

const (
	DefaultFile = "config.ini"

	sectionFunPay = "FunPay"
	sectionSafety = "Safety"
)

// The file is shared with configparser-style tools, which have no inline
// comments: a user agent like "(Windows NT 10.0; Win64; x64)" must survive.
var loadOptions = ini.LoadOptions{IgnoreInlineComment: true}

// placeholderKeys are template values shipped in sample configs.
var placeholderKeys = []string{"ВАШ_GOLDEN_KEY_СЮДА", "YOUR_GOLDEN_KEY_HERE"}

type Settings struct {
	GoldenKey string `json:"golden_key"`
	UserAgent string `json:"user_agent"`

	MinDelaySec    float64 `json:"min_delay_sec"`
	MaxDelaySec    float64 `json:"max_delay_sec"`
	OrderLimit     int     `json:"order_limit"`
	PageLimit      int     `json:"page_limit"`
	MaxPageRetries int     `json:"max_page_retries"`
}

func Default() Settings {
	return Settings{
		UserAgent:   funpay.DefaultUserAgent,
		MinDelaySec: 2,
		MaxDelaySec: 5,
	}
}

// Load reads path. A missing file, section or key falls back to Default; a
// value that does not parse as a number also falls back (Diagnose reports it).
func Load(path string) (Settings, error) {
	s := Default()
	f, err := ini.LoadSources(loadOptions, path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return s, nil
		}
		return s, fmt.Errorf("load settings %s: %w", path, err)
	}

	fp := f.Section(sectionFunPay)
	s.GoldenKey = strings.TrimSpace(fp.Key("golden_key").String())
	if ua := strings.TrimSpace(fp.Key("user_agent").String()); ua != "" {
		s.UserAgent = ua
	}

	sf := f.Section(sectionSafety)
	s.MinDelaySec = sf.Key("min_delay_sec").MustFloat64(s.MinDelaySec)
	s.MaxDelaySec = sf.Key("max_delay_sec").MustFloat64(s.MaxDelaySec)
	s.OrderLimit = sf.Key("order_limit").MustInt(s.OrderLimit)
	s.PageLimit = sf.Key("page_limit").MustInt(s.PageLimit)
	s.MaxPageRetries = sf.Key("max_page_retries").MustInt(s.MaxPageRetries)
	return s, nil
}

// Save writes s to path, creating the parent directory when needed.
func Save(path string, s Settings) error {
	f := ini.Empty(loadOptions)
	fp, err := f.NewSection(sectionFunPay)
	if err != nil {
		return err
	}
	fp.Key("golden_key").SetValue(s.GoldenKey)
	fp.Key("user_agent").SetValue(s.UserAgent)

	sf, err := f.NewSection(sectionSafety)
	if err != nil {
		return err
	}
	sf.Key("min_delay_sec").SetValue(formatFloat(s.MinDelaySec))
	sf.Key("max_delay_sec").SetValue(formatFloat(s.MaxDelaySec))
	sf.Key("order_limit").SetValue(strconv.Itoa(s.OrderLimit))
	sf.Key("page_limit").SetValue(strconv.Itoa(s.PageLimit))
	sf.Key("max_page_retries").SetValue(strconv.Itoa(s.MaxPageRetries))

	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := path + ".tmp"
	if err := f.SaveTo(tmp); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	if err := os.Chmod(tmp, 0o600); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Validate checks the safety knobs. It does not require a golden key; use
// RequireCredentials before talking to the marketplace.
func (s Settings) Validate() error {
	if s.MinDelaySec < 0 {
		return domain.Invalid("min_delay_sec", "must not be negative")
	}
	if s.MaxDelaySec < s.MinDelaySec {
		return domain.Invalid("max_delay_sec", "must be >= min_delay_sec")
	}
	if s.OrderLimit < 0 {
		return domain.Invalid("order_limit", "must not be negative")
	}
	if s.PageLimit < 0 {
		return domain.Invalid("page_limit", "must not be negative")
	}
	if s.MaxPageRetries < 0 {
		return domain.Invalid("max_page_retries", "must not be negative")
	}
	return nil
}

func (s Settings) RequireCredentials() error {
	key := strings.TrimSpace(s.GoldenKey)
	if key == "" {
		return domain.Invalid("golden_key", "is required")
	}
	if isPlaceholder(key) {
		return domain.Invalid("golden_key", "still holds the template placeholder")
	}
	return nil
}

func isPlaceholder(key string) bool {
	for _, p := range placeholderKeys {
		if strings.Contains(key, p) {
			return true
		}
	}
	return false
}

// SanitizedUserAgent drops non-ASCII characters, which cannot travel in an
// HTTP header, and falls back to the default agent when nothing is left.
func (s Settings) SanitizedUserAgent() string {
	return SanitizeUserAgent(s.UserAgent)
}

func SanitizeUserAgent(ua string) string {
	var b strings.Builder
	for _, r := range ua {
		if r < 0x80 {
			b.WriteRune(r)
		}
	}
	out := strings.TrimSpace(b.String())
	if out == "" {
		return funpay.DefaultUserAgent
	}
	return out
}

func (s Settings) MinDelay() time.Duration { return seconds(s.MinDelaySec) }
func (s Settings) MaxDelay() time.Duration { return seconds(s.MaxDelaySec) }

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

// Masked returns a copy safe to show: only the first characters of the
// golden key are kept.
func (s Settings) Masked() Settings {
	s.GoldenKey = MaskKey(s.GoldenKey)
	return s
}

func MaskKey(key string) string {
	r := []rune(key)
	if len(r) == 0 {
		return ""
	}
	if len(r) <= 10 {
		return strings.Repeat("*", len(r))
	}
	return string(r[:10]) + "..."
}
