package settings

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"gopkg.in/ini.v1"
)

type Level string

const (
	LevelOK    Level = "ok"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

type Finding struct {
	Level   Level  `json:"level"`
	Message string `json:"message"`
}

// Diagnose inspects the settings file at path without changing it.
func Diagnose(path string) []Finding {
	var out []Finding
	add := func(l Level, format string, args ...any) {
		out = append(out, Finding{Level: l, Message: fmt.Sprintf(format, args...)})
	}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			add(LevelWarn, "settings file %s not found (it is created on first save)", path)
			return out
		}
		add(LevelError, "settings file %s: %v", path, err)
		return out
	}
	add(LevelOK, "settings file %s found", path)

	f, err := ini.LoadSources(loadOptions, path)
	if err != nil {
		add(LevelError, "cannot parse settings: %v", err)
		return out
	}
	var sections []string
	for _, name := range f.SectionStrings() {
		if name != ini.DefaultSection {
			sections = append(sections, name)
		}
	}
	add(LevelOK, "sections: %s", strings.Join(sections, ", "))

	if !f.HasSection(sectionFunPay) {
		add(LevelError, "section [%s] is missing", sectionFunPay)
	} else {
		fp := f.Section(sectionFunPay)
		key := strings.TrimSpace(fp.Key("golden_key").String())
		switch {
		case key == "":
			add(LevelError, "golden_key is not set")
		case isPlaceholder(key):
			add(LevelError, "golden_key still holds the template placeholder")
		default:
			add(LevelOK, "golden_key is set (%s)", MaskKey(key))
		}

		ua := strings.TrimSpace(fp.Key("user_agent").String())
		switch {
		case ua == "":
			add(LevelWarn, "user_agent is not set, the default browser agent is used")
		case SanitizeUserAgent(ua) != ua:
			add(LevelWarn, "user_agent contains non-ASCII characters; they are dropped before sending")
		default:
			add(LevelOK, "user_agent contains only ASCII characters")
		}
	}

	if !f.HasSection(sectionSafety) {
		add(LevelWarn, "section [%s] is missing, defaults are used", sectionSafety)
	} else {
		sf := f.Section(sectionSafety)
		for _, k := range []string{"min_delay_sec", "max_delay_sec"} {
			if sf.HasKey(k) {
				if _, err := sf.Key(k).Float64(); err != nil {
					add(LevelError, "%s=%q is not a number", k, sf.Key(k).String())
				}
			}
		}
		for _, k := range []string{"order_limit", "page_limit", "max_page_retries"} {
			if sf.HasKey(k) {
				if _, err := sf.Key(k).Int(); err != nil {
					add(LevelError, "%s=%q is not an integer", k, sf.Key(k).String())
				}
			}
		}
	}

	s, err := Load(path)
	if err != nil {
		add(LevelError, "%v", err)
		return out
	}
	if err := s.Validate(); err != nil {
		add(LevelError, "%v", err)
	} else {
		add(LevelOK, "delays: %s-%s sec", formatFloat(s.MinDelaySec), formatFloat(s.MaxDelaySec))
	}
	return out
}

// Healthy reports whether no finding is an error.
func Healthy(findings []Finding) bool {
	for _, f := range findings {
		if f.Level == LevelError {
			return false
		}
	}
	return true
}
