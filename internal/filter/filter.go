// Package filter decides whether a decomposed message is forwarded, based
// on keyword and author lists.
package filter

import (
	"fmt"
	"strings"

	"github.com/nhle/mailgram/internal/mime"
)

// Mode selects how the whitelist and blacklist are combined.
type Mode string

const (
	ModeDisabled  Mode = "disabled"
	ModeWhitelist Mode = "whitelist"
	ModeBlacklist Mode = "blacklist"
	ModeCombined  Mode = "combined"
)

// ParseMode validates a configured mode. An empty string means disabled.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "", ModeDisabled:
		return ModeDisabled, nil
	case ModeWhitelist, ModeBlacklist, ModeCombined:
		return m, nil
	default:
		return "", fmt.Errorf("unknown filter mode %q", s)
	}
}

// Rules is the filter configuration for one account.
type Rules struct {
	Mode              Mode
	WhitelistKeywords []string
	BlacklistKeywords []string
	WhitelistAuthors  []string
	BlacklistAuthors  []string
}

// Filter matches messages against lowercased rules.
type Filter struct {
	mode  Mode
	white list
	black list
}

type list struct {
	keywords []string
	authors  []string
}

func (l list) empty() bool {
	return len(l.keywords) == 0 && len(l.authors) == 0
}

// matches reports whether any keyword occurs in text or any author
// fragment occurs in from. Both inputs are already lowercased.
func (l list) matches(text, from string) bool {
	for _, kw := range l.keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	for _, a := range l.authors {
		if strings.Contains(from, a) {
			return true
		}
	}
	return false
}

// New builds a Filter. Matching is case-insensitive substring matching.
func New(r Rules) *Filter {
	mode := r.Mode
	if mode == "" {
		mode = ModeDisabled
	}
	return &Filter{
		mode:  mode,
		white: list{keywords: normalize(r.WhitelistKeywords), authors: normalize(r.WhitelistAuthors)},
		black: list{keywords: normalize(r.BlacklistKeywords), authors: normalize(r.BlacklistAuthors)},
	}
}

func normalize(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Allow reports whether msg should be forwarded, and if not, which rule
// rejected it.
func (f *Filter) Allow(msg *mime.ForwardableMessage) (bool, string) {
	if f == nil || f.mode == ModeDisabled {
		return true, ""
	}

	body := msg.TextBody
	if body == "" && msg.HTMLBody != "" {
		body = mime.PlainText(msg.HTMLBody)
	}
	text := strings.ToLower(msg.Subject + " " + body)
	from := strings.ToLower(msg.From)

	switch f.mode {
	case ModeWhitelist:
		if !f.white.matches(text, from) {
			return false, "not whitelisted"
		}
	case ModeBlacklist:
		if f.black.matches(text, from) {
			return false, "blacklisted"
		}
	case ModeCombined:
		// An empty whitelist lets everything through to the blacklist.
		if !f.white.empty() && !f.white.matches(text, from) {
			return false, "not whitelisted"
		}
		if f.black.matches(text, from) {
			return false, "blacklisted"
		}
	}
	return true, ""
}
