package email

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
)

// DefaultSearch forwards unread messages.
const DefaultSearch = "UNSEEN"

// imapDateLayout is the RFC 3501 date format used by SINCE/BEFORE/ON.
const imapDateLayout = "2-Jan-2006"

// SearchTemplate is a compiled IMAP SEARCH expression. It may reference the
// cursor through ${lastUID} (last forwarded UID) or ${nextUID} (lastUID+1).
type SearchTemplate struct {
	raw string
}

// ParseSearchTemplate validates a search expression such as
// `(UID ${lastUID}:* UNSEEN)` or `OR FROM "boss" SUBJECT "urgent"`.
func ParseSearchTemplate(raw string) (*SearchTemplate, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = DefaultSearch
	}
	t := &SearchTemplate{raw: raw}
	if _, err := t.Criteria(1); err != nil {
		return nil, err
	}
	return t, nil
}

// String returns the template as configured.
func (t *SearchTemplate) String() string {
	return t.raw
}

// Criteria expands the template for the given cursor and ANDs it with
// `UID after+1:*`, so results never include already forwarded messages.
func (t *SearchTemplate) Criteria(after uint32) (*imap.SearchCriteria, error) {
	expanded := expandCursor(t.raw, after)

	p := &searchParser{tokens: tokenizeSearch(expanded)}
	criteria := &imap.SearchCriteria{}
	for !p.done() {
		if err := p.parseKey(criteria); err != nil {
			return nil, fmt.Errorf("parsing search %q: %w", t.raw, err)
		}
	}

	var bound imap.UIDSet
	bound.AddRange(imap.UID(after+1), 0)
	criteria.UID = append(criteria.UID, bound)

	return criteria, nil
}

// expandCursor substitutes cursor placeholders case-insensitively.
func expandCursor(raw string, after uint32) string {
	replacements := map[string]string{
		"${lastuid}": strconv.FormatUint(uint64(after), 10),
		"${nextuid}": strconv.FormatUint(uint64(after)+1, 10),
	}
	lower := strings.ToLower(raw)
	var b strings.Builder
	for i := 0; i < len(raw); {
		matched := false
		for placeholder, value := range replacements {
			if strings.HasPrefix(lower[i:], placeholder) {
				b.WriteString(value)
				i += len(placeholder)
				matched = true
				break
			}
		}
		if !matched {
			b.WriteByte(raw[i])
			i++
		}
	}
	return b.String()
}

type searchToken struct {
	value  string
	quoted bool
}

// tokenizeSearch splits a search expression into atoms, quoted strings and
// parentheses.
func tokenizeSearch(s string) []searchToken {
	var tokens []searchToken
	for i := 0; i < len(s); {
		switch c := s[i]; {
		case c == ' ' || c == '\t' || c == '\r' || c == '\n':
			i++
		case c == '(' || c == ')':
			tokens = append(tokens, searchToken{value: string(c)})
			i++
		case c == '"':
			var b strings.Builder
			i++
			for i < len(s) && s[i] != '"' {
				if s[i] == '\\' && i+1 < len(s) {
					i++
				}
				b.WriteByte(s[i])
				i++
			}
			i++ // closing quote
			tokens = append(tokens, searchToken{value: b.String(), quoted: true})
		default:
			start := i
			for i < len(s) && !strings.ContainsRune(" \t\r\n()\"", rune(s[i])) {
				i++
			}
			tokens = append(tokens, searchToken{value: s[start:i]})
		}
	}
	return tokens
}

type searchParser struct {
	tokens []searchToken
	pos    int
}

func (p *searchParser) done() bool {
	return p.pos >= len(p.tokens)
}

func (p *searchParser) next() (searchToken, error) {
	if p.done() {
		return searchToken{}, fmt.Errorf("unexpected end of expression")
	}
	tok := p.tokens[p.pos]
	p.pos++
	return tok, nil
}

func (p *searchParser) arg(key string) (string, error) {
	tok, err := p.next()
	if err != nil {
		return "", fmt.Errorf("%s: missing argument", key)
	}
	return tok.value, nil
}

func (p *searchParser) dateArg(key string) (time.Time, error) {
	s, err := p.arg(key)
	if err != nil {
		return time.Time{}, err
	}
	d, err := time.Parse(imapDateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: invalid date %q", key, s)
	}
	return d, nil
}

func (p *searchParser) numArg(key string) (int64, error) {
	s, err := p.arg(key)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s: invalid number %q", key, s)
	}
	return n, nil
}

// parseKey parses one search key and ANDs it into c.
func (p *searchParser) parseKey(c *imap.SearchCriteria) error {
	tok, err := p.next()
	if err != nil {
		return err
	}
	if tok.quoted {
		return fmt.Errorf("unexpected string %q", tok.value)
	}

	if tok.value == "(" {
		for {
			if p.done() {
				return fmt.Errorf("missing closing parenthesis")
			}
			if p.tokens[p.pos].value == ")" && !p.tokens[p.pos].quoted {
				p.pos++
				return nil
			}
			if err := p.parseKey(c); err != nil {
				return err
			}
		}
	}

	key := strings.ToUpper(tok.value)
	switch key {
	case ")":
		return fmt.Errorf("unexpected closing parenthesis")
	case "ALL":
	case "SEEN", "ANSWERED", "FLAGGED", "DELETED", "DRAFT":
		c.Flag = append(c.Flag, systemFlag(key))
	case "UNSEEN", "UNANSWERED", "UNFLAGGED", "UNDELETED", "UNDRAFT":
		c.NotFlag = append(c.NotFlag, systemFlag(strings.TrimPrefix(key, "UN")))
	case "KEYWORD", "UNKEYWORD":
		v, err := p.arg(key)
		if err != nil {
			return err
		}
		if key == "KEYWORD" {
			c.Flag = append(c.Flag, imap.Flag(v))
		} else {
			c.NotFlag = append(c.NotFlag, imap.Flag(v))
		}
	case "FROM", "TO", "CC", "BCC", "SUBJECT":
		v, err := p.arg(key)
		if err != nil {
			return err
		}
		c.Header = append(c.Header, imap.SearchCriteriaHeaderField{
			Key:   headerName(key),
			Value: v,
		})
	case "HEADER":
		field, err := p.arg(key)
		if err != nil {
			return err
		}
		v, err := p.arg(key)
		if err != nil {
			return err
		}
		c.Header = append(c.Header, imap.SearchCriteriaHeaderField{Key: field, Value: v})
	case "BODY":
		v, err := p.arg(key)
		if err != nil {
			return err
		}
		c.Body = append(c.Body, v)
	case "TEXT":
		v, err := p.arg(key)
		if err != nil {
			return err
		}
		c.Text = append(c.Text, v)
	case "SINCE", "BEFORE", "ON", "SENTSINCE", "SENTBEFORE", "SENTON":
		d, err := p.dateArg(key)
		if err != nil {
			return err
		}
		applyDate(c, key, d)
	case "LARGER", "SMALLER":
		n, err := p.numArg(key)
		if err != nil {
			return err
		}
		if key == "LARGER" {
			c.Larger = n
		} else {
			c.Smaller = n
		}
	case "UID":
		v, err := p.arg(key)
		if err != nil {
			return err
		}
		set, err := parseUIDSet(v)
		if err != nil {
			return err
		}
		c.UID = append(c.UID, set)
	case "NOT":
		var sub imap.SearchCriteria
		if err := p.parseKey(&sub); err != nil {
			return fmt.Errorf("NOT: %w", err)
		}
		c.Not = append(c.Not, sub)
	case "OR":
		var left, right imap.SearchCriteria
		if err := p.parseKey(&left); err != nil {
			return fmt.Errorf("OR: %w", err)
		}
		if err := p.parseKey(&right); err != nil {
			return fmt.Errorf("OR: %w", err)
		}
		c.Or = append(c.Or, [2]imap.SearchCriteria{left, right})
	default:
		return fmt.Errorf("unsupported search key %q", tok.value)
	}
	return nil
}

func systemFlag(key string) imap.Flag {
	switch key {
	case "SEEN":
		return imap.FlagSeen
	case "ANSWERED":
		return imap.FlagAnswered
	case "FLAGGED":
		return imap.FlagFlagged
	case "DELETED":
		return imap.FlagDeleted
	default:
		return imap.FlagDraft
	}
}

func headerName(key string) string {
	switch key {
	case "CC":
		return "Cc"
	case "BCC":
		return "Bcc"
	default:
		return key[:1] + strings.ToLower(key[1:])
	}
}

func applyDate(c *imap.SearchCriteria, key string, d time.Time) {
	switch key {
	case "SINCE":
		c.Since = d
	case "BEFORE":
		c.Before = d
	case "ON":
		c.Since = d
		c.Before = d.AddDate(0, 0, 1)
	case "SENTSINCE":
		c.SentSince = d
	case "SENTBEFORE":
		c.SentBefore = d
	case "SENTON":
		c.SentSince = d
		c.SentBefore = d.AddDate(0, 0, 1)
	}
}

// parseUIDSet parses "1:5,7,10:*". A "*" bound is encoded as 0, so a
// literal 0 (an unset cursor) is raised to 1, the lowest valid UID.
func parseUIDSet(s string) (imap.UIDSet, error) {
	var set imap.UIDSet
	for _, item := range strings.Split(s, ",") {
		lo, hi, isRange := strings.Cut(item, ":")
		start, err := parseUIDBound(lo)
		if err != nil {
			return nil, fmt.Errorf("UID %q: %w", s, err)
		}
		stop := start
		if isRange {
			if stop, err = parseUIDBound(hi); err != nil {
				return nil, fmt.Errorf("UID %q: %w", s, err)
			}
		}
		set.AddRange(start, stop)
	}
	return set, nil
}

func parseUIDBound(s string) (imap.UID, error) {
	if s == "*" {
		return 0, nil
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid UID %q", s)
	}
	if n == 0 {
		return 1, nil
	}
	return imap.UID(n), nil
}
