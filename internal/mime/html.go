package mime

import (
	"html"
	"regexp"
	"strings"
	"unicode/utf8"

	nethtml "golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// telegramTags maps HTML elements to the tag Telegram's HTML parse mode
// accepts for them.
var telegramTags = map[atom.Atom]string{
	atom.B:          "b",
	atom.Strong:     "b",
	atom.I:          "i",
	atom.Em:         "i",
	atom.U:          "u",
	atom.Ins:        "u",
	atom.S:          "s",
	atom.Strike:     "s",
	atom.Del:        "s",
	atom.A:          "a",
	atom.Code:       "code",
	atom.Pre:        "pre",
	atom.Blockquote: "blockquote",
}

var blockElements = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Br: true, atom.Tr: true,
	atom.Table: true, atom.Ul: true, atom.Ol: true, atom.Li: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true,
	atom.H5: true, atom.H6: true, atom.Hr: true, atom.Section: true,
	atom.Article: true, atom.Header: true, atom.Footer: true,
}

var skippedElements = map[atom.Atom]bool{
	atom.Script: true, atom.Style: true, atom.Head: true, atom.Title: true,
}

// htmlCIDs returns content IDs referenced by src="cid:..." attributes.
func htmlCIDs(body string) []string {
	if body == "" {
		return nil
	}
	var cids []string
	z := nethtml.NewTokenizer(strings.NewReader(body))
	for {
		tt := z.Next()
		if tt == nethtml.ErrorToken {
			return cids
		}
		if tt != nethtml.StartTagToken && tt != nethtml.SelfClosingTagToken {
			continue
		}
		tok := z.Token()
		for _, a := range tok.Attr {
			if (a.Key == "src" || a.Key == "href") && hasCIDPrefix(a.Val) {
				cids = append(cids, strings.Trim(a.Val[4:], "<>"))
			}
		}
	}
}

func hasCIDPrefix(s string) bool {
	return len(s) > 4 && strings.EqualFold(s[:4], "cid:")
}

// RenderOptions controls how an HTML body is rendered for Telegram.
type RenderOptions struct {
	// InlineCIDs are delivered separately and are dropped from the body.
	InlineCIDs map[string]bool

	// Ignore drops images whose source matches, e.g. tracking pixels.
	Ignore []*regexp.Regexp
}

// RenderTelegramHTML reduces an email HTML body to the subset of tags the
// Telegram Bot API accepts. Other markup is flattened into text with line
// breaks for block elements. The result is always balanced.
func RenderTelegramHTML(body string, opts RenderOptions) string {
	r := &renderer{opts: opts}
	z := nethtml.NewTokenizer(strings.NewReader(body))

	for {
		tt := z.Next()
		switch tt {
		case nethtml.ErrorToken:
			r.closeAll()
			return tidy(r.b.String())
		case nethtml.TextToken:
			if r.skip == 0 {
				r.text(string(z.Text()))
			}
		case nethtml.StartTagToken, nethtml.SelfClosingTagToken:
			tok := z.Token()
			if skippedElements[tok.DataAtom] {
				if tt == nethtml.StartTagToken {
					r.skip++
				}
				continue
			}
			if r.skip == 0 {
				r.start(tok, tt == nethtml.SelfClosingTagToken)
			}
		case nethtml.EndTagToken:
			tok := z.Token()
			if skippedElements[tok.DataAtom] {
				if r.skip > 0 {
					r.skip--
				}
				continue
			}
			if r.skip == 0 {
				r.end(tok)
			}
		}
	}
}

type renderer struct {
	opts  RenderOptions
	b     strings.Builder
	stack []string
	skip  int
	pre   int
}

func (r *renderer) text(s string) {
	if r.pre == 0 {
		s = collapseSpace(s)
		if strings.HasSuffix(r.b.String(), "\n") || r.b.Len() == 0 {
			s = strings.TrimLeft(s, " ")
		}
	}
	r.b.WriteString(html.EscapeString(s))
}

func (r *renderer) newline() {
	r.b.WriteString("\n")
}

func (r *renderer) start(tok nethtml.Token, selfClosing bool) {
	switch tok.DataAtom {
	case atom.Img:
		r.image(tok)
		return
	case atom.Li:
		r.newline()
		r.b.WriteString("- ")
		return
	}

	if blockElements[tok.DataAtom] {
		r.newline()
		return
	}

	tag, ok := telegramTags[tok.DataAtom]
	if !ok || selfClosing {
		return
	}

	if tag == "a" {
		href := attr(tok, "href")
		if href == "" || hasCIDPrefix(href) || strings.HasPrefix(strings.ToLower(href), "javascript:") {
			r.stack = append(r.stack, "")
			return
		}
		r.b.WriteString(`<a href="` + html.EscapeString(href) + `">`)
	} else {
		if tag == "pre" {
			r.newline()
			r.pre++
		}
		r.b.WriteString("<" + tag + ">")
	}
	r.stack = append(r.stack, tag)
}

func (r *renderer) end(tok nethtml.Token) {
	if blockElements[tok.DataAtom] && tok.DataAtom != atom.Li {
		r.newline()
		return
	}

	tag, ok := telegramTags[tok.DataAtom]
	if !ok {
		return
	}

	// Close everything opened after the matching tag so the output stays
	// properly nested even for sloppy input.
	for i := len(r.stack) - 1; i >= 0; i-- {
		if r.stack[i] != tag && !(tag == "a" && r.stack[i] == "") {
			continue
		}
		for j := len(r.stack) - 1; j >= i; j-- {
			r.closeTag(r.stack[j])
		}
		r.stack = r.stack[:i]
		return
	}
}

func (r *renderer) closeTag(tag string) {
	if tag == "" {
		return
	}
	if tag == "pre" && r.pre > 0 {
		r.pre--
	}
	r.b.WriteString("</" + tag + ">")
}

func (r *renderer) closeAll() {
	for j := len(r.stack) - 1; j >= 0; j-- {
		r.closeTag(r.stack[j])
	}
	r.stack = nil
}

func (r *renderer) image(tok nethtml.Token) {
	src := attr(tok, "src")
	if src == "" {
		return
	}
	for _, re := range r.opts.Ignore {
		if re.MatchString(src) {
			return
		}
	}

	label := attr(tok, "alt")
	if label == "" {
		label = "image"
	}

	if hasCIDPrefix(src) {
		// Inline images are sent as separate photos.
		if !r.opts.InlineCIDs[strings.Trim(src[4:], "<>")] {
			r.b.WriteString("[" + html.EscapeString(label) + "]")
		}
		return
	}
	if !strings.HasPrefix(src, "http://") && !strings.HasPrefix(src, "https://") {
		return
	}
	// Nested links are not allowed.
	for _, t := range r.stack {
		if t == "a" {
			r.b.WriteString("[" + html.EscapeString(label) + "]")
			return
		}
	}
	r.b.WriteString(`<a href="` + html.EscapeString(src) + `">[` + html.EscapeString(label) + `]</a>`)
}

func attr(tok nethtml.Token, key string) string {
	for _, a := range tok.Attr {
		if a.Key == key {
			return strings.TrimSpace(a.Val)
		}
	}
	return ""
}

var (
	spaceRun   = regexp.MustCompile(`[ \t\r\n\f]+`)
	blankLines = regexp.MustCompile(`\n[ \t]*(\n[ \t]*)+\n`)
	lineSpace  = regexp.MustCompile(`[ \t]+\n`)
)

func collapseSpace(s string) string {
	return spaceRun.ReplaceAllString(s, " ")
}

// tidy collapses runs of blank lines left behind by nested block elements.
func tidy(s string) string {
	s = lineSpace.ReplaceAllString(s, "\n")
	s = blankLines.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// PlainText strips all markup from an HTML body.
func PlainText(body string) string {
	return strings.TrimSpace(StripTags(RenderTelegramHTML(body, RenderOptions{})))
}

// StripTags removes the tags from Telegram HTML and unescapes entities,
// keeping line breaks as they are.
func StripTags(s string) string {
	var b strings.Builder
	z := nethtml.NewTokenizer(strings.NewReader(s))
	for {
		tt := z.Next()
		if tt == nethtml.ErrorToken {
			return b.String()
		}
		if tt == nethtml.TextToken {
			b.WriteString(html.UnescapeString(string(z.Raw())))
		}
	}
}

// EscapeHTML escapes the characters Telegram's HTML parse mode requires.
func EscapeHTML(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	return r.Replace(s)
}

// TruncateText cuts s to at most limit runes, appending marker when cut.
func TruncateText(s string, limit int, marker string) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	keep := limit - utf8.RuneCountInString(marker)
	if keep < 0 {
		keep = 0
	}
	runes := []rune(s)
	return strings.TrimRightFunc(string(runes[:keep]), isSpace) + marker
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\n' || r == '\t'
}

// TruncateHTML cuts Telegram HTML so its visible text is at most limit
// runes, never splitting a tag or entity, and closes any open tags. The
// marker is appended as plain text when anything was dropped.
func TruncateHTML(s string, limit int, marker string) string {
	if visibleLength(s) <= limit {
		return s
	}
	budget := limit - utf8.RuneCountInString(marker)
	if budget < 0 {
		budget = 0
	}

	var b strings.Builder
	var open []string
	count := 0

	z := nethtml.NewTokenizer(strings.NewReader(s))
loop:
	for {
		tt := z.Next()
		switch tt {
		case nethtml.ErrorToken:
			break loop
		case nethtml.TextToken:
			text := html.UnescapeString(string(z.Raw()))
			n := utf8.RuneCountInString(text)
			if count+n > budget {
				runes := []rune(text)
				b.WriteString(html.EscapeString(string(runes[:budget-count])))
				break loop
			}
			b.WriteString(html.EscapeString(text))
			count += n
		case nethtml.StartTagToken:
			name, _ := z.TagName()
			open = append(open, string(name))
			b.Write(z.Raw())
		case nethtml.EndTagToken:
			name, _ := z.TagName()
			if len(open) > 0 && open[len(open)-1] == string(name) {
				open = open[:len(open)-1]
			}
			b.Write(z.Raw())
		}
	}

	for i := len(open) - 1; i >= 0; i-- {
		b.WriteString("</" + open[i] + ">")
	}
	b.WriteString(html.EscapeString(marker))
	return b.String()
}

// visibleLength counts the runes Telegram displays for an HTML string.
func visibleLength(s string) int {
	n := 0
	z := nethtml.NewTokenizer(strings.NewReader(s))
	for {
		tt := z.Next()
		if tt == nethtml.ErrorToken {
			return n
		}
		if tt == nethtml.TextToken {
			n += utf8.RuneCountInString(html.UnescapeString(string(z.Raw())))
		}
	}
}
