package mime

import (
	"bytes"
	"fmt"
	"io"
	gomime "mime"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
)

// Options configures a Decomposer.
type Options struct {
	// IgnorePatterns drops parts whose filename (or content ID for
	// unnamed inline parts) matches, e.g. tracking pixels.
	IgnorePatterns []*regexp.Regexp

	// DefaultCharset decodes text parts whose charset is unknown.
	DefaultCharset string
}

// CompileIgnorePatterns compiles ignore patterns from configuration.
func CompileIgnorePatterns(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compiling ignore pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// Decomposer turns raw RFC 5322 messages into ForwardableMessages.
type Decomposer struct {
	ignore   []*regexp.Regexp
	fallback *fallbackDecoder
	words    *gomime.WordDecoder
}

// NewDecomposer validates opts and returns a Decomposer.
func NewDecomposer(opts Options) (*Decomposer, error) {
	fallback, err := newFallbackDecoder(opts.DefaultCharset)
	if err != nil {
		return nil, err
	}
	return &Decomposer{
		ignore:   opts.IgnorePatterns,
		fallback: fallback,
		words:    &gomime.WordDecoder{CharsetReader: message.CharsetReader},
	}, nil
}

// leaf is a non-multipart entity read from the message.
type leaf struct {
	mediaType   string
	disposition string
	filename    string
	contentID   string
	body        []byte
}

// Decompose parses raw and classifies every leaf part. It fails only when
// the header block is unreadable; body problems are recorded as warnings.
func (d *Decomposer) Decompose(raw []byte) (*ForwardableMessage, error) {
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		return nil, &MalformedMessage{Err: err}
	}

	msg := &ForwardableMessage{}
	if err != nil {
		msg.Warnings = append(msg.Warnings, err.Error())
	}

	mr := mail.NewReader(entity)
	d.readHeader(mr.Header, msg)

	var leaves []leaf
	for i := 1; ; i++ {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			msg.Warnings = append(msg.Warnings, fmt.Sprintf("reading part %d: %v", i, err))
			if message.IsUnknownEncoding(err) {
				// The reader is already past this part.
				continue
			}
			break
		}

		l, readErr := d.readLeaf(part)
		if readErr != nil {
			msg.Warnings = append(msg.Warnings, fmt.Sprintf("reading part %d: %v", i, readErr))
			if len(l.body) == 0 {
				continue
			}
		}
		leaves = append(leaves, l)
	}

	d.classify(leaves, msg)
	return msg, nil
}

func (d *Decomposer) readHeader(h mail.Header, msg *ForwardableMessage) {
	subject, err := h.Subject()
	if err != nil {
		subject = d.fallback.decode([]byte(h.Get("Subject")))
	}
	msg.Subject = strings.TrimSpace(subject)

	if addrs, err := h.AddressList("From"); err == nil && len(addrs) > 0 {
		msg.FromAddress = strings.ToLower(addrs[0].Address)
		if addrs[0].Name != "" {
			msg.From = fmt.Sprintf("%s <%s>", addrs[0].Name, addrs[0].Address)
		} else {
			msg.From = addrs[0].Address
		}
	} else {
		msg.From = d.decodeWords(h.Get("From"))
		msg.FromAddress = strings.ToLower(msg.From)
	}

	if date, err := h.Date(); err == nil {
		msg.Date = date
	}
	if id, err := h.MessageID(); err == nil {
		msg.MessageID = id
	}
}

func (d *Decomposer) decodeWords(s string) string {
	decoded, err := d.words.DecodeHeader(s)
	if err != nil {
		return d.fallback.decode([]byte(s))
	}
	return decoded
}

func (d *Decomposer) readLeaf(part *mail.Part) (leaf, error) {
	var h message.Header
	switch ph := part.Header.(type) {
	case *mail.InlineHeader:
		h = ph.Header
	case *mail.AttachmentHeader:
		h = ph.Header
	}

	mediaType, ctParams, _ := h.ContentType()
	disposition, dispParams, _ := h.ContentDisposition()

	l := leaf{
		mediaType:   strings.ToLower(mediaType),
		disposition: strings.ToLower(disposition),
		contentID:   strings.Trim(strings.TrimSpace(h.Get("Content-Id")), "<>"),
	}
	if l.mediaType == "" {
		l.mediaType = "text/plain"
	}

	name := dispParams["filename"]
	if name == "" {
		name = ctParams["name"]
	}
	if name != "" {
		l.filename = filepath.Base(d.decodeWords(name))
	}

	body, err := io.ReadAll(part.Body)
	l.body = body

	if strings.HasPrefix(l.mediaType, "text/") && !knownCharset(ctParams["charset"]) {
		l.body = []byte(d.fallback.decode(body))
	}

	return l, err
}

// classify applies the first-text-wins/first-html-wins rules and resolves
// inline images against the HTML body's cid: references.
func (d *Decomposer) classify(leaves []leaf, msg *ForwardableMessage) {
	var candidates []Part
	var haveText, haveHTML bool

	for i, l := range leaves {
		switch {
		case l.mediaType == "text/calendar" && l.filename == "":
			candidates = append(candidates, newPart("invite.ics", l))
		case l.mediaType == "message/rfc822" && l.filename == "":
			candidates = append(candidates, newPart(fmt.Sprintf("message-%d.eml", i+1), l))
		case l.disposition == "attachment" || l.filename != "":
			candidates = append(candidates, newPart(l.filename, l))
		case l.mediaType == "text/plain" && !haveText:
			msg.TextBody = strings.TrimSpace(d.fallback.decode(l.body))
			haveText = true
		case l.mediaType == "text/html" && !haveHTML:
			msg.HTMLBody = strings.TrimSpace(d.fallback.decode(l.body))
			haveHTML = true
		default:
			candidates = append(candidates, newPart(generatedName(i+1, l.mediaType), l))
		}
	}

	referenced := referencedCIDs(msg.HTMLBody, msg.TextBody)
	seen := make(map[string]bool)

	for _, p := range candidates {
		if p.ContentID != "" && referenced[p.ContentID] && p.IsImage() {
			if seen[p.ContentID] {
				continue
			}
			seen[p.ContentID] = true
			p.Inline = true
		}
		if d.ignored(p) {
			continue
		}
		msg.Parts = append(msg.Parts, p)
	}
}

func (d *Decomposer) ignored(p Part) bool {
	for _, re := range d.ignore {
		if p.Filename != "" && re.MatchString(p.Filename) {
			return true
		}
		if p.Inline && p.ContentID != "" && re.MatchString(p.ContentID) {
			return true
		}
	}
	return false
}

func newPart(filename string, l leaf) Part {
	if filename == "" {
		filename = generatedName(0, l.mediaType)
	}
	return Part{
		Filename:  filename,
		MIMEType:  l.mediaType,
		Size:      int64(len(l.body)),
		Content:   l.body,
		ContentID: l.contentID,
	}
}

// generatedName names an unnamed part after its position and media type.
func generatedName(index int, mediaType string) string {
	base := "attachment"
	if index > 0 {
		base = fmt.Sprintf("part-%d", index)
	}
	if exts, err := gomime.ExtensionsByType(mediaType); err == nil && len(exts) > 0 {
		return base + exts[0]
	}
	return base + ".bin"
}

var textCIDPattern = regexp.MustCompile(`(?i)\[cid:([^\]]+)\]`)

// referencedCIDs collects content IDs referenced as cid: from the HTML
// body or as [cid:...] markers in the text body.
func referencedCIDs(htmlBody, textBody string) map[string]bool {
	refs := make(map[string]bool)
	for _, cid := range htmlCIDs(htmlBody) {
		refs[cid] = true
	}
	for _, m := range textCIDPattern.FindAllStringSubmatch(textBody, -1) {
		refs[m[1]] = true
	}
	return refs
}
