package mime

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding"
)

// DefaultCharset is used for text whose declared charset is unknown.
const DefaultCharset = "windows-1252"

// fallbackDecoder decodes bytes of an unknown or undeclared charset with a
// configured default encoding.
type fallbackDecoder struct {
	name string
	enc  encoding.Encoding
}

func newFallbackDecoder(label string) (*fallbackDecoder, error) {
	if label == "" {
		label = DefaultCharset
	}
	enc, name := charset.Lookup(label)
	if enc == nil {
		return nil, fmt.Errorf("unknown default charset %q", label)
	}
	return &fallbackDecoder{name: name, enc: enc}, nil
}

// decode converts b to UTF-8. Input that is already valid UTF-8 is kept.
func (d *fallbackDecoder) decode(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	out, err := io.ReadAll(d.enc.NewDecoder().Reader(bytes.NewReader(b)))
	if err != nil {
		return strings.ToValidUTF8(string(b), "�")
	}
	return strings.ToValidUTF8(string(out), "�")
}

// knownCharset reports whether go-message was able to convert the label.
// When it was not, part bodies arrive undecoded.
func knownCharset(label string) bool {
	label = strings.TrimSpace(strings.ToLower(label))
	if label == "" || label == "utf-8" || label == "us-ascii" {
		return true
	}
	if message.CharsetReader == nil {
		return false
	}
	_, err := message.CharsetReader(label, bytes.NewReader(nil))
	return err == nil
}
