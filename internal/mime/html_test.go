package mime

import (
	"regexp"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestRenderTelegramHTML(t *testing.T) {
	tests := []struct {
		name string
		in   string
		opts RenderOptions
		want string
	}{
		{
			name: "keeps supported tags",
			in:   `<p>Hello <strong>Bob</strong> and <em>Eve</em></p>`,
			want: "Hello <b>Bob</b> and <i>Eve</i>",
		},
		{
			name: "drops unsupported markup",
			in:   `<div style="x"><span class="y">plain</span></div>`,
			want: "plain",
		},
		{
			name: "skips script and style",
			in:   `<style>p{}</style><script>alert(1)</script>text`,
			want: "text",
		},
		{
			name: "escapes text",
			in:   `a &lt; b &amp; c`,
			want: "a &lt; b &amp; c",
		},
		{
			name: "keeps links",
			in:   `<a href="https://example.com/?a=1&amp;b=2">site</a>`,
			want: `<a href="https://example.com/?a=1&amp;b=2">site</a>`,
		},
		{
			name: "unwraps javascript links",
			in:   `<a href="javascript:void(0)">click</a>`,
			want: "click",
		},
		{
			name: "balances unclosed tags",
			in:   `<b>bold <i>both`,
			want: "<b>bold <i>both</i></b>",
		},
		{
			name: "closes inner tags on mismatched close",
			in:   `<b>bold <i>both</b> after`,
			want: "<b>bold <i>both</i></b> after",
		},
		{
			name: "list items",
			in:   `<ul><li>one</li><li>two</li></ul>`,
			want: "- one\n- two",
		},
		{
			name: "inline image dropped",
			in:   `<p>logo</p><img src="cid:logo">`,
			opts: RenderOptions{InlineCIDs: map[string]bool{"logo": true}},
			want: "logo",
		},
		{
			name: "missing inline image keeps alt",
			in:   `<img src="cid:gone" alt="chart">`,
			want: "[chart]",
		},
		{
			name: "external image becomes link",
			in:   `<img src="https://example.com/a.png" alt="pic">`,
			want: `<a href="https://example.com/a.png">[pic]</a>`,
		},
		{
			name: "ignored image dropped",
			in:   `x<img src="https://track.example.com/p.gif">`,
			opts: RenderOptions{Ignore: []*regexp.Regexp{regexp.MustCompile(`track\.`)}},
			want: "x",
		},
		{
			name: "collapses blank lines",
			in:   `<div><div><p>a</p></div></div><div><p>b</p></div>`,
			want: "a\n\nb",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RenderTelegramHTML(tt.in, tt.opts))
		})
	}
}

func TestPlainText(t *testing.T) {
	got := PlainText(`<p>Hello <b>Bob</b> &amp; co</p><p>bye</p>`)
	assert.Equal(t, "Hello Bob & co\n\nbye", got)
}

func TestHTMLCIDs(t *testing.T) {
	cids := htmlCIDs(`<img src="cid:a@x"><img src="CID:<b@x>"><img src="https://x/y.png">`)
	assert.Equal(t, []string{"a@x", "b@x"}, cids)
}

func TestTruncateText(t *testing.T) {
	assert.Equal(t, "short", TruncateText("short", 10, "…"))

	got := TruncateText(strings.Repeat("é", 20), 10, "…")
	assert.Equal(t, 10, utf8.RuneCountInString(got))
	assert.True(t, strings.HasSuffix(got, "…"))
}

func TestTruncateHTML(t *testing.T) {
	in := "<b>" + strings.Repeat("a", 20) + "</b> tail"

	got := TruncateHTML(in, 10, "…")
	assert.Equal(t, "<b>"+strings.Repeat("a", 9)+"</b>…", got)
	assert.Equal(t, 10, visibleLength(got))

	assert.Equal(t, in, TruncateHTML(in, 100, "…"))
}

func TestTruncateHTMLKeepsEntitiesWhole(t *testing.T) {
	got := TruncateHTML("a &amp; b &lt; c", 4, "…")
	assert.Equal(t, "a &amp;…", got)
}
