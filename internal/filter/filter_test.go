package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailgram/internal/mime"
)

func TestParseMode(t *testing.T) {
	m, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeDisabled, m)

	m, err = ParseMode(" Combined ")
	require.NoError(t, err)
	assert.Equal(t, ModeCombined, m)

	_, err = ParseMode("greylist")
	assert.Error(t, err)
}

func TestFilterAllow(t *testing.T) {
	invoice := &mime.ForwardableMessage{
		Subject:  "Your INVOICE for March",
		From:     "Billing <billing@shop.example>",
		TextBody: "amount due",
	}
	newsletter := &mime.ForwardableMessage{
		Subject:  "Weekly digest",
		From:     "news@letters.example",
		HTMLBody: "<p>Click to <b>unsubscribe</b></p>",
	}

	tests := []struct {
		name  string
		rules Rules
		msg   *mime.ForwardableMessage
		want  bool
	}{
		{
			name:  "disabled forwards everything",
			rules: Rules{Mode: ModeDisabled, BlacklistKeywords: []string{"invoice"}},
			msg:   invoice,
			want:  true,
		},
		{
			name:  "whitelist keyword is case-insensitive",
			rules: Rules{Mode: ModeWhitelist, WhitelistKeywords: []string{"Invoice"}},
			msg:   invoice,
			want:  true,
		},
		{
			name:  "whitelist rejects non-matching",
			rules: Rules{Mode: ModeWhitelist, WhitelistKeywords: []string{"invoice"}},
			msg:   newsletter,
			want:  false,
		},
		{
			name:  "whitelist author",
			rules: Rules{Mode: ModeWhitelist, WhitelistAuthors: []string{"@shop.example"}},
			msg:   invoice,
			want:  true,
		},
		{
			name:  "blacklist keyword in html body",
			rules: Rules{Mode: ModeBlacklist, BlacklistKeywords: []string{"unsubscribe"}},
			msg:   newsletter,
			want:  false,
		},
		{
			name:  "blacklist lets others through",
			rules: Rules{Mode: ModeBlacklist, BlacklistKeywords: []string{"unsubscribe"}},
			msg:   invoice,
			want:  true,
		},
		{
			name:  "combined with empty whitelist uses blacklist only",
			rules: Rules{Mode: ModeCombined, BlacklistAuthors: []string{"news@"}},
			msg:   invoice,
			want:  true,
		},
		{
			name: "combined blacklist wins over whitelist",
			rules: Rules{
				Mode:              ModeCombined,
				WhitelistKeywords: []string{"digest"},
				BlacklistAuthors:  []string{"news@"},
			},
			msg:  newsletter,
			want: false,
		},
		{
			name: "combined requires whitelist match",
			rules: Rules{
				Mode:              ModeCombined,
				WhitelistKeywords: []string{"digest"},
			},
			msg:  invoice,
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, reason := New(tt.rules).Allow(tt.msg)
			assert.Equal(t, tt.want, got)
			if !tt.want {
				assert.NotEmpty(t, reason)
			}
		})
	}
}

func TestNilFilterAllows(t *testing.T) {
	var f *Filter
	ok, _ := f.Allow(&mime.ForwardableMessage{})
	assert.True(t, ok)
}
