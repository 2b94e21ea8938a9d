package extract

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtract(t *testing.T) {
	t.Parallel()

	ex := New(Config{})
	testCases := []struct {
		name  string
		input string
		want  []string
	}{
		{"plain text", "contact: a@x.com", []string{"a@x.com"}},
		{"case folded", "Sales@Shop.IO and sales@shop.io", []string{"sales@shop.io"}},
		{"adjacent elements", "<p>info@acme.org</p><p>next</p>", []string{"info@acme.org"}},
		{"mailto link", `<a href="mailto:Hello@Corp.net?subject=hi">write us</a>`, []string{"hello@corp.net"}},
		{"trailing punctuation", "Mail jo@site.co.uk.", []string{"jo@site.co.uk"}},
		{"image asset", `<img src="logo@2x.png">icon@2x.png`, nil},
		{"placeholder domain", "you@example.com or me@sub.yourdomain.com", nil},
		{"placeholder address", "Email@Domain.com", nil},
		{"real address on placeholder address domain", "sales@domain.com, ops@mail.domain.com",
			[]string{"ops@mail.domain.com", "sales@domain.com"}},
		{"no dot in domain", "root@localhost", nil},
		{"word prefix", "xx_abc@def.com", []string{"xx_abc@def.com"}},
		{"tld glued to word", "a@b.com_suffix", nil},
		{"several", "b@y.com, a@x.com; c@z.org", []string{"a@x.com", "b@y.com", "c@z.org"}},
		{"empty", "", nil},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, ex.Extract([]byte(tc.input)))
		})
	}
}

func TestExtractCustomIgnoredDomains(t *testing.T) {
	t.Parallel()

	ex := New(Config{IgnoredDomains: []string{" Internal.test "}})
	got := ex.Extract([]byte("ops@internal.test team@example.com"))
	require.Equal(t, []string{"team@example.com"}, got)
}

func TestExtractCustomIgnoredAddresses(t *testing.T) {
	t.Parallel()

	ex := New(Config{IgnoredAddresses: []string{" NoReply@Shop.test "}})
	got := ex.Extract([]byte("noreply@shop.test sales@shop.test email@domain.com"))
	require.Equal(t, []string{"email@domain.com", "sales@shop.test"}, got)
}

func TestExtractIsIdempotent(t *testing.T) {
	t.Parallel()

	ex := New(Config{})
	page := []byte(`<html><body>Reach <b>owner@farm.ag</b> or <a href="mailto:owner@farm.ag">us</a></body></html>`)
	first := ex.Extract(page)
	_ = ex.Extract([]byte("other@page.com"))
	second := ex.Extract(page)
	require.Equal(t, first, second)
	require.Equal(t, []string{"owner@farm.ag"}, first)
}

func TestExtractBinaryInput(t *testing.T) {
	t.Parallel()

	ex := New(Config{})
	data := []byte{0x00, 0xff, 0xfe, '<', 0x80, '@', 0x01, 'a', '@', 'b', '.', 'c', 'o', 'm'}
	require.NotPanics(t, func() {
		ex.Extract(data)
	})
}

// Fuzz test for Extract; the extractor must never panic and must only return
// lower-cased addresses.
func FuzzExtract(f *testing.F) {
	seeds := []string{"a@x.com", "<a href='mailto:q@w.io'>", "@@..@", "\x00\xff@x.y"}
	for _, s := range seeds {
		f.Add(s)
	}
	ex := New(Config{})
	f.Fuzz(func(t *testing.T, in string) {
		for _, addr := range ex.Extract([]byte(in)) {
			if addr == "" {
				t.Fatalf("Extract(%q) returned empty address", in)
			}
		}
	})
}
