// Package rewrite turns human-facing share links into direct-download URLs.
//
// Every rule is a pure function of the URL and idempotent: a rewritten URL
// matches no rule that would change it again.
package rewrite

import (
	"net/url"
	"regexp"
	"strings"
)

// Rule rewrites URLs of one known share-link shape. Apply returns the
// rewritten URL and true, or ("", false) when the rule does not apply.
type Rule struct {
	Name  string
	Apply func(u *url.URL) (string, bool)
}

// Rewriter applies the first matching rule to a URL.
type Rewriter struct {
	rules []Rule
}

// New returns a Rewriter with the given rules, tried in order.
func New(rules ...Rule) *Rewriter {
	return &Rewriter{rules: rules}
}

// Default returns a Rewriter with the built-in share-link rules.
func Default() *Rewriter {
	return New(GoogleDrive, Dropbox)
}

// Rewrite returns the direct-download form of raw and the name of the rule
// that produced it. URLs that match no rule, or do not parse, are returned
// unchanged with an empty rule name.
func (r *Rewriter) Rewrite(raw string) (string, string) {
	if r == nil {
		return raw, ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw, ""
	}
	for _, rule := range r.rules {
		if out, ok := rule.Apply(u); ok && out != raw {
			return out, rule.Name
		}
	}
	return raw, ""
}

var driveFilePath = regexp.MustCompile(`^(?:/u/\d+)?/file/d/([A-Za-z0-9_-]+)`)

// GoogleDrive rewrites drive.google.com share and open links to the
// uc?export=download endpoint.
var GoogleDrive = Rule{
	Name: "google_drive",
	Apply: func(u *url.URL) (string, bool) {
		if !strings.EqualFold(u.Hostname(), "drive.google.com") {
			return "", false
		}

		var id string
		switch {
		case driveFilePath.MatchString(u.Path):
			id = driveFilePath.FindStringSubmatch(u.Path)[1]
		case u.Path == "/open", u.Path == "/uc":
			id = u.Query().Get("id")
			if u.Path == "/uc" && u.Query().Get("export") == "download" {
				return "", false
			}
		}
		if id == "" {
			return "", false
		}

		return "https://drive.google.com/uc?export=download&id=" + url.QueryEscape(id), true
	},
}

// Dropbox forces dl=1 on dropbox.com shared links so the origin serves the
// file instead of a preview page.
var Dropbox = Rule{
	Name: "dropbox",
	Apply: func(u *url.URL) (string, bool) {
		host := strings.ToLower(u.Hostname())
		if host != "dropbox.com" && host != "www.dropbox.com" {
			return "", false
		}
		if !strings.HasPrefix(u.Path, "/s/") && !strings.HasPrefix(u.Path, "/scl/") {
			return "", false
		}

		q := u.Query()
		if q.Get("dl") == "1" {
			return "", false
		}
		q.Set("dl", "1")

		out := *u
		out.RawQuery = q.Encode()
		return out.String(), true
	},
}
