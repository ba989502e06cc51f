package app

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"vibeyard/internal/store"
)

const feedItemLimit = 50

// xmlEscaper covers the five XML predefined entities. encoding/xml emits
// numeric references for apostrophes, which some feed readers mishandle,
// so the feed is assembled by hand.
var xmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&apos;",
)

func (s *HTTPServer) handleFeed(w http.ResponseWriter, r *http.Request) {
	repos, err := s.service.LatestPublicRepositories(r.Context(), feedItemLimit)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}

	w.Header().Set("Content-Type", "application/rss+xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(renderFeed(s.service.PublicURL(), repos, time.Now())))
}

func renderFeed(publicURL string, repos []store.Repository, now time.Time) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	b.WriteString(`<rss version="2.0">` + "\n")
	b.WriteString("<channel>\n")
	writeTag(&b, "title", "Vibeyard - Latest Repositories")
	writeTag(&b, "link", publicURL)
	writeTag(&b, "description", "Newly catalogued AI-assisted repositories")
	writeTag(&b, "lastBuildDate", now.UTC().Format(time.RFC1123Z))

	for _, repo := range repos {
		link := publicURL + "/repositories/" + repo.ID
		b.WriteString("<item>\n")
		writeTag(&b, "title", repo.FullName)
		writeTag(&b, "link", link)
		writeTag(&b, "guid", link)
		writeTag(&b, "description", repo.Description)
		if repo.AIProvider != "" {
			writeTag(&b, "category", repo.AIProvider)
		}
		writeTag(&b, "pubDate", repo.CreatedAt.UTC().Format(time.RFC1123Z))
		b.WriteString("</item>\n")
	}

	b.WriteString("</channel>\n")
	b.WriteString("</rss>\n")
	return b.String()
}

func writeTag(b *strings.Builder, name, value string) {
	fmt.Fprintf(b, "<%s>%s</%s>\n", name, xmlEscaper.Replace(value), name)
}
