package extract

import (
	"context"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/dlclark/regexp2"
)

// Patterns pair a creation indicator with the date that follows it. The
// first capture group is the date.
var joinPatterns = []*regexp2.Regexp{
	mustCompile(`[Jj]oined\s+(\w+\s+\d{4})`, 0),
	mustCompile(`[Mm]ember\s+[Ss]ince:?\s+(\w+\s+\d{4})`, 0),
	mustCompile(`(?:[Jj]oined|[Cc]reated)(?:\s+on)?\s+(\d{1,2}[-/.]\d{1,2}[-/.]\d{2,4})`, 0),
	mustCompile(`[Rr]egistration\s+[Dd]ate:?\s+(\d{4}[-/.]\d{1,2}[-/.]\d{1,2})`, 0),
	mustCompile(`[Aa]ccount\s+[Cc]reated:?\s+(\w+\s+\d{1,2},?\s+\d{4})`, 0),
	mustCompile(`[Uu]ser\s+[Ss]ince\s+(\d{4})`, 0),
	mustCompile(`[Ee]st\.\s+(\d{4})`, 0),
	mustCompile(`[Cc]reated:?\s+(\d{4}[-/.]\d{1,2}[-/.]\d{1,2})`, 0),
}

var dateMetaKeys = []string{"joined", "since", "registration", "created"}

var dateIndicators = []string{
	"joined", "member since", "est.", "established", "user since",
	"account created", "registration date", "created on", "date joined",
	"created at", "profile created",
}

var linkRelTag = mustCompile(`<link\s+rel=["'][^>]*>`, regexp2.IgnoreCase)

// Dates finds when the profile was created.
type Dates struct{}

func (Dates) Name() string { return "dates" }

func (Dates) Extract(ctx context.Context, _ string, body []byte) (Partial, error) {
	doc, err := parseDocument(ctx, body)
	if err != nil {
		return Partial{}, err
	}
	page := string(body)
	links := linkRelTags(page)

	var found string
	doc.Find("meta").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		key, ok := s.Attr("name")
		if !ok {
			key, _ = s.Attr("property")
		}
		if !hasToken(strings.ToLower(key), dateMetaKeys, false) {
			return true
		}
		content, _ := s.Attr("content")
		found = firstDate(content, links)
		return found == ""
	})

	if found == "" {
		doc.Find("time[datetime]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
			around := strings.ToLower(s.Parent().Text())
			if hasToken(around, dateIndicators, false) {
				found, _ = s.Attr("datetime")
			}
			return found == ""
		})
	}

	if found == "" {
		found = firstDate(page, links)
	}
	if err := ctx.Err(); err != nil {
		return Partial{}, err
	}
	return Partial{CreatedAt: normalizeDate(found)}, nil
}

// firstDate returns the first pattern capture in s that does not come from
// a <link rel> tag.
func firstDate(s string, links []string) string {
	for _, re := range joinPatterns {
		m, err := re.FindStringMatch(s)
		for err == nil && m != nil {
			date := m.GroupByNumber(1).String()
			if !inLinkTag(date, links) {
				return date
			}
			m, err = re.FindNextMatch(m)
		}
	}
	return ""
}

func linkRelTags(page string) []string {
	var tags []string
	m, err := linkRelTag.FindStringMatch(page)
	for err == nil && m != nil {
		tags = append(tags, strings.ToLower(m.String()))
		m, err = linkRelTag.FindNextMatch(m)
	}
	return tags
}

func inLinkTag(date string, links []string) bool {
	date = strings.ToLower(date)
	for _, l := range links {
		if strings.Contains(l, date) {
			return true
		}
	}
	return false
}

func normalizeDate(s string) string {
	return strings.ReplaceAll(strings.TrimSpace(s), ",", "")
}
