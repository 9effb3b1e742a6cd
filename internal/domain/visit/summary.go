package visit

import (
	"fmt"
	"regexp"
	"strings"
)

// Sections are the lists pulled out of an AI visit summary.
type Sections struct {
	KeyPoints       []string `json:"key_points"`
	Medications     []string `json:"medications"`
	FollowUpActions []string `json:"follow_up_actions"`
}

var (
	keyPointsHeading   = regexp.MustCompile(`(?i)\*\*Key\s*Points?:?\*\*\s*`)
	medicationsHeading = regexp.MustCompile(`(?i)\*\*Medications?\s*(?:Mentioned|Discussed)?:?\*\*\s*`)
	followUpHeading    = regexp.MustCompile(`(?i)\*\*Follow[- ]?Up\s*(?:Actions?)?:?\*\*\s*`)

	// Hyphens, asterisks and numbers are bullets only at the start of a line
	// so "follow-up" stays whole. A • splits wherever it appears.
	bulletMarker = regexp.MustCompile(`(?m)^[ \t]*(?:[-*][ \t]*|\d+[.)][ \t]+)|[ \t]*•[ \t]*`)
)

// SplitSummary extracts key points, medications and follow-up actions from
// a summary formatted with **Heading:** sections. Missing sections are
// empty, never nil.
func SplitSummary(summary string) Sections {
	return Sections{
		KeyPoints:       section(summary, keyPointsHeading),
		Medications:     section(summary, medicationsHeading),
		FollowUpActions: section(summary, followUpHeading),
	}
}

// section returns the items of the first section whose heading matches. The
// body runs to the next "**" or the end of the text.
func section(summary string, heading *regexp.Regexp) []string {
	loc := heading.FindStringIndex(summary)
	if loc == nil {
		return []string{}
	}
	body := summary[loc[1]:]
	if end := strings.Index(body, "**"); end >= 0 {
		body = body[:end]
	}
	return splitItems(body)
}

func splitItems(body string) []string {
	items := []string{}
	for _, part := range bulletMarker.Split(body, -1) {
		part = strings.TrimSpace(part)
		if part == "" || strings.Contains(part, "**") {
			continue
		}
		items = append(items, part)
	}
	return items
}

// FormatDuration renders seconds as mm:ss. Minutes are not wrapped at an
// hour.
func FormatDuration(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}
