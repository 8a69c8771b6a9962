package analysis

import "strings"

// PageText is the recognized text of one page. Err is set when the page
// could not be recognized and was recorded empty instead.
type PageText struct {
	Page int    `json:"page"`
	Text string `json:"text"`
	Err  error  `json:"-"`
}

// Failed reports whether recognition of the page failed.
func (p PageText) Failed() bool {
	return p.Err != nil
}

// JoinPages concatenates page texts in order, separated by a blank line.
// Failed and blank pages contribute nothing.
func JoinPages(pages []PageText) string {
	parts := make([]string, 0, len(pages))
	for _, p := range pages {
		text := strings.TrimSpace(p.Text)
		if p.Failed() || text == "" {
			continue
		}
		parts = append(parts, text)
	}
	return strings.Join(parts, "\n\n")
}

// FailedPages returns the numbers of pages whose recognition failed.
func FailedPages(pages []PageText) []int {
	var failed []int
	for _, p := range pages {
		if p.Failed() {
			failed = append(failed, p.Page)
		}
	}
	return failed
}
