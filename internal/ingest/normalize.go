package ingest

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/cespare/xxhash/v2"
)

// volatileSelectors matches markup that changes between fetches without the
// page's substance changing (nav chrome, scripts, per-request tokens).
// Stripping it keeps the content hash stable across cosmetic rebuilds.
const volatileSelectors = "script, style, noscript, iframe, svg, nav, header, footer, form, button"

// Normalize reduces an HTML page to its stable text content: volatile
// markup is stripped and whitespace is collapsed, so the same substance
// always yields the same bytes.
func Normalize(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("failed to parse page: %w", err)
	}

	doc.Find(volatileSelectors).Remove()

	root := doc.Find("main")
	if root.Length() == 0 {
		root = doc.Find("body")
	}
	if root.Length() == 0 {
		root = doc.Selection
	}

	return collapseWhitespace(root.Text()), nil
}

// collapseWhitespace folds every whitespace run into a single space and
// trims the ends. Chunk byte offsets are relative to this canonical form.
func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// ContentHash returns the deterministic digest used for change detection.
func ContentHash(content string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(content))
}
