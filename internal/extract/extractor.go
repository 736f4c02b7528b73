// Package extract scans document markup for embedded sub-resources and
// rewrites their references to deterministic local names.
package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/edgarvault/harvester/internal/harvest"
	"github.com/edgarvault/harvester/internal/storage"
)

// SubResource pairs a resolved remote reference with its proposed
// local name. The ledger has the final word on names: an already
// registered reference keeps the name it was first registered under.
type SubResource struct {
	SourceURL string
	LocalName string
}

// Result carries the sub-resources discovered in a document.
type Result struct {
	SubResources []SubResource
	Skipped      int
}

// Extractor finds image references in HTML documents.
type Extractor struct{}

// New returns a ready Extractor.
func New() *Extractor {
	return &Extractor{}
}

// Discover parses the document and collects its distinct image
// references resolved against docURL, in document order, each with a
// sequence-numbered name proposal derived from docLocalPath. Duplicate
// references count once. Inline data: URIs and unresolvable references
// are skipped.
func (e *Extractor) Discover(docURL, docLocalPath string, content []byte) (Result, error) {
	base, doc, err := parse(docURL, content)
	if err != nil {
		return Result{}, err
	}

	var res Result
	seen := make(map[string]bool)

	doc.Find("img[src]").Each(func(_ int, sel *goquery.Selection) {
		ref, ok := resolveRef(base, sel)
		if !ok {
			res.Skipped++
			return
		}
		resolved := ref.String()
		if seen[resolved] {
			return
		}
		seen[resolved] = true
		res.SubResources = append(res.SubResources, SubResource{
			SourceURL: resolved,
			LocalName: storage.SubResourceName(docLocalPath, len(res.SubResources)+1, path.Ext(ref.Path)),
		})
	})
	return res, nil
}

// Rewrite re-renders the document with every reference whose resolved
// URL appears in names pointing at that name instead. References
// outside the map are left untouched. An empty map returns the input
// bytes unchanged, so undiscovered documents round-trip against their
// digest.
func (e *Extractor) Rewrite(docURL string, content []byte, names map[string]string) ([]byte, error) {
	if len(names) == 0 {
		return content, nil
	}
	base, doc, err := parse(docURL, content)
	if err != nil {
		return nil, err
	}

	doc.Find("img[src]").Each(func(_ int, sel *goquery.Selection) {
		ref, ok := resolveRef(base, sel)
		if !ok {
			return
		}
		if name, ok := names[ref.String()]; ok {
			// Sub-resources sit next to the document, so the reference
			// is just the bare file name.
			sel.SetAttr("src", path.Base(name))
		}
	})

	rendered, err := doc.Html()
	if err != nil {
		return nil, fmt.Errorf("render rewritten document: %w", err)
	}
	return []byte(rendered), nil
}

func parse(docURL string, content []byte) (*url.URL, *goquery.Document, error) {
	base, err := url.Parse(docURL)
	if err != nil {
		return nil, nil, &harvest.ValidationError{Reason: fmt.Sprintf("document URL %q: %v", docURL, err)}
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(content))
	if err != nil {
		return nil, nil, &harvest.ValidationError{Reason: fmt.Sprintf("parse document: %v", err)}
	}
	return base, doc, nil
}

// resolveRef resolves one img src against the document URL, rejecting
// inline data and non-HTTP references.
func resolveRef(base *url.URL, sel *goquery.Selection) (*url.URL, bool) {
	src, _ := sel.Attr("src")
	src = strings.TrimSpace(src)
	if src == "" || strings.HasPrefix(src, "data:") {
		return nil, false
	}
	ref, err := base.Parse(src)
	if err != nil || (ref.Scheme != "http" && ref.Scheme != "https") {
		return nil, false
	}
	return ref, true
}

// WorkItems converts the discovered sub-resources into registrable
// work items scoped under the document's own parent.
func (r Result) WorkItems(parentID int64) []harvest.WorkItem {
	items := make([]harvest.WorkItem, 0, len(r.SubResources))
	for _, sub := range r.SubResources {
		items = append(items, harvest.WorkItem{
			ParentID:  parentID,
			SourceURL: sub.SourceURL,
			Category:  harvest.CategorySubResource,
			LocalName: sub.LocalName,
		})
	}
	return items
}
