// Package storage defines the content-store path rules shared by every
// backend. Path construction is pure: no I/O, no backend knowledge.
package storage

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/edgarvault/harvester/internal/harvest"
)

// StructuredSubdir is the folder under a parent's year directory that
// holds structured-data files.
const StructuredSubdir = "xbrl"

// dateLayout renders filing dates as DD-MM-YYYY inside basenames.
const dateLayout = "02-01-2006"

// PathSpec carries everything needed to place one artifact.
type PathSpec struct {
	Grouping string // e.g. exchange
	Owner    string // e.g. ticker
	Year     int
	Period   string // FY, Q1..Q4
	Date     time.Time
	Category harvest.Category
	Filename string // original remote filename; extension source
	Sequence int    // 1-based ordinal, sub-resources only
}

// ContainerPath returns the directory that holds all of an owner-year's
// artifacts.
func ContainerPath(grouping, owner string, year int) string {
	return path.Join(grouping, owner, fmt.Sprintf("%d", year))
}

// DocumentBasename derives the canonical document file name (without
// extension) from owner, period tag, and formatted date.
func DocumentBasename(owner string, year int, period string, date time.Time) string {
	return fmt.Sprintf("%s_%d_%s_%s", owner, year, period, date.Format(dateLayout))
}

// SubResourceName derives the deterministic local name for the seq-th
// distinct sub-resource of a document, keeping the original extension.
func SubResourceName(docPath string, seq int, ext string) string {
	if ext == "" {
		ext = ".png"
	}
	base := strings.TrimSuffix(docPath, path.Ext(docPath))
	return fmt.Sprintf("%s_image-%03d%s", base, seq, ext)
}

// ArtifactPath builds the store-relative path for an artifact:
// {grouping}/{owner}/{year}/{basename}. Structured-data files land in
// the xbrl subfolder under their original name.
func ArtifactPath(spec PathSpec) (string, error) {
	if spec.Grouping == "" || spec.Owner == "" {
		return "", fmt.Errorf("grouping and owner are required")
	}
	if spec.Year <= 0 {
		return "", fmt.Errorf("year must be positive, got %d", spec.Year)
	}

	base := ContainerPath(spec.Grouping, spec.Owner, spec.Year)
	docName := DocumentBasename(spec.Owner, spec.Year, spec.Period, spec.Date)

	switch spec.Category {
	case harvest.CategoryDocument:
		return path.Join(base, docName+".html"), nil
	case harvest.CategorySubResource:
		if spec.Sequence <= 0 {
			return "", fmt.Errorf("sub-resource sequence must be positive, got %d", spec.Sequence)
		}
		return SubResourceName(path.Join(base, docName+".html"), spec.Sequence, path.Ext(spec.Filename)), nil
	case harvest.CategoryStructured:
		if spec.Filename == "" {
			return "", fmt.Errorf("structured artifacts require the original filename")
		}
		return path.Join(base, StructuredSubdir, spec.Filename), nil
	default:
		return "", fmt.Errorf("unknown artifact category %q", spec.Category)
	}
}
