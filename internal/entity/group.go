package entity

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/crystalarchiver/crystal/internal/crystalerr"
	"github.com/crystalarchiver/crystal/internal/db"
)

// SourceKind identifies what a ResourceGroup's source points at (§3.1).
type SourceKind string

const (
	SourceNone         SourceKind = ""
	SourceRootResource SourceKind = "root_resource"
	SourceGroup        SourceKind = "resource_group"
)

// ResourceGroup is a named URL pattern with wildcards (§3.1). Membership is
// derived, not stored; use CompilePattern to test URLs against Pattern.
type ResourceGroup struct {
	ID            int64
	Name          string
	Pattern       string
	SourceKind    SourceKind
	SourceID      int64
	DoNotDownload bool
}

func groupFromRow(g db.ResourceGroup) ResourceGroup {
	out := ResourceGroup{
		ID:            g.ID,
		Name:          g.Name,
		Pattern:       g.URLPattern,
		DoNotDownload: g.DoNotDownload,
	}
	if g.SourceType.Valid {
		out.SourceKind = SourceKind(g.SourceType.String)
	}
	if g.SourceID.Valid {
		out.SourceID = g.SourceID.Int64
	}
	return out
}

// CompilePattern turns a Resource Group pattern into a matcher function.
// Wildcard rules (§3.1): "*" matches any single path segment without "/",
// "**" matches any suffix (including "/"), "#" matches an integer.
func CompilePattern(pattern string) (func(url string) bool, error) {
	re, err := compilePatternRegexp(pattern)
	if err != nil {
		return nil, crystalerr.New("entity.CompilePattern", crystalerr.InvalidURLPattern, err)
	}
	return re.MatchString, nil
}

func compilePatternRegexp(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")

	runes := []rune(pattern)
	for i := 0; i < len(runes); i++ {
		switch {
		case runes[i] == '*' && i+1 < len(runes) && runes[i+1] == '*':
			b.WriteString(".*")
			i++
		case runes[i] == '*':
			b.WriteString("[^/]*")
		case runes[i] == '#':
			b.WriteString("[0-9]+")
		default:
			b.WriteString(regexp.QuoteMeta(string(runes[i])))
		}
	}
	b.WriteString("$")

	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, fmt.Errorf("invalid group pattern %q: %w", pattern, err)
	}
	return re, nil
}

// ValidatePatternSyntax reports whether pattern compiles at all, without
// requiring a matcher — used at group create/edit time.
func ValidatePatternSyntax(pattern string) error {
	_, err := CompilePattern(pattern)
	return err
}
