package entity

import (
	"fmt"
	"strings"

	"github.com/crystalarchiver/crystal/internal/crystalerr"
	"github.com/crystalarchiver/crystal/internal/db"
)

// Alias is a URL rewrite rule (§3.1). Both prefixes must end in "/"
// (invariant, §3.2).
type Alias struct {
	ID               int64
	SourceURLPrefix  string
	TargetURLPrefix  string
	TargetIsExternal bool
}

func aliasFromRow(a db.Alias) Alias {
	return Alias{
		ID:               a.ID,
		SourceURLPrefix:  a.SourceURLPrefix,
		TargetURLPrefix:  a.TargetURLPrefix,
		TargetIsExternal: a.TargetIsExternal,
	}
}

// ValidateAlias enforces the §3.2 invariant that both prefixes end in "/".
func ValidateAlias(sourcePrefix, targetPrefix string) error {
	if !strings.HasSuffix(sourcePrefix, "/") {
		return crystalerr.New("entity.ValidateAlias", crystalerr.InvalidURLPattern,
			fmt.Errorf("source_url_prefix %q must end in /", sourcePrefix))
	}
	if !strings.HasSuffix(targetPrefix, "/") {
		return crystalerr.New("entity.ValidateAlias", crystalerr.InvalidURLPattern,
			fmt.Errorf("target_url_prefix %q must end in /", targetPrefix))
	}
	return nil
}
