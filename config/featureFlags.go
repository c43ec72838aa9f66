package config

import (
	"bitbucket.org/eduatlas/crm_backend/utils"
)

// ImportDryRun disables all remote mutations: the import still matches and
// resolves stages but records what it WOULD have sent instead of sending it.
//
// Set via env:
// - ATLAS_IMPORT_DRY_RUN=true
func ImportDryRun() bool {
	return utils.EnvBool("ATLAS_IMPORT_DRY_RUN", false)
}

// ImportCreateMissingDeals controls whether unmatched application rows create
// new deals. Disabling it turns an import into a pure update/dedup pass.
//
// Set via env:
// - ATLAS_IMPORT_CREATE_MISSING=false (default true)
func ImportCreateMissingDeals() bool {
	return utils.EnvBool("ATLAS_IMPORT_CREATE_MISSING", true)
}
