// Package schemasassets provides the embedded JSON schemas for job
// definitions and workspace manifests.
//
// Schemas are embedded at compile time so validation works regardless of the
// working directory or installation location.
package schemasassets

import _ "embed"

// JobDefinitionSchema is the embedded job-definition JSON schema.
//
//go:embed job-definition.schema.json
var JobDefinitionSchema []byte

// OutputManifestSchema is the embedded output-manifest JSON schema.
//
// Manifests are read back by reconciliation tooling long after they were
// written, so both reads and writes are checked against it.
//
//go:embed output-manifest.schema.json
var OutputManifestSchema []byte
