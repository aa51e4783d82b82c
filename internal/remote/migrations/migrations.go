// Package migrations embeds the remote schema, one goose directory per
// SQL flavour.
package migrations

import "embed"

//go:embed postgres/*.sql sqlite/*.sql
var FS embed.FS
