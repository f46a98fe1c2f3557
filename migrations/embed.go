// Package migrations embeds the goose SQL migrations for the regionflagz
// schema: native flags, regions, region flag values and region events.
package migrations

import "embed"

// FS contains all goose migration SQL files.
//
//go:embed *.sql
var FS embed.FS
