// Package templates embeds the files written by `taskvault init`.
package templates

import "embed"

//go:embed config.yaml
var FS embed.FS
