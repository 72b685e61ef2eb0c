// Package templates embeds the starter files written by init.
package templates

import "embed"

//go:embed commands env.example
var FS embed.FS
