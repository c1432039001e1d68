// Package templates embeds the default configuration and agent prompts that
// init copies into a new .orchestrator directory.
package templates

import "embed"

//go:embed config.yaml prompts
var FS embed.FS

// PromptsDir is the directory of the prompt templates inside FS.
const PromptsDir = "prompts"
