// mitreflow investigates security incidents: it triages incident text,
// maps it to MITRE ATT&CK techniques through an MCP tool server, enriches
// the techniques and writes a Navigator layer and an executive report.
//
// Usage:
//
//	mitreflow run incident.txt [--offline] [--stream]
//	mitreflow resume <run-id> [--checkpoint=<id>] [--set field=value]
//	mitreflow checkpoints <run-id>
//	mitreflow graph [--pipeline=<file>]
//	mitreflow serve [--dataset=<file>]
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
