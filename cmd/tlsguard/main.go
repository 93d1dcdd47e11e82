package main

// tlsguard validates TLS staging manifests before credentials go live.
// Exit codes: 0 pass (or warn-only), 2 validation failure, 1 I/O failure,
// 64 usage error.

import (
	"fmt"
	"os"

	core "theblock-network/core"
)

const (
	exitOK         = 0
	exitIO         = 1
	exitValidation = 2
	exitUsage      = 64
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var manifests []string
	var reportPath string
	allowStaleReminder := false

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-h", "--help":
			printUsage()
			return exitOK
		case "--allow-stale-reminder":
			allowStaleReminder = true
		case "--report":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--report requires a path")
				return exitUsage
			}
			reportPath = args[i]
		default:
			if len(args[i]) > 0 && args[i][0] == '-' {
				fmt.Fprintf(os.Stderr, "unknown flag %s\n", args[i])
				printUsage()
				return exitUsage
			}
			manifests = append(manifests, args[i])
		}
	}
	if len(manifests) == 0 {
		fmt.Fprintln(os.Stderr, "no manifests given")
		printUsage()
		return exitUsage
	}

	opts := core.ManifestValidationOptions{AllowStaleReminder: allowStaleReminder}
	outcomes := make([]core.ManifestOutcome, 0, len(manifests))
	failed := false
	for _, path := range manifests {
		outcome := core.ValidateServiceManifest(path, opts)
		outcomes = append(outcomes, outcome)
		for _, warning := range outcome.Warnings {
			fmt.Fprintf(os.Stderr, "warning: %s\n", warning)
		}
		for _, failure := range outcome.Errors {
			fmt.Fprintln(os.Stderr, failure)
		}
		if !outcome.Passed {
			failed = true
		}
	}
	if reportPath != "" {
		if err := core.WriteManifestReport(reportPath, outcomes); err != nil {
			fmt.Fprintf(os.Stderr, "write report: %v\n", err)
			return exitIO
		}
	}
	if failed {
		return exitValidation
	}
	return exitOK
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `usage: tlsguard [--allow-stale-reminder] [--report out.json] manifest.json [...]`)
}
