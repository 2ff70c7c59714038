// Package main is the entry point for the asrkit CLI.
//
// Usage:
//
//	asrkit [flags] <command> [args]
//
// Commands:
//
//	train    - Train a registered acoustic model, optionally resuming from a checkpoint
//	predict  - Transcribe WAV files with a trained checkpoint
//	build    - Compile the decoder binding and fetch the decoding graph
//	models   - List registered models and their defaults
package main

import (
	"os"

	"github.com/harunnryd/asrkit/cmd/asrkit/commands"
)

func main() {
	os.Exit(commands.Execute())
}
