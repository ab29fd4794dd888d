// Package cmd implements the command-line interface of phoenix.
//
// The package is organized into several subpackages:
//
//   - serve: Command for starting and configuring the phoenix server
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// See phoenix -help for a list of all commands.
package cmd
