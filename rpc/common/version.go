package common

// Version of the server, reported by HELP and `phoenix version`.
// Overridden at build time with -ldflags "-X github.com/phoenixkv/phoenix/rpc/common.Version=..."
var Version = "0.3.1"
