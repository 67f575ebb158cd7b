package types

// Version is the canonical project version, shared by the host library, the
// embedded worker bootstrap and the CLI.
const Version = "0.3.0"
