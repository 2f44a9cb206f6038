package align

import "log"

// Logf is the package logger. The CLI replaces it to route output into its
// structured logger; tests may silence it.
var Logf = log.Printf
