package api

import "time"

// Build metadata, overridden at release time via -ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitHash   = "unknown"
)

var startTime = time.Now()
