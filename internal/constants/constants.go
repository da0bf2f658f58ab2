// Package constants defines application-wide constants and version information.
package constants

import "runtime"

// Version is reported by the station and gateway daemons.
const Version = "1.0-" + runtime.GOOS + "/" + runtime.GOARCH
