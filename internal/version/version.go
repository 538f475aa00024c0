// ABOUTME: Build identification for ratematch
// ABOUTME: Reported by the version command and the status hub hello
package version

// Version is overridden at link time with -ldflags "-X .../version.Version=..."
var Version = "0.3.0"

const (
	// Product is the name shown in status hellos and mDNS records
	Product = "ratematch"

	// Manufacturer identifies the publisher
	Manufacturer = "Resonate"
)

// String renders "ratematch 0.3.0"
func String() string {
	return Product + " " + Version
}
