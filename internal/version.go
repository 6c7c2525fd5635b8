package internal

import (
	"fmt"
	"strconv"
	"time"
)

// Filled in at build time via -ldflags "-X ...".
var (
	commitVersion = "v0.4.0-dev"
	commitDate    = "1755648000" // epoch seconds
)

// GetVersion returns the build version, with the commit date appended
// when one was stamped in.
func GetVersion() string {
	msg := commitVersion
	if commitDate != "" {
		seconds, _ := strconv.Atoi(commitDate)
		msg += fmt.Sprintf(", date: %s", time.Unix(int64(seconds), 0).Format("2006-01-02"))
	}
	return msg
}

// PrintVersion writes the version to stdout.
func PrintVersion() {
	fmt.Println(GetVersion())
}

// CheckVersion prints the version when the flag asks for it.
func CheckVersion(printVersion bool) {
	if printVersion {
		PrintVersion()
	}
}
