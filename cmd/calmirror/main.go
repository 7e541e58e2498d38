// Command calmirror mirrors remote CalDAV calendars and pushes changes to
// connected clients.
package main

import (
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
