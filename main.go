// Command tubevault archives channels and playlists into a content-addressed
// git/git-annex repository. See the cli package for the command surface.
package main

import (
	"os"

	_ "time/tzdata" // the quota governor needs the reset zone on tzdata-less systems

	"github.com/onnwee/tubevault/cli"
)

func main() {
	os.Exit(cli.Execute())
}
