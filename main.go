// Command scanorc drives distributed security scans: a task bus worker
// pool, a scan workflow engine, and a CLI for submitting and inspecting
// scans locally.
package main

import "github.com/scanorc/scanorc/cmd"

func main() {
	cmd.Execute()
}
