// nmapper tracks devices on a network over time: it schedules recurring
// nmap scans, records immutable snapshots, and reports what changed
// between passes.
package main

import "github.com/TakashiAihara/nmapper-sub001/cmd/cli"

func main() {
	cli.Execute()
}
