// Command syncctl runs sync, reconciliation and consent sweeps from the shell
// against the same stores the api uses.
package main

import (
	"fmt"

	"github.com/alecthomas/kong"
)

var (
	// Version and Commit are set via ldflags.
	Version = ""
	Commit  = ""

	cli struct {
		Version kong.VersionFlag `help:"Show version information"`
		Globals
		Sync      SyncCmd      `cmd:"" help:"Push due ledger records to an accounting provider."`
		Reconcile ReconcileCmd `cmd:"" help:"Match ledger payments against bank transactions."`
		Records   RecordsCmd   `cmd:"" help:"List sync records."`
		Sweep     SweepCmd     `cmd:"" help:"Expire lapsed consents and report those about to lapse."`
		Token     TokenCmd     `cmd:"" help:"Mint an API bearer token."`
	}
)

func main() {
	ctx := kong.Parse(&cli,
		kong.Vars{"version": buildVersion()},
		kong.Name("syncctl"),
		kong.Description("Operate the ledgerlink sync engine."),
		kong.UsageOnError(),
		kong.Bind(&cli.Globals),
	)
	ctx.FatalIfErrorf(ctx.Run())
}

func buildVersion() string {
	if Version == "" {
		Version = "dev"
	}
	if Commit == "" {
		return Version
	}
	return fmt.Sprintf("%s (%s)", Version, Commit)
}
