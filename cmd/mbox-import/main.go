// mbox-import copies the messages of an mbox archive into a Google Group's
// archive through the Groups Migration API.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// errExit is a sentinel error returned by cobra RunE functions to signal
// non-zero exit. The command has already written its own error to stderr.
var errExit = errors.New("exit")

// run executes the CLI with the given args, writing output to stdout and
// errors to stderr. Returns the exit code.
func run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	if args == nil {
		args = []string{}
	}
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.Execute(); err != nil {
		if !errors.Is(err, errExit) {
			fmt.Fprintf(stderr, "mbox-import: %v\n", err) //nolint:errcheck // best-effort stderr
		}
		return 1
	}
	return 0
}

// newRootCmd creates the root command. Run without a subcommand it performs
// the import.
func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	var f importFlags
	root := &cobra.Command{
		Use:   "mbox-import",
		Short: "Import an mbox archive into a Google Group",
		Long: `Unpacks an mbox archive into a working directory, one file per message,
and inserts every message into the destination group's archive. Imported
messages are deleted from the working directory; whatever is left after a
run failed and can be retried with --resume.

Notes:
  The service account needs to be set up for domain-wide delegation.
  The --sa-delegator account needs a Google Workspace admin role.
  Officially, parallel insertions are not supported. However, using more
  than one worker (--num-workers) sometimes improves throughput a lot.

Importing the same message (same Message-ID) more than once does not
create duplicates.`,
		SilenceErrors: true,
		SilenceUsage:  true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runImport(cmd, &f, stdout, stderr)
		},
	}
	f.register(root.Flags())
	root.CompletionOptions.DisableDefaultCmd = true
	root.AddCommand(
		newReportCmd(stdout, stderr),
		newVersionCmd(stdout),
	)
	return root
}
