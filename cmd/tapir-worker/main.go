// Tapir worker - an out-of-process engine speaking the framed CBOR protocol
// on stdin/stdout. Spawned by a session facade when a run goes turbo.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/tapir/remote"
	"github.com/chazu/tapir/vm"
)

func main() {
	verbose := flag.Bool("v", false, "Verbose logging on stderr")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: tapir-worker\n\n")
		fmt.Fprintf(os.Stderr, "Hosts one interpreter on stdin/stdout for a delegating session.\n")
		fmt.Fprintf(os.Stderr, "Not meant to be started by hand; tapir spawns it as needed.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	verbosity := 0
	if *verbose {
		verbosity = 1
	}
	commonlog.Configure(verbosity, nil)

	if err := remote.Serve(os.Stdin, os.Stdout, vm.NewInterpreter()); err != nil {
		fmt.Fprintf(os.Stderr, "Worker error: %v\n", err)
		os.Exit(1)
	}
}
