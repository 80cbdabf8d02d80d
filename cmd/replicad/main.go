// Command replicad is the ambient CLI entry point for one node of a
// quorum cluster: it loads a config.Config from flags/env, wires the
// wire/transport/commitment/executor/response/consensus packages
// together, and runs until signaled.
//
// The one-file-per-subcommand layout and the addCmd/flags.NewParser
// wiring in main follow the teacher's go/flowctl-go/main.go pattern.
package main

import (
	"os"

	flags "github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
)

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	var parser = flags.NewParser(nil, flags.Default)

	addCmd(parser, "serve", "Serve as a quorum replica", `
Serve one replica of a quorum cluster with the provided configuration,
until signaled to exit (via SIGTERM or SIGINT).
`, &cmdServe{})

	addCmd(parser, "bench", "Drive a load benchmark against a running cluster", `
Generate synthetic client operations against an already-running quorum
cluster and report end-to-end quorum latency.
`, &cmdBench{})

	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		log.WithError(err).Fatal("replicad: command failed")
	}
}

func addCmd(to interface {
	AddCommand(string, string, string, interface{}) (*flags.Command, error)
}, name, short, long string, iface interface{}) *flags.Command {
	cmd, err := to.AddCommand(name, short, long, iface)
	if err != nil {
		log.WithError(err).Fatal("replicad: failed to register command")
	}
	return cmd
}
