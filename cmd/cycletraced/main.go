// Copyright The Cycletrace Authors
// SPDX-License-Identifier: Apache-2.0

// cycletraced receives trace segments from instrumented processes and
// prints an aggregate of the hottest call sites on shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/peterbourgon/ff/v3"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/cycletrace/cycletrace/collector"
	"github.com/cycletrace/cycletrace/session"
)

// Help strings for command line arguments
var (
	socketHelp   = "Unix socket to accept profiler sessions on."
	spoolHelp    = "File receiving a zstd-compressed copy of the raw segment stream."
	capacityHelp = "Maximum segment payload capacity granted to sessions, in bytes."
	topHelp      = "Number of call sites to print on shutdown."
	verboseHelp  = "Enable verbose logging and debugging capabilities."
)

func main() {
	if err := mainWithExitCode(); err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}
}

func mainWithExitCode() error {
	fs := flag.NewFlagSet("cycletraced", flag.ExitOnError)

	socket := fs.String("socket", "/tmp/cycletrace.sock", socketHelp)
	spool := fs.String("spool", "", spoolHelp)
	capacity := fs.Uint("segment-capacity", session.DefaultSegmentCapacity, capacityHelp)
	top := fs.Int("top", 25, topHelp)
	verbose := fs.Bool("verbose", false, verboseHelp)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("CYCLETRACED")); err != nil {
		return fmt.Errorf("failed to parse args: %w", err)
	}

	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		unix.SIGINT, unix.SIGTERM)
	defer stop()

	summary := collector.NewSummary()
	srv, err := collector.NewServer(collector.Config{
		SocketPath:      *socket,
		SegmentCapacity: uint32(*capacity),
		SpoolPath:       *spool,
	}, summary.HandleSegment)
	if err != nil {
		return err
	}

	if err = srv.Run(ctx); err != nil {
		return fmt.Errorf("collector failed: %w", err)
	}

	printSummary(summary, *top)
	return nil
}

func printSummary(summary *collector.Summary, top int) {
	modules := summary.Modules()
	invocations := summary.Invocations()

	fmt.Printf("%d segments, %d modules, %d call sites\n",
		summary.Segments(), len(modules), len(invocations))

	for _, module := range modules {
		fmt.Printf("module %#016x size %8d  %s\n",
			uint64(module.BaseAddress), module.ImageSize, module.ImageName)
	}

	if top < len(invocations) {
		invocations = invocations[:top]
	}
	for _, inv := range invocations {
		if inv.NumCalls == 0 {
			continue
		}
		avg := inv.CyclesSum / inv.NumCalls
		fmt.Printf("tid %5d  %#016x -> %#016x  %8d calls  %12d cycles"+
			"  (min %d avg %d max %d)\n",
			inv.ThreadID, uint64(inv.Caller), uint64(inv.Callee),
			inv.NumCalls, inv.CyclesSum, inv.CyclesMin, avg, inv.CyclesMax)
	}
}
