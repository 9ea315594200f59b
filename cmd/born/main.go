// Package main provides the Born core diagnostics CLI.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/evilsocket/islazy/tui"
	log "github.com/sirupsen/logrus"
)

const version = "v0.1.0-dev"

var (
	debug   = flag.Bool("debug", false, "Enable debug logs.")
	streams = flag.Int("streams", 4, "Streams per accelerator device.")
	memMB   = flag.Uint64("accel-mem", 0, "Accelerator memory in MiB, 0 for a quarter of physical memory.")
	ckpt    = flag.Bool("checkpoint", false, "Recompute memory-bound activations during backward instead of keeping them.")
)

type command struct {
	name        string
	description string
	run         func() error
}

var commands []command

func init() {
	commands = []command{
		{"version", "Show version.", runVersion},
		{"devices", "List available backends, their capabilities and memory.", runDevices},
		{"selfcheck", "Compare every backend against the CPU reference, forward and backward.", runSelfcheck},
		{"help", "Show this help.", runHelp},
	}
}

func runVersion() error {
	fmt.Printf("Born core %s\n", version)
	return nil
}

func runHelp() error {
	fmt.Printf("Born core %s\n\n", version)
	rows := make([][]string, 0, len(commands))
	for _, c := range commands {
		rows = append(rows, []string{c.name, c.description})
	}
	tui.Table(os.Stdout, []string{"command", "description"}, rows)
	fmt.Println()
	flag.PrintDefaults()
	return nil
}

func main() {
	flag.Parse()
	if *debug {
		log.SetLevel(log.DebugLevel)
	}

	name := "help"
	if flag.NArg() > 0 {
		name = flag.Arg(0)
	}
	for _, c := range commands {
		if c.name == name {
			if err := c.run(); err != nil {
				log.Fatal(err)
			}
			return
		}
	}
	log.Errorf("unknown command %q", name)
	_ = runHelp()
	os.Exit(2)
}
