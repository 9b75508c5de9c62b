// Command dmremap-admin attaches a main/spare device pair and exposes
// the administrative surface (spec.md §6, "message") as both one-shot
// subcommands and an interactive REPL.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/peterh/liner"
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	dmremap "github.com/amigatomte/dm-remap-sub007"
	"github.com/amigatomte/dm-remap-sub007/device"
	"github.com/amigatomte/dm-remap-sub007/internal/logging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "dmremap-admin: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		mainSize  = flag.String("main-size", "64M", "size of the main device (e.g. 64M, 1G)")
		spareSize = flag.String("spare-size", "8M", "size of the spare device")
		configPath = flag.StringP("config", "c", "", "path to a JSONC config file (device sizes still come from the size flags)")
		allowSmall = flag.Bool("allow-small-spare", false, "permit a spare device below the minimum reservation floor")
		verbose    = flag.BoolP("verbose", "v", false, "enable debug logging")
		oneShot    = flag.StringP("exec", "e", "", "run one administrative command and exit instead of starting the REPL")
	)
	flag.Parse()
	args := flag.Args()
	if len(args) != 2 {
		return fmt.Errorf("usage: dmremap-admin [flags] <main-path> <spare-path>")
	}
	mainPath, sparePath := args[0], args[1]

	cfg := dmremap.DefaultConfig()
	if *configPath != "" {
		loaded, err := dmremap.LoadConfigFile(*configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	cfg.MainPath = mainPath
	cfg.SparePath = sparePath
	if *allowSmall {
		cfg.AllowSmallSpare = true
	}
	var opts *dmremap.Options
	if *verbose {
		cfg.LogLevel = "debug"
		opts = &dmremap.Options{Logger: logging.NewLogger(&logging.Config{Level: logrus.DebugLevel})}
	}

	mainSectors, err := parseSizeSectors(*mainSize)
	if err != nil {
		return fmt.Errorf("main-size: %w", err)
	}
	spareSectors, err := parseSizeSectors(*spareSize)
	if err != nil {
		return fmt.Errorf("spare-size: %w", err)
	}

	mainDev, err := device.OpenFile(mainPath, mainSectors)
	if err != nil {
		return fmt.Errorf("open main device: %w", err)
	}
	spareDev, err := device.OpenFile(sparePath, spareSectors)
	if err != nil {
		mainDev.Close()
		return fmt.Errorf("open spare device: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine, err := dmremap.Attach(ctx, cfg, mainDev, spareDev, opts)
	if err != nil {
		return fmt.Errorf("attach: %w", err)
	}
	defer func() {
		if err := engine.Detach(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "detach: %v\n", err)
		}
	}()

	if *oneShot != "" {
		out, err := engine.Message(ctx, *oneShot)
		if err != nil {
			return err
		}
		fmt.Println(out)
		return nil
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	return runREPL(ctx, engine)
}

// runREPL drives an interactive admin session over the Message verb
// dispatch, using a liner.State for readline-style history/editing.
func runREPL(ctx context.Context, engine *dmremap.Engine) error {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	histPath := historyFile()
	if f, err := os.Open(histPath); err == nil {
		line.ReadHistory(f)
		f.Close()
	}

	fmt.Println("dmremap-admin interactive session. Type 'help' for commands, 'exit' to quit.")

	for {
		input, err := line.Prompt("dmremap> ")
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				fmt.Println()
				break
			}
			return err
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		switch strings.Fields(input)[0] {
		case "exit", "quit":
			goto done
		case "help":
			printHelp()
			continue
		}

		out, err := engine.Message(ctx, input)
		if err != nil {
			fmt.Printf("error: %v\n", err)
			continue
		}
		fmt.Println(out)
	}
done:

	if f, err := os.Create(histPath); err == nil {
		line.WriteHistory(f)
		f.Close()
	}
	return nil
}

func printHelp() {
	fmt.Println(`commands:
  remap <sector>     force a remap of one logical sector
  verify <sector>     report a logical sector's mapping
  save                 schedule an async metadata flush
  sync                 flush metadata synchronously
  clear                drop every remap entry
  describe             print the live configuration as YAML
  dump <path>          write a point-in-time metadata snapshot
  status               print the fixed-shape status line
  exit                 leave the session`)
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".dmremap_history"
	}
	return filepath.Join(home, ".dmremap_history")
}

// parseSizeSectors parses a human size string like "64M"/"1G" into a
// 512-byte sector count.
func parseSizeSectors(s string) (uint64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	multiplier := uint64(1)
	numStr := s
	switch {
	case strings.HasSuffix(s, "K"):
		multiplier = 1024
		numStr = strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		multiplier = 1024 * 1024
		numStr = strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		multiplier = 1024 * 1024 * 1024
		numStr = strings.TrimSuffix(s, "G")
	}
	n, err := strconv.ParseUint(numStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	bytes := n * multiplier
	return bytes / 512, nil
}
