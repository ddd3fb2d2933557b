package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"

	"github.com/KevoDB/mvds/pkg/common/log"
	"github.com/KevoDB/mvds/pkg/config"
)

// Command completer for readline
var completer = readline.NewPrefixCompleter(
	readline.PcItem(".help"),
	readline.PcItem(".exit"),
	readline.PcItem(".stats"),
	readline.PcItem(".reset"),
	readline.PcItem(".dump"),
	readline.PcItem("SEED"),
	readline.PcItem("WRITE"),
	readline.PcItem("DELETE"),
	readline.PcItem("DELTA"),
	readline.PcItem("ESTIMATE"),
	readline.PcItem("REMOVE"),
	readline.PcItem("MATERIALIZE"),
	readline.PcItem("READ"),
	readline.PcItem("GSEED"),
	readline.PcItem("GWRITE"),
	readline.PcItem("GESTIMATE"),
	readline.PcItem("GREMOVE"),
	readline.PcItem("GREAD"),
	readline.PcItem("GSIZE"),
)

const helpText = `
mvds - multi-version data store shell

Values are raw strings, or aggregator values written as u:NUMBER.

Commands:
  .help                           - Show this help message
  .exit                           - Exit the program
  .stats                          - Show operation and read outcome counters
  .reset                          - Drop all versions and start a new block
  .dump FILE [BLOCK_SIZE]         - Write the encoded write-set of the block to FILE

  SEED key value                  - Set the pre-block value of key
  WRITE key idx inc value         - Record the write of transaction idx
  DELETE key idx inc              - Record a deletion by transaction idx
  DELTA key idx +N|-N [limit]     - Record an aggregator delta of transaction idx
  ESTIMATE key idx                - Mark the entry of transaction idx as an estimate
  REMOVE key idx                  - Remove the entry of transaction idx
  MATERIALIZE key idx N           - Record the committed value of a delta entry
  READ key idx                    - Read key as transaction idx sees it

  GSEED key tag=value...          - Set the pre-block content of a group
  GWRITE key idx inc tag=value... -tag...
                                  - Record a group write; -tag removes a tag
  GESTIMATE key idx tag...        - Mark tags written by idx as estimates
  GREMOVE key idx                 - Remove the group output of transaction idx
  GREAD key tag idx               - Read one tag as transaction idx sees it
  GSIZE key idx                   - Read the group size as transaction idx sees it
`

func main() {
	configPath := flag.String("config", "", "Path to a JSON configuration file")
	logLevel := flag.String("log-level", "", "Override the configured log level")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "mvds - interactive shell over a multi-version data store\n\n")
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: mvds [options]\n\nOptions:\n")
		flag.PrintDefaults()
		fmt.Fprintf(flag.CommandLine.Output(), "\nFor the list of commands, start mvds and type .help\n")
	}
	flag.Parse()

	cfg, err := loadConfig(*configPath, *logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %s\n", err)
		os.Exit(1)
	}

	logger := log.NewStandardLogger(log.WithLevel(cfg.Level()), log.WithOutput(os.Stderr))
	log.SetDefaultLogger(logger)

	runInteractive(newShell(cfg, logger, os.Stdout))
}

func loadConfig(path, level string) (*config.Config, error) {
	cfg := config.NewDefaultConfig()
	if path != "" {
		loaded, err := config.LoadConfigFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if level != "" {
		if _, err := log.ParseLevel(level); err != nil {
			return nil, err
		}
		cfg.Update(func(c *config.Config) { c.LogLevel = level })
	}
	return cfg, nil
}

// runInteractive starts the interactive CLI mode
func runInteractive(s *shell) {
	fmt.Println("mvds shell")
	fmt.Println("Enter .help for usage hints.")

	historyFile := filepath.Join(os.TempDir(), ".mvds_history")
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "mvds> ",
		HistoryFile:     historyFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    completer,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing readline: %s\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	for {
		line, readErr := rl.Readline()
		if readErr != nil {
			if errors.Is(readErr, readline.ErrInterrupt) {
				if len(line) == 0 {
					break
				}
				continue
			} else if errors.Is(readErr, io.EOF) {
				fmt.Println("Goodbye!")
				break
			}
			fmt.Fprintf(os.Stderr, "Error reading input: %s\n", readErr)
			continue
		}

		if s.execute(strings.TrimSpace(line)) {
			return
		}
	}
}
