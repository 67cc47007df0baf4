package main

import (
	"fmt"
	"log/slog"
	"os"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "version":
		fmt.Printf("accord %s\n", version)
	case "serve":
		err = runServe()
	case "plan":
		err = runPlan(os.Args[2:])
	case "run":
		err = runObjective(os.Args[2:])
	case "export":
		err = runExport(os.Args[2:])
	case "import":
		err = runImport(os.Args[2:])
	default:
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		slog.Error("command failed", "command", os.Args[1], "error", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: accord <command>

Commands:
  serve      Start the coordination service
  plan       Decompose an objective without running it
  run        Run an objective against a live service
  export     Export run history to a compressed archive
  import     Import run history from a compressed archive
  version    Print version
`)
}
