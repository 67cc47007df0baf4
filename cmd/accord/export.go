package main

import (
	"fmt"
	"io"
	"os"

	"github.com/mvlachos/accord/internal/config"
	"github.com/mvlachos/accord/internal/store"
)

func runExport(args []string) error {
	var outputPath string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-f":
			if i+1 >= len(args) {
				return fmt.Errorf("missing value for -f")
			}
			i++
			outputPath = args[i]
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()

	var w io.Writer = os.Stdout
	if outputPath != "" && outputPath != "-" {
		f, err := os.Create(outputPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	if err := db.ExportRuns(w); err != nil {
		return fmt.Errorf("export runs: %w", err)
	}
	if outputPath != "" && outputPath != "-" {
		info, err := os.Stat(outputPath)
		if err == nil {
			fmt.Fprintf(os.Stderr, "Export complete: %s, %d bytes\n", outputPath, info.Size())
		}
	}
	return nil
}

func runImport(args []string) error {
	var inputPath string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-f":
			if i+1 >= len(args) {
				return fmt.Errorf("missing value for -f")
			}
			i++
			inputPath = args[i]
		}
	}
	if inputPath == "" {
		fmt.Fprintf(os.Stderr, "Usage: accord import -f <runs.jsonl.zst>\n")
		return fmt.Errorf("missing -f flag")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()

	f, err := os.Open(inputPath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	count, err := db.ImportRuns(f)
	if err != nil {
		return fmt.Errorf("import runs: %w", err)
	}
	fmt.Printf("Import complete: %d runs\n", count)
	return nil
}
