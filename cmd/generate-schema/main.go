// Command generate-schema writes the JSON schema of the DittoShare
// configuration file, for editor completion and CI validation.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/marmos91/dittoshare/pkg/config"
)

func main() {
	output := flag.String("o", "dittoshare.schema.json", "Output file, or - for stdout")
	flag.Parse()

	if err := run(*output); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(output string) error {
	if output == "-" {
		return config.WriteSchema(os.Stdout)
	}

	f, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", output, err)
	}
	if err := config.WriteSchema(f); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "Schema v%s written to %s\n", config.SchemaVersion, output)
	return nil
}
