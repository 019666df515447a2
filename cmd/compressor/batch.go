package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/andresuchdata/dicom-compressor/internal/domain"
)

func runBatch(c *cli.Context) error {
	d, err := depsFrom(c)
	if err != nil {
		return err
	}

	desc, err := descriptorFromCLI(c)
	if err != nil {
		return err
	}
	if c.Bool("discover") {
		filter, err := filterFromCLI(c)
		if err != nil {
			return err
		}
		desc.Files, err = d.service.Discover(c.Context, desc.SourceBucket, desc.SourcePrefix, filter)
		if err != nil {
			return err
		}
	}
	if len(desc.Files) == 0 {
		return cli.Exit("no files to convert", 1)
	}

	runs, err := d.service.RunAll(c.Context, desc)
	if err != nil {
		return err
	}

	failed := 0
	for _, run := range runs {
		failed += run.FailedUnits
	}
	if err := writeJSON(c.App.Writer, runs); err != nil {
		return err
	}
	if failed > 0 {
		return cli.Exit(fmt.Sprintf("%d of %d units failed", failed, len(desc.Files)), 2)
	}
	return nil
}

func listBatch(c *cli.Context) error {
	d, err := depsFrom(c)
	if err != nil {
		return err
	}

	desc := descriptorFromFlags(c)
	if strings.TrimSpace(desc.SourceBucket) == "" {
		return cli.Exit("--source-bucket is required", 1)
	}
	filter, err := filterFromCLI(c)
	if err != nil {
		return err
	}

	desc.Files, err = d.service.Discover(c.Context, desc.SourceBucket, desc.SourcePrefix, filter)
	if err != nil {
		return err
	}
	return writeJSON(c.App.Writer, desc)
}

// descriptorFromCLI reads --batch when given, otherwise builds the descriptor from flags and
// positional file arguments. Flags override fields of the --batch file.
func descriptorFromCLI(c *cli.Context) (domain.BatchDescriptor, error) {
	var desc domain.BatchDescriptor

	if path := c.String("batch"); path != "" {
		var r io.Reader
		if path == "-" {
			r = c.App.Reader
			if r == nil {
				r = os.Stdin
			}
		} else {
			f, err := os.Open(path)
			if err != nil {
				return desc, fmt.Errorf("failed to open batch file: %w", err)
			}
			defer f.Close()
			r = f
		}
		if err := json.NewDecoder(r).Decode(&desc); err != nil {
			return desc, fmt.Errorf("failed to decode batch descriptor: %w", err)
		}
	}

	flags := descriptorFromFlags(c)
	for _, field := range []struct {
		name string
		dst  *string
		val  string
	}{
		{"source-bucket", &desc.SourceBucket, flags.SourceBucket},
		{"source-prefix", &desc.SourcePrefix, flags.SourcePrefix},
		{"target-bucket", &desc.TargetBucket, flags.TargetBucket},
		{"target-prefix", &desc.TargetPrefix, flags.TargetPrefix},
	} {
		if c.IsSet(field.name) || *field.dst == "" {
			*field.dst = field.val
		}
	}
	if c.NArg() > 0 {
		desc.Files = c.Args().Slice()
	}
	return desc, nil
}

func descriptorFromFlags(c *cli.Context) domain.BatchDescriptor {
	return domain.BatchDescriptor{
		SourceBucket: c.String("source-bucket"),
		SourcePrefix: c.String("source-prefix"),
		TargetBucket: c.String("target-bucket"),
		TargetPrefix: c.String("target-prefix"),
	}
}

func filterFromCLI(c *cli.Context) (domain.ObjectFilter, error) {
	filter := domain.ObjectFilter{Year: c.Int("year")}
	if m := c.Int("month"); m != 0 {
		if m < 1 || m > 12 {
			return filter, cli.Exit("--month must be between 1 and 12", 1)
		}
		filter.Month = time.Month(m)
	}
	return filter, nil
}

func writeJSON(w io.Writer, v interface{}) error {
	if w == nil {
		w = os.Stdout
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
