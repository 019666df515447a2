package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
)

func sourceFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "source-bucket",
			Usage:   "Bucket holding the DICOM objects",
			EnvVars: []string{"SOURCE_BUCKET"},
		},
		&cli.StringFlag{
			Name:    "source-prefix",
			Usage:   "Key prefix of the DICOM objects",
			EnvVars: []string{"SOURCE_PREFIX"},
		},
		&cli.StringFlag{
			Name:    "target-bucket",
			Usage:   "Bucket receiving the compressed images",
			EnvVars: []string{"TARGET_BUCKET"},
		},
		&cli.StringFlag{
			Name:    "target-prefix",
			Usage:   "Key prefix for the compressed images",
			EnvVars: []string{"TARGET_PREFIX"},
		},
		&cli.IntFlag{
			Name:  "year",
			Usage: "Only objects last modified in this year (with --discover)",
		},
		&cli.IntFlag{
			Name:  "month",
			Usage: "Only objects last modified in this month, 1-12 (with --discover)",
		},
	}
}

func main() {
	_ = godotenv.Load()

	app := &cli.App{
		Name:  "compressor",
		Usage: "Convert DICOM objects to partitioned grayscale JPEGs",
		Commands: []*cli.Command{
			{
				Name:      "run",
				Usage:     "Convert a batch of objects",
				ArgsUsage: "[file...]",
				Flags: append(sourceFlags(),
					&cli.StringFlag{
						Name:  "batch",
						Usage: "Batch descriptor JSON file, - for stdin",
					},
					&cli.BoolFlag{
						Name:  "discover",
						Usage: "List the source prefix instead of taking files as arguments",
					},
					&cli.IntFlag{
						Name:    "chunk-size",
						Usage:   "Maximum files per batch run",
						EnvVars: []string{"PIPELINE_CHUNK_SIZE"},
					},
				),
				Before: initDeps,
				After:  closeDeps,
				Action: runBatch,
			},
			{
				Name:   "list",
				Usage:  "Print the batch descriptor for a source prefix",
				Flags:  sourceFlags(),
				Before: initDeps,
				After:  closeDeps,
				Action: listBatch,
			},
			{
				Name:      "fetch",
				Usage:     "Download source objects without converting them",
				ArgsUsage: "[file...]",
				Flags: append(sourceFlags(),
					&cli.StringFlag{
						Name:  "out",
						Usage: "Destination directory (default: the staging download directory)",
					},
				),
				Before: initDeps,
				After:  closeDeps,
				Action: fetchObjects,
			},
			{
				Name:  "serve",
				Usage: "Start the HTTP trigger server",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "port",
						Usage: "Listen port (default: SERVER_PORT)",
					},
				},
				Before: initDeps,
				After:  closeDeps,
				Action: serve,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Error().Err(err).Msg("compressor failed")
		os.Exit(1)
	}
}
