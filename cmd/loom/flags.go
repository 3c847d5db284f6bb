package main

import (
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/loom/internal/logger"
	"github.com/samcharles93/loom/internal/module"
)

var (
	logLevel  string
	logFormat string

	modelPath       string
	blockCount      int64
	inputDim        int64
	embeddingLength int64
	ffnLength       int64
	headCount       int64
	modelSeed       int64
)

func logFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
	}
}

// commonModelFlags configure the host model: a checkpoint path, or a
// topology to synthesize one with deterministic weights.
func commonModelFlags() []cli.Flag {
	return append(logFlags(),
		&cli.StringFlag{
			Name:        "model",
			Usage:       "base model checkpoint (.safetensors); omit to synthesize",
			Destination: &modelPath,
		},
		&cli.Int64Flag{
			Name:        "blocks",
			Usage:       "synthesized model block count",
			Value:       2,
			Destination: &blockCount,
		},
		&cli.Int64Flag{
			Name:        "input-dim",
			Usage:       "synthesized model input dimension",
			Value:       16,
			Destination: &inputDim,
		},
		&cli.Int64Flag{
			Name:        "embedding",
			Usage:       "synthesized model embedding length",
			Value:       32,
			Destination: &embeddingLength,
		},
		&cli.Int64Flag{
			Name:        "ffn",
			Usage:       "synthesized model feed-forward length",
			Value:       64,
			Destination: &ffnLength,
		},
		&cli.Int64Flag{
			Name:        "heads",
			Usage:       "synthesized model head count",
			Value:       4,
			Destination: &headCount,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "synthesized model weight seed",
			Value:       1,
			Destination: &modelSeed,
		},
	)
}

func newLogger() logger.Logger {
	level := logger.ParseLevel(logLevel)
	switch logFormat {
	case "json":
		return logger.JSON(os.Stderr, level)
	case "text":
		return logger.Default()
	default:
		return logger.Pretty(os.Stderr, level)
	}
}

func loadModel() (*module.Model, error) {
	if modelPath != "" {
		return module.Load(modelPath)
	}
	return module.New(module.Config{
		BlockCount:      int(blockCount),
		InputDim:        int(inputDim),
		EmbeddingLength: int(embeddingLength),
		FFNLength:       int(ffnLength),
		HeadCount:       int(headCount),
		RMSEpsilon:      1e-5,
	}, modelSeed)
}
