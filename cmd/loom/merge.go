package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/loom/internal/adapters"
	"github.com/samcharles93/loom/internal/module"
	"github.com/samcharles93/loom/internal/statedict"
)

func mergeCmd() *cli.Command {
	var (
		adapterPaths []string
		prefix       string
		scale        float64
		safe         bool
		output       string
	)

	return &cli.Command{
		Name:  "merge",
		Usage: "Fuse adapters into a base model and save the merged checkpoint",
		Flags: append(commonModelFlags(),
			&cli.StringSliceFlag{
				Name:        "adapter",
				Usage:       "adapter file to fuse (repeatable)",
				Destination: &adapterPaths,
			},
			&cli.StringFlag{
				Name:        "prefix",
				Usage:       "component prefix to filter multi-component checkpoints",
				Value:       "transformer",
				Destination: &prefix,
			},
			&cli.Float64Flag{
				Name:        "scale",
				Usage:       "global scale applied to every fused delta",
				Value:       1,
				Destination: &scale,
			},
			&cli.BoolFlag{
				Name:        "safe",
				Usage:       "validate fused weights for NaN/Inf before committing",
				Destination: &safe,
			},
			&cli.StringFlag{
				Name:        "output",
				Aliases:     []string{"o"},
				Usage:       "merged checkpoint path",
				Value:       "merged.safetensors",
				Destination: &output,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg := LoadConfig()
			applyLogConfig(cmd, cfg)
			applyMergeConfig(cmd, cfg, &scale)
			log := newLogger()

			if len(adapterPaths) == 0 {
				return fmt.Errorf("at least one --adapter is required")
			}
			m, err := loadModel()
			if err != nil {
				return err
			}

			mgr := adapters.NewManager(m, log)
			var names []string
			for _, path := range adapterPaths {
				name, err := mgr.LoadAdapter(ctx, statedict.Source{Path: path}, adapters.LoadOptions{
					Prefix:    prefix,
					LowMemory: true,
				})
				if err != nil {
					return fmt.Errorf("load %s: %w", path, err)
				}
				names = append(names, name)
				log.Info("adapter loaded", "file", path, "adapter", name)
			}
			if err := mgr.SetAdapters(names, nil); err != nil {
				return err
			}
			if err := mgr.Fuse(adapters.FuseOptions{Scale: scale, Safe: safe}); err != nil {
				return err
			}
			if err := module.Save(m, output); err != nil {
				return err
			}
			log.Info("merged checkpoint written", "path", output, "adapters", len(names), "scale", scale)
			return nil
		},
	}
}
