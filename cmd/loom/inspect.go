package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/loom/internal/safetensors"
	"github.com/samcharles93/loom/internal/statedict"
)

type adapterSummary struct {
	File    string             `json:"file"`
	Modules []string           `json:"modules"`
	Ranks   map[string]int     `json:"ranks"`
	Alphas  map[string]float64 `json:"alphas,omitempty"`
	Bias    bool               `json:"bias"`
	Norms   []string           `json:"norm_keys,omitempty"`
	DTypes  map[string]int     `json:"dtypes,omitempty"`
}

func inspectCmd() *cli.Command {
	var (
		prefix string
		asJSON bool
	)

	return &cli.Command{
		Name:      "inspect",
		Usage:     "Summarize an adapter file",
		ArgsUsage: "<adapter file>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "prefix",
				Usage:       "component prefix to filter multi-component checkpoints",
				Value:       "transformer",
				Destination: &prefix,
			},
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "emit JSON",
				Destination: &asJSON,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			path := cmd.Args().First()
			if path == "" {
				return fmt.Errorf("usage: loom inspect <adapter file>")
			}
			summary, err := summarize(ctx, path, prefix)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(summary)
			}
			printSummary(summary)
			return nil
		},
	}
}

func summarize(ctx context.Context, path, prefix string) (*adapterSummary, error) {
	dict, err := statedict.Load(ctx, statedict.Source{Path: path})
	if err != nil {
		return nil, err
	}
	dict = dict.FilterPrefix(prefix)
	dict, err = statedict.Normalize(dict)
	if err != nil {
		return nil, err
	}
	loraDict, normDict := statedict.Split(dict)

	ranks, err := statedict.Ranks(loraDict)
	if err != nil {
		return nil, err
	}
	alphas, err := statedict.Alphas(loraDict)
	if err != nil {
		return nil, err
	}

	summary := &adapterSummary{
		File:   filepath.Base(path),
		Ranks:  ranks,
		Alphas: alphas,
	}
	for module := range ranks {
		summary.Modules = append(summary.Modules, module)
	}
	sort.Strings(summary.Modules)
	for key := range loraDict {
		if strings.HasSuffix(key, statedict.SuffixLoraBBias) {
			summary.Bias = true
			break
		}
	}
	normKeys := normDict.Keys()
	sort.Strings(normKeys)
	summary.Norms = normKeys

	if strings.EqualFold(filepath.Ext(path), ".safetensors") {
		f, err := safetensors.Open(path)
		if err != nil {
			return nil, err
		}
		summary.DTypes = make(map[string]int)
		for _, info := range f.Tensors {
			summary.DTypes[info.DType]++
		}
	}
	return summary, nil
}

func printSummary(s *adapterSummary) {
	fmt.Printf("file:    %s\n", s.File)
	fmt.Printf("modules: %d\n", len(s.Modules))
	for _, m := range s.Modules {
		line := fmt.Sprintf("  %s  rank=%d", m, s.Ranks[m])
		if a, ok := s.Alphas[m]; ok {
			line += fmt.Sprintf(" alpha=%g", a)
		}
		fmt.Println(line)
	}
	fmt.Printf("bias:    %v\n", s.Bias)
	if len(s.Norms) > 0 {
		fmt.Printf("norms:   %s\n", strings.Join(s.Norms, ", "))
	}
	if len(s.DTypes) > 0 {
		var parts []string
		for _, dt := range sortedDTypes(s.DTypes) {
			parts = append(parts, fmt.Sprintf("%s x%d", dt, s.DTypes[dt]))
		}
		fmt.Printf("dtypes:  %s\n", strings.Join(parts, ", "))
	}
}

func sortedDTypes(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
