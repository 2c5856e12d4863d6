package main

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"k8s.io/klog/v2"

	"phylopack/internal/app"
	"phylopack/internal/distance"
	"phylopack/internal/fault"
	"phylopack/internal/genome"
	"phylopack/internal/history"
	"phylopack/internal/notify"
	"phylopack/internal/partition"
	"phylopack/internal/pipeline"
	"phylopack/internal/placement"
	"phylopack/internal/runner"
	"phylopack/internal/stats"
	"phylopack/internal/tree"
)

func addStatsFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("statistic", false, "write a statistics report")
	cmd.Flags().String("statistic-file-type", "json", "statistics format: json or csv")
}

func statsFormat() (stats.Format, error) {
	f, err := stats.ParseFormat(viper.GetString("statistic-file-type"))
	if err != nil {
		return "", fault.Invalid("statistics", "%v", err)
	}
	return f, nil
}

// writeStageStats writes <dir>/<stage>_stats.<fmt> when --statistic is set.
func writeStageStats(dir, stage string, st stats.Stats) error {
	if !viper.GetBool("statistic") {
		return nil
	}
	f, err := statsFormat()
	if err != nil {
		return err
	}
	path := filepath.Join(dir, stats.FileName(stage, f))
	if err := stats.WriteFile(nil, path, f, st); err != nil {
		return err
	}
	infof("Statistics saved to %s", path)
	return nil
}

func seedFlag() int64 {
	if viper.IsSet("seed") {
		return viper.GetInt64("seed")
	}
	return time.Now().Unix()
}

func partitionOptions() (partition.Options, error) {
	policy, err := partition.ParsePolicy(viper.GetString("splitting-scheme"))
	if err != nil {
		return partition.Options{}, err
	}
	return partition.Options{
		Policy:   policy,
		CutPoint: viper.GetFloat64("cut-point"),
		Nth:      viper.GetInt("nth"),
	}, nil
}

func addPartitionFlags(cmd *cobra.Command) {
	cmd.Flags().Float64("cut-point", 0.01, "reference share: < 1 is a fraction of the input, >= 1 a genome count")
	cmd.Flags().Int64("seed", 0, "seed for the random scheme (default: current time)")
	cmd.Flags().String("splitting-scheme", "random", "reference selection: random, nth-accession or custom")
	cmd.Flags().Int("nth", 0, "take every nth genome by accession for the nth-accession scheme")
	cmd.Flags().String("custom-ref", "", "reference genome list for the custom scheme")
}

func partitionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "partition <genomes.txt>",
		Short: "Split a genome list into references and remains",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := args[0]
			outDir := viper.GetString("output")
			opts, err := partitionOptions()
			if err != nil {
				return err
			}
			opts.Seed = seedFlag()
			if _, err := statsFormat(); err != nil {
				return err
			}
			if err := os.MkdirAll(outDir, 0o755); err != nil {
				return fault.IO("create output directory", err)
			}
			base := genome.Basename(input)
			refOut := viper.GetString("ref-output")
			if refOut == "" {
				refOut = filepath.Join(outDir, "references_"+base+".txt")
			}
			remOut := viper.GetString("rem-output")
			if remOut == "" {
				remOut = filepath.Join(outDir, "remains_"+base+".txt")
			}
			res, st, err := partition.Run(cmd.Context(), partition.Job{
				Input:           input,
				ReferenceOutput: refOut,
				RemainderOutput: remOut,
				CustomReference: viper.GetString("custom-ref"),
				Options:         opts,
			})
			if err != nil {
				return err
			}
			if err := writeStageStats(outDir, pipeline.StageSplit, st); err != nil {
				return err
			}
			summary := map[string]any{
				"references":      refOut,
				"remains":         remOut,
				"reference_count": len(res.Partition.Reference),
				"remaining_count": len(res.Partition.Remainder),
				"seed":            opts.Seed,
			}
			return printJSONOrText(summary, func() {
				infof("Wrote %d references to %s and %d remaining genomes to %s",
					len(res.Partition.Reference), refOut, len(res.Partition.Remainder), remOut)
			})
		},
	}
	cmd.Flags().StringP("output", "o", ".", "output directory")
	cmd.Flags().String("ref-output", "", "reference list path (default <output>/references_<input>.txt)")
	cmd.Flags().String("rem-output", "", "remains list path (default <output>/remains_<input>.txt)")
	addPartitionFlags(cmd)
	addStatsFlags(cmd)
	return cmd
}

func treeParams(sketchKey string) (tree.Params, error) {
	method, err := tree.ParseMethod(viper.GetString("method"))
	if err != nil {
		return tree.Params{}, err
	}
	p := tree.Params{
		K:          viper.GetInt("kmer"),
		SketchSize: viper.GetInt(sketchKey),
		Threads:    viper.GetInt("threads"),
		Method:     method,
	}
	return p, p.Validate()
}

func distanceParams(sketchKey string) (distance.Params, error) {
	p := distance.Params{
		K:          viper.GetInt("kmer"),
		SketchSize: viper.GetInt(sketchKey),
		Threads:    viper.GetInt("threads"),
	}
	return p, p.Validate()
}

func logMarkers() []runner.Marker {
	if len(cfg.LogMarkers.Stages) == 0 {
		return tree.DefaultMarkers
	}
	markers := make([]runner.Marker, len(cfg.LogMarkers.Stages))
	for i, m := range cfg.LogMarkers.Stages {
		markers[i] = runner.Marker{Name: m.Name, Start: m.Start, End: m.End}
	}
	return markers
}

func markerNames(markers []runner.Marker) []string {
	names := make([]string, len(markers))
	for i, m := range markers {
		names[i] = m.Name
	}
	return names
}

func addSketchFlags(cmd *cobra.Command) {
	cmd.Flags().IntP("kmer", "k", 21, "k-mer size")
	cmd.Flags().IntP("threads", "t", 10, "threads")
}

func treeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tree <genomes.txt>",
		Short: "Build a reference tree and its leaf order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := args[0]
			outDir := viper.GetString("output")
			params, err := treeParams("s-reference")
			if err != nil {
				return err
			}
			if _, err := statsFormat(); err != nil {
				return err
			}
			exec := newRunner()
			builder := tree.NewAttotree(exec, cfg.Tools.Attotree, cfg.Tools.Postprocess)
			if err := runner.Require(exec, klog.FromContext(cmd.Context()), builder.Tools()...); err != nil {
				return err
			}
			outs := tree.DefaultOutputs(outDir, input)
			for key, dst := range map[string]*string{
				"output-tree":     &outs.Tree,
				"output-std-tree": &outs.StdTree,
				"leaf-order":      &outs.LeafOrder,
				"node-order":      &outs.NodeInfo,
			} {
				if v := viper.GetString(key); v != "" {
					*dst = v
				}
			}
			if err := os.MkdirAll(outDir, 0o755); err != nil {
				return fault.IO("create output directory", err)
			}
			markers := logMarkers()
			leaves, st, err := tree.Run(cmd.Context(), builder, tree.Job{
				Input:   input,
				Outputs: outs,
				Params:  params,
				Timings: runner.MarkerExtractor{Markers: markers, Layout: cfg.LogMarkers.TimestampLayout},
				Markers: markerNames(markers),
			})
			if err != nil {
				return err
			}
			if err := writeStageStats(outDir, pipeline.StageTree, st); err != nil {
				return err
			}
			summary := map[string]any{"tree": outs.StdTree, "leaf_order": outs.LeafOrder, "leaves": len(leaves)}
			return printJSONOrText(summary, func() {
				infof("Wrote tree %s and leaf order %s (%d leaves)", outs.StdTree, outs.LeafOrder, len(leaves))
			})
		},
	}
	cmd.Flags().StringP("output", "o", ".", "output directory")
	addSketchFlags(cmd)
	cmd.Flags().IntP("s-reference", "s", 10000, "sketch size")
	cmd.Flags().StringP("method", "m", "nj", "tree method: nj or upgma")
	cmd.Flags().String("output-tree", "", "Newick tree path")
	cmd.Flags().String("output-std-tree", "", "standardized tree path")
	cmd.Flags().String("leaf-order", "", "leaf order path")
	cmd.Flags().String("node-order", "", "internal node info path")
	addStatsFlags(cmd)
	return cmd
}

func placeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "place <queries.txt> <references.txt>",
		Short: "Group each query genome under its nearest reference",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			outDir := viper.GetString("output")
			params, err := distanceParams("s-placement")
			if err != nil {
				return err
			}
			if _, err := statsFormat(); err != nil {
				return err
			}
			exec := newRunner()
			if err := runner.Require(exec, klog.FromContext(cmd.Context()), cfg.Tools.Mash); err != nil {
				return err
			}
			if err := os.MkdirAll(outDir, 0o755); err != nil {
				return fault.IO("create output directory", err)
			}
			engine := &placement.Engine{Provider: distance.NewMash(exec, cfg.Tools.Mash), Params: params}
			orderPath := filepath.Join(outDir, pipeline.PlacementOrderFile)
			res, st, err := engine.Run(cmd.Context(), placement.Job{
				Queries:     args[0],
				References:  args[1],
				WorkDir:     outDir,
				OrderOutput: orderPath,
			})
			if err != nil {
				return err
			}
			if err := writeStageStats(outDir, pipeline.StagePlacement, st); err != nil {
				return err
			}
			summary := map[string]any{"order": orderPath, "keys": len(res.Order), "references": len(res.Assignment.References)}
			return printJSONOrText(summary, func() {
				infof("Wrote placement order of %d genomes to %s", len(res.Order), orderPath)
			})
		},
	}
	cmd.Flags().StringP("output", "o", ".", "output directory")
	addSketchFlags(cmd)
	cmd.Flags().IntP("s-placement", "s", 1000, "sketch size")
	addStatsFlags(cmd)
	return cmd
}

func preorderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "preorder <genomes.txt>",
		Short: "Run partition, tree and placement and write the final genome order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			opts, err := partitionOptions()
			if err != nil {
				return err
			}
			treeP, err := treeParams("s-reference")
			if err != nil {
				return err
			}
			placeP, err := distanceParams("s-placement")
			if err != nil {
				return err
			}
			format, err := statsFormat()
			if err != nil {
				return err
			}
			pc := pipeline.PreorderConfig{
				Input:           args[0],
				Output:          viper.GetString("output"),
				Partition:       opts,
				CustomReference: viper.GetString("custom-ref"),
				Tree:            treeP,
				Placement:       placeP,
				LogMarkers:      logMarkers(),
				TimestampLayout: cfg.LogMarkers.TimestampLayout,
				Stats: pipeline.StatsOptions{
					Enabled:  viper.GetBool("statistic"),
					Format:   format,
					Textfile: viper.GetString("metrics-textfile"),
				},
				Debug: viper.GetBool("debug"),
				Workspace: pipeline.WorkspacePolicy{
					UniqueDebugDir:   cfg.Workspace.UniqueDebugDir,
					CleanupOnFailure: cfg.Workspace.CleanupOnFailure,
					TempRoot:         cfg.Workspace.TempRoot,
				},
			}
			if viper.IsSet("seed") {
				seed := viper.GetInt64("seed")
				pc.Seed = &seed
			}

			exec := newRunner()
			builder := tree.NewAttotree(exec, cfg.Tools.Attotree, cfg.Tools.Postprocess)
			orch := &pipeline.Orchestrator{
				Tools:         exec,
				RequiredTools: append([]string{cfg.Tools.Mash}, builder.Tools()...),
				Distance:      distance.NewMash(exec, cfg.Tools.Mash),
				Builder:       builder,
				Fs:            afero.NewOsFs(),
			}
			if !viper.GetBool("no-history") && !cfg.History.Disabled {
				conn, err := app.OpenStore(ctx, viper.GetString("state-dir"))
				if err != nil {
					return fault.IO("open run history", err)
				}
				defer conn.Close()
				orch.Recorder = history.New(conn, notify.New(cfg.Notify.Webhooks))
			}

			report, err := orch.Run(ctx, pc)
			if err != nil {
				if report.Retained {
					infof("Workspace kept at %s", report.Workspace)
				}
				return err
			}
			if viper.GetBool("verbose") && len(report.Stages) > 0 {
				stats.RenderTable(os.Stderr, report.Stages)
			}
			return printJSONOrText(report, func() {
				infof("Wrote preorder of %d genomes to %s (run %s)", report.Keys, report.Output, report.RunID)
				if report.StatsFile != "" {
					infof("Statistics saved to %s", report.StatsFile)
				}
				if report.Retained {
					infof("Workspace kept at %s", report.Workspace)
				}
			})
		},
	}
	cmd.Flags().StringP("output", "o", "", "final genome order file")
	_ = cmd.MarkFlagRequired("output")
	addPartitionFlags(cmd)
	addSketchFlags(cmd)
	cmd.Flags().Int("s-reference", 10000, "sketch size for the reference tree")
	cmd.Flags().Int("s-placement", 1000, "sketch size for placement")
	cmd.Flags().StringP("method", "m", "nj", "tree method: nj or upgma")
	cmd.Flags().Bool("debug", false, "keep the scratch workspace next to the output")
	cmd.Flags().String("metrics-textfile", "", "write Prometheus stage gauges to this file")
	cmd.Flags().Bool("no-history", false, "do not record the run in the state directory")
	addStatsFlags(cmd)
	return cmd
}
