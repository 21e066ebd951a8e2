// Package main provides the refregion binary. It builds a custom reference
// region from a segmentation, either from command line flags or from a
// multi-region config file.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"refregion/internal/logger"
	"refregion/internal/models"
	"refregion/pkg/config"
	"refregion/pkg/nifti"
	"refregion/pkg/refregion"
	"refregion/pkg/runner"
	"refregion/pkg/visualization"
)

const (
	Version = "0.1.0"
	appName = "refregion"

	// singleRegionName names the only region of a flag-driven run in reports
	singleRegionName = "reference_region"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	mask                 string
	refIndices           []int32
	erode                int
	excludeIndices       []int32
	dilate               int
	probabilityMask      string
	probabilityThreshold float64
	output               string

	configPath      string
	intermediateDir string
	reportPath      string
	logLevel        string
}

// singleRegionFlags cannot be combined with --config
var singleRegionFlags = []string{
	"mask", "ref_indices", "erode", "exclude_indices", "dilate",
	"probability_mask", "probability_threshold", "output",
}

func rootCmd() *cobra.Command {
	var (
		opts options
		log  zerolog.Logger
	)

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Create a custom reference region from a mask",
		Long: `Create a custom reference region from a labeled segmentation.

The selected labels are optionally restricted by a probability map, eroded,
and then have the dilated footprint of the excluded labels removed.
Use --config to run several named regions from a YAML or JSON file.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			log, err = logger.NewConsole(opts.logLevel)
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			r := runner.New(log)
			if opts.configPath != "" {
				return runBatch(cmd.OutOrStdout(), r, opts)
			}
			return runSingle(cmd, r, opts)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.mask, "mask", "m", "", "Path to the mask file")
	f.Int32SliceVarP(&opts.refIndices, "ref_indices", "r", nil, "Indices to include in the reference region (comma-separated integers)")
	f.IntVarP(&opts.erode, "erode", "e", 0, "Number of voxels to erode the reference region by")
	f.Int32SliceVarP(&opts.excludeIndices, "exclude_indices", "x", nil, "Indices to exclude from the reference region (comma-separated integers)")
	f.IntVarP(&opts.dilate, "dilate", "d", 0, "Number of voxels to dilate the excluded areas by. The overlap is removed from the reference region")
	f.StringVarP(&opts.probabilityMask, "probability_mask", "p", "", "Path to probability mask file (optional, for WM or GM probability)")
	f.Float64VarP(&opts.probabilityThreshold, "probability_threshold", "t", 0, "Threshold for probability mask (values >= threshold become 1, else 0)")
	f.StringVarP(&opts.output, "output", "o", "", "Path to the output reference region file")
	f.StringVarP(&opts.configPath, "config", "c", "", "Config file with one or more reference regions (.yaml, .yml, .json)")
	f.StringVar(&opts.intermediateDir, "intermediate-dir", "", "Directory to save intermediate stage masks")
	f.StringVar(&opts.reportPath, "report", "", "Write morphometrics to a YAML or JSON report")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.MarkFlagsRequiredTogether("probability_mask", "probability_threshold")
	for _, name := range singleRegionFlags {
		cmd.MarkFlagsMutuallyExclusive("config", name)
	}

	cmd.AddCommand(versionCmd(), initConfigCmd(), slicesCmd(&log))
	return cmd
}

func runSingle(cmd *cobra.Command, r *runner.Runner, opts options) error {
	var missing []string
	for _, name := range []string{"mask", "ref_indices", "output"} {
		if !cmd.Flags().Changed(name) {
			missing = append(missing, "--"+name)
		}
	}
	if len(missing) > 0 {
		return errors.Errorf("required flag(s) %v not set (or use --config)", missing)
	}

	def := refregion.Definition{
		Include:      opts.refIndices,
		Exclude:      opts.excludeIndices,
		ErodeRadius:  opts.erode,
		DilateRadius: opts.dilate,
	}
	if cmd.Flags().Changed("probability_threshold") {
		def.ProbabilityThreshold = refregion.Threshold(opts.probabilityThreshold)
	}

	m, err := r.CustomRegion(runner.CustomRequest{
		MaskFile:        opts.mask,
		OutputFile:      opts.output,
		Definition:      def,
		ProbabilityFile: opts.probabilityMask,
		IntermediateDir: opts.intermediateDir,
	})
	if err != nil {
		return err
	}
	if err := m.Print(cmd.OutOrStdout()); err != nil {
		return err
	}

	if opts.reportPath != "" {
		return runner.WriteReport(opts.reportPath, []runner.RegionResult{
			{Name: singleRegionName, OutputFile: opts.output, Morphometrics: m},
		})
	}
	return nil
}

func runBatch(out io.Writer, r *runner.Runner, opts options) error {
	cfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		return err
	}

	var printErr error
	results, err := r.Batch(cfg, runner.BatchOptions{
		IntermediateDir: opts.intermediateDir,
		OnResult: func(res runner.RegionResult) {
			fmt.Fprintf(out, "\nRegion: %s\n", res.Name)
			if err := res.Morphometrics.Print(out); err != nil && printErr == nil {
				printErr = err
			}
		},
	})
	if err != nil {
		return err
	}
	if printErr != nil {
		return printErr
	}

	if opts.reportPath != "" {
		return runner.WriteReport(opts.reportPath, results)
	}
	return nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s\n", appName, Version)
		},
	}
}

func initConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-config <path>",
		Short: "Write an example config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.CreateDefaultConfigFile(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Config written to %s\n", args[0])
			return nil
		},
	}
}

func slicesCmd(log *zerolog.Logger) *cobra.Command {
	var (
		anatomical string
		mask       string
		axis       string
		dir        string
	)

	cmd := &cobra.Command{
		Use:   "slices",
		Short: "Save PNG slices of an image with a mask overlay",
		RunE: func(cmd *cobra.Command, args []string) error {
			img, err := nifti.ReadScalarImage(anatomical)
			if err != nil {
				return err
			}
			viewer, err := visualization.NewViewer(img.Data, img.Header.Shape)
			if err != nil {
				return err
			}

			if mask != "" {
				labels, err := nifti.ReadLabelVolume(mask)
				if err != nil {
					return err
				}
				overlay := models.NewMask(labels.Volume.Shape)
				for i, l := range labels.Volume.Data {
					if l != 0 {
						overlay.Data[i] = 1
					}
				}
				if viewer, err = viewer.WithOverlay(overlay); err != nil {
					return err
				}
			}

			if err := viewer.SaveSliceSequence(axis, dir); err != nil {
				return err
			}
			log.Info().Str("axis", axis).Str("dir", dir).Msg("slices saved")
			return nil
		},
	}

	cmd.Flags().StringVarP(&anatomical, "image", "i", "", "Anatomical image to render")
	cmd.Flags().StringVarP(&mask, "mask", "m", "", "Mask drawn on top of the image")
	cmd.Flags().StringVar(&axis, "axis", "z", "Slice axis (x, y, or z)")
	cmd.Flags().StringVarP(&dir, "dir", "d", "slices", "Directory to save slices")
	_ = cmd.MarkFlagRequired("image")
	return cmd
}
