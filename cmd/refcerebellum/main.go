// Package main provides the refcerebellum binary, which builds the
// cerebellar reference region from a cerebellar and a whole-brain
// segmentation.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"refregion/internal/logger"
	"refregion/pkg/cerebellum"
	"refregion/pkg/runner"
)

const (
	Version = "0.1.0"
	appName = "refcerebellum"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		cerebellumPath  string
		brainPath       string
		outputPath      string
		atlasName       string
		intermediateDir string
		logLevel        string
		params          = cerebellum.DefaultParams()
		atlases         = cerebellum.NewRegistry()
		log             zerolog.Logger
	)

	cmd := &cobra.Command{
		Use:           appName,
		Short:         "Create a cerebellum reference region",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			log, err = logger.NewConsole(logLevel)
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			atlas, err := atlases.Lookup(atlasName)
			if err != nil {
				return err
			}
			params.Atlas = atlas

			m, err := runner.New(log).CerebellumRegion(runner.CerebellumRequest{
				CerebellumFile:  cerebellumPath,
				BrainFile:       brainPath,
				OutputFile:      outputPath,
				Params:          params,
				IntermediateDir: intermediateDir,
			})
			if err != nil {
				return err
			}
			return m.Print(cmd.OutOrStdout())
		},
	}

	f := cmd.Flags()
	f.StringVarP(&cerebellumPath, "cerebellum", "c", "", "Path to the cerebellum segmentation file")
	f.StringVarP(&brainPath, "brain", "b", "", "Path to the brain segmentation file")
	f.StringVarP(&outputPath, "output", "o", "", "Path to the output reference region file")
	f.IntVar(&params.CerebellumErosion, "erode", params.CerebellumErosion, "Voxels to erode the cerebellum by")
	f.IntVar(&params.VermisDilation, "dilate-vermis", params.VermisDilation, "Voxels to dilate the vermis by before removing it")
	f.IntVar(&params.CortexDilation, "dilate-cortex", params.CortexDilation, "Voxels to dilate the cerebral cortex by before removing it")
	f.StringVar(&atlasName, "atlas", cerebellum.DefaultAtlas.Name, fmt.Sprintf("Label atlas %v", atlases.Names()))
	f.StringVar(&intermediateDir, "intermediate-dir", "", "Directory to save intermediate stage masks")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	for _, name := range []string{"cerebellum", "brain", "output"} {
		_ = cmd.MarkFlagRequired(name)
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s\n", appName, Version)
		},
	})
	return cmd
}
