package main

import (
	"github.com/spf13/cobra"

	"esrgan-forge/internal/dataset"
)

type prepareOptions struct {
	src       string
	dst       string
	imageSize int
	scale     int
	shardSize int
	logLevel  string
}

func newPrepareCmd() *cobra.Command {
	opts := &prepareOptions{}
	cmd := &cobra.Command{
		Use:     "prepare",
		Short:   "Build paired hr/lr shards from a directory of images",
		Example: `  esrgan-forge prepare --src /data/DIV2K_train_HR --dst /data/shards --image-size 128 --scale 4`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := newLogger(opts.logLevel, "text")
			if err != nil {
				return err
			}
			_, err = dataset.Prepare(cmd.Context(), opts.src, opts.dst, dataset.PrepareOptions{
				ImageSize:   opts.imageSize,
				ScaleFactor: opts.scale,
				ShardSize:   opts.shardSize,
				Logger:      logger,
			})
			return err
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.src, "src", "", "directory of source images")
	f.StringVar(&opts.dst, "dst", "", "output shard directory")
	f.IntVar(&opts.imageSize, "image-size", 128, "high resolution side length")
	f.IntVar(&opts.scale, "scale", 4, "downsampling factor for the low resolution input")
	f.IntVar(&opts.shardSize, "shard-size", 1000, "samples per shard")
	f.StringVar(&opts.logLevel, "log-level", "info", "log level")
	_ = cmd.MarkFlagRequired("src")
	_ = cmd.MarkFlagRequired("dst")
	return cmd
}
