package main

import (
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"esrgan-forge/internal/config"
	"esrgan-forge/internal/dataset"
	"esrgan-forge/internal/metrics"
	"esrgan-forge/internal/trainer"
)

type trainOptions struct {
	configPath string
	overrides  config.Overrides
	epoch      int
}

func newTrainCmd() *cobra.Command {
	opts := &trainOptions{}
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train the generator and discriminator",
		Example: `  esrgan-forge train --config configs/train.yaml
  ESRGAN_NUM_EPOCH=5 esrgan-forge train --data-root /data/div2k --epoch 2`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("epoch") {
				opts.overrides.Epoch = &opts.epoch
			}
			return runTrain(cmd, opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.configPath, "config", "", "path to YAML config")
	f.StringSliceVar(&opts.overrides.DataRoots, "data-root", nil, "shard root directory (repeatable)")
	f.IntVar(&opts.overrides.NumEpoch, "num-epoch", 0, "number of epochs")
	f.IntVar(&opts.epoch, "epoch", 0, "epoch to start from")
	f.IntVar(&opts.overrides.BatchSize, "batch-size", 0, "batch size")
	f.IntVar(&opts.overrides.NumWorkers, "num-workers", 0, "number of shard reader workers")
	f.Int64Var(&opts.overrides.Seed, "seed", 0, "PRNG seed")
	f.Float64Var(&opts.overrides.LR, "lr", 0, "Adam learning rate")
	f.StringVar(&opts.overrides.CheckpointDir, "checkpoint-dir", "", "checkpoint directory")
	f.StringVar(&opts.overrides.SampleDir, "sample-dir", "", "sample image directory")
	f.IntVar(&opts.overrides.LogEvery, "log-every", 0, "log every N steps")
	f.StringVar(&opts.overrides.Device, "device", "", "compute device (auto, cpu)")
	return cmd
}

func runTrain(cmd *cobra.Command, opts *trainOptions) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	cfg.ApplyOverrides(opts.overrides)
	if err := cfg.Validate(); err != nil {
		return err
	}

	base, err := newLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	logger := base.WithField("run", uuid.NewString())
	logger.WithFields(logrus.Fields{
		"num_epoch":  cfg.NumEpoch,
		"epoch":      cfg.Epoch,
		"batch_size": cfg.BatchSize,
		"image_size": cfg.ImageSize,
		"scale":      cfg.ScaleFactor,
		"lr":         cfg.LR,
	}).Info("starting training")

	loader, err := dataset.Open(cfg.DataRoots, dataset.LoaderOptions{
		BatchSize:   cfg.BatchSize,
		NumWorkers:  cfg.NumWorkers,
		ImageSize:   cfg.ImageSize,
		ScaleFactor: cfg.ScaleFactor,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	trainerOpts := []trainer.Option{trainer.WithLogger(logger)}
	if cfg.MetricsAddr != "" {
		rec := metrics.NewRecorder()
		if err := rec.Serve(ctx, cfg.MetricsAddr, logger); err != nil {
			return err
		}
		trainerOpts = append(trainerOpts, trainer.WithRecorder(rec))
	}

	tr, err := trainer.New(cfg, loader, trainerOpts...)
	if err != nil {
		return err
	}
	defer tr.Close()
	if err := tr.Train(ctx); err != nil {
		return err
	}
	logger.WithField("steps", len(tr.History())).Info("training finished")
	return nil
}
