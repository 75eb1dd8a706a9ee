// Command asl-trainer trains the 26-letter sign-language alphabet classifier
// on a class-per-directory image folder and writes the trained model to a
// single file (ONNX by default; .json and .json.xz are also understood).
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/tsawler/go-asl/async"
	"github.com/tsawler/go-asl/checkpoints"
	"github.com/tsawler/go-asl/engine"
	"github.com/tsawler/go-asl/layers"
	"github.com/tsawler/go-asl/training"
	"github.com/tsawler/go-asl/vision/dataloader"
	"github.com/tsawler/go-asl/vision/dataset"
)

const (
	DefaultDataDir         = "/kaggle/input/dataset/dataset"
	DefaultOutputPath      = "/kaggle/working/asl_model.onnx"
	DefaultValidationSplit = 0.2
)

// Config is everything the program needs for one run.
type Config struct {
	DataDir         string
	OutputPath      string
	ValidationSplit float64
	NumClasses      int
	ImageSize       int
	BatchSize       int
	Epochs          int
	LearningRate    float64
	Seed            int64
	Workers         int
	CacheSize       int
	PrefetchDepth   int
	LRSchedule      string
	LogLevel        string
	Quiet           bool
}

// DefaultConfig returns the fixed training setup.
func DefaultConfig() Config {
	return Config{
		DataDir:         DefaultDataDir,
		OutputPath:      DefaultOutputPath,
		ValidationSplit: DefaultValidationSplit,
		NumClasses:      layers.DefaultNumClasses,
		ImageSize:       layers.DefaultImageSize,
		BatchSize:       layers.DefaultBatchSize,
		Epochs:          training.DefaultTrainerConfig().Epochs,
		LearningRate:    float64(training.DefaultTrainerConfig().LearningRate),
		Seed:            42,
		CacheSize:       dataloader.DefaultConfig().MaxCacheSize,
		PrefetchDepth:   async.DefaultConfig().PrefetchDepth,
		LRSchedule:      training.ScheduleConstant,
		LogLevel:        "info",
	}
}

func parseFlags(args []string, stderr io.Writer) (Config, error) {
	cfg := DefaultConfig()
	fs := flag.NewFlagSet("asl-trainer", flag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.StringVar(&cfg.DataDir, "data", cfg.DataDir, "Dataset root with one subdirectory per class")
	fs.StringVar(&cfg.OutputPath, "output", cfg.OutputPath, "Where to write the trained model (.onnx, .json or .json.xz)")
	fs.IntVar(&cfg.Epochs, "epochs", cfg.Epochs, "Number of training epochs")
	fs.IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "Mini-batch size")
	fs.Int64Var(&cfg.Seed, "seed", cfg.Seed, "Seed for weight initialisation, dropout and shuffling")
	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "Compute goroutines, 0 means one per physical core")
	fs.IntVar(&cfg.CacheSize, "cache-size", cfg.CacheSize, "Decoded images kept in memory")
	fs.IntVar(&cfg.PrefetchDepth, "prefetch", cfg.PrefetchDepth, "Batches loaded ahead of training")
	fs.StringVar(&cfg.LRSchedule, "lr-schedule", cfg.LRSchedule, "Learning rate schedule (constant, step, exponential, cosine, plateau)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	fs.BoolVar(&cfg.Quiet, "quiet", cfg.Quiet, "Disable progress bars")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if err := validateFlags(cfg, fs.Args()); err != nil {
		fmt.Fprintf(stderr, "asl-trainer: %v\n", err)
		fs.Usage()
		return cfg, err
	}
	return cfg, nil
}

func validateFlags(cfg Config, rest []string) error {
	if len(rest) > 0 {
		return errors.Errorf("unexpected arguments: %v", rest)
	}
	if cfg.Epochs <= 0 {
		return errors.Errorf("epochs must be positive, got %d", cfg.Epochs)
	}
	if cfg.BatchSize <= 0 {
		return errors.Errorf("batch size must be positive, got %d", cfg.BatchSize)
	}
	if _, err := training.NewScheduler(cfg.LRSchedule, cfg.Epochs); err != nil {
		return err
	}
	return nil
}

func main() {
	cfg, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		os.Exit(2)
	}

	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("invalid -log-level %q", cfg.LogLevel)
	}
	log.SetLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var progress io.Writer = os.Stdout
	if cfg.Quiet {
		progress = nil
	}
	if err := run(ctx, cfg, log.StandardLogger(), progress); err != nil {
		log.WithError(err).Error("training failed")
		stop()
		os.Exit(1)
	}
}

// run executes the pipeline: scan -> split -> load -> build -> fit -> save.
func run(ctx context.Context, cfg Config, logger log.FieldLogger, progress io.Writer) error {
	start := time.Now()
	logger.WithFields(log.Fields{
		"cpu":     engine.CPUSummary(),
		"data":    cfg.DataDir,
		"output":  cfg.OutputPath,
		"epochs":  cfg.Epochs,
		"batch":   cfg.BatchSize,
		"image":   cfg.ImageSize,
		"classes": cfg.NumClasses,
	}).Info("configuration")

	if _, err := checkpoints.FormatFromPath(cfg.OutputPath); err != nil {
		return err
	}

	full, err := dataset.NewImageFolderDataset(cfg.DataDir, dataset.Options{NumClasses: cfg.NumClasses})
	if err != nil {
		return errors.Wrap(err, "failed to load dataset")
	}
	trainSet, valSet, err := full.SplitValidation(cfg.ValidationSplit)
	if err != nil {
		return err
	}
	logger.WithFields(log.Fields{
		"images":     full.Len(),
		"train":      trainSet.Len(),
		"validation": valSet.Len(),
	}).Info("dataset loaded")
	logger.Debugf("class distribution:\n%s", full)

	loaderConfig := dataloader.DefaultConfig()
	loaderConfig.BatchSize = cfg.BatchSize
	loaderConfig.ImageSize = cfg.ImageSize
	loaderConfig.Seed = cfg.Seed
	loaderConfig.MaxCacheSize = cfg.CacheSize
	trainLoader, valLoader, err := dataloader.CreateSharedDataLoaders(trainSet, valSet, loaderConfig)
	if err != nil {
		return err
	}

	trainFeed, err := async.NewPrefetcher(trainLoader, async.Config{PrefetchDepth: cfg.PrefetchDepth})
	if err != nil {
		return err
	}
	if err := trainFeed.Start(ctx); err != nil {
		return err
	}
	defer trainFeed.Stop()

	var valFeed training.BatchSource
	if valLoader != nil {
		prefetcher, err := async.NewPrefetcher(valLoader, async.Config{PrefetchDepth: cfg.PrefetchDepth})
		if err != nil {
			return err
		}
		if err := prefetcher.Start(ctx); err != nil {
			return err
		}
		defer prefetcher.Stop()
		valFeed = prefetcher
	} else {
		logger.Warn("validation split is empty; training without validation")
	}

	arch := layers.DefaultArchitecture()
	arch.BatchSize = cfg.BatchSize
	arch.ImageSize = cfg.ImageSize
	arch.NumClasses = full.NumClasses()
	spec, err := layers.SignLanguageCNN(arch)
	if err != nil {
		return err
	}

	engineConfig := engine.DefaultConfig()
	engineConfig.Seed = cfg.Seed
	if cfg.Workers > 0 {
		engineConfig.Workers = cfg.Workers
	}
	model, err := engine.NewModelEngine(spec, engineConfig)
	if err != nil {
		return errors.Wrap(err, "failed to build model")
	}

	trainerConfig := training.DefaultTrainerConfig()
	trainerConfig.Epochs = cfg.Epochs
	trainerConfig.BatchSize = cfg.BatchSize
	trainerConfig.LearningRate = float32(cfg.LearningRate)
	trainerConfig.Progress = progress
	trainerConfig.Logger = logger
	trainerConfig.Scheduler, err = training.NewScheduler(cfg.LRSchedule, cfg.Epochs)
	if err != nil {
		return err
	}
	trainer, err := training.NewTrainer(model, trainerConfig)
	if err != nil {
		return err
	}

	history, err := trainer.Fit(ctx, trainFeed, valFeed)
	if err != nil {
		return err
	}
	logger.Info(trainLoader.Stats())
	if valFeed != nil {
		logger.Debugf("validation report for the final epoch:\n%s", trainer.ConfusionMatrix().Report(full.ClassNames()))
	}

	description := fmt.Sprintf("%s trained for %d epochs on %d images", trainerConfig.ModelName, len(history.Epochs), trainSet.Len())
	ckpt, err := trainer.Checkpoint(full.ClassNames(), description)
	if err != nil {
		return err
	}
	if err := checkpoints.Save(ckpt, cfg.OutputPath); err != nil {
		return err
	}

	fields := log.Fields{
		"path":     cfg.OutputPath,
		"run_id":   ckpt.Metadata.RunID,
		"duration": time.Since(start).Round(time.Second).String(),
	}
	if last, ok := history.Last(); ok {
		fields["accuracy"] = last.Accuracy
		if last.Validated {
			fields["val_accuracy"] = last.ValAccuracy
		}
	}
	logger.WithFields(fields).Info("model saved")
	return nil
}
