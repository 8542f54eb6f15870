package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Brownie44l1/detect-api/internal/config"
	"github.com/Brownie44l1/detect-api/internal/cvnet"
	"github.com/Brownie44l1/detect-api/internal/logger"
	"github.com/Brownie44l1/detect-api/internal/model"
)

// Version is the application version.
const Version = "0.2.0"

// flagValues holds command-line overrides; only flags the user actually set
// replace the environment configuration.
type flagValues struct {
	envFile   string
	backend   string
	modelPath string
	metadata  string
	netConfig string
	ortLib    string
	workers   int
	conf      float64
	iou       float64
	maxDet    int
}

var flags flagValues

var rootCmd = &cobra.Command{
	Use:           "detectd",
	Short:         "Object detection service backed by a pretrained model",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	pf.StringVar(&flags.backend, "backend", "", "inference backend: onnx or opencv (env BACKEND)")
	pf.StringVar(&flags.modelPath, "model", "", "model file (env MODEL_PATH)")
	pf.StringVar(&flags.metadata, "metadata", "", "model metadata JSON (env METADATA_PATH)")
	pf.StringVar(&flags.netConfig, "net-config", "", "OpenCV network config (env CONFIG_PATH)")
	pf.StringVar(&flags.ortLib, "ort-lib", "", "onnxruntime shared library (env ORT_LIB_PATH)")
	pf.IntVar(&flags.workers, "workers", 0, "number of model copies serving requests (env INFERENCE_WORKERS)")
	pf.Float64Var(&flags.conf, "conf", 0, "default confidence threshold (env CONF_THRESHOLD)")
	pf.Float64Var(&flags.iou, "iou", 0, "default NMS IoU threshold (env IOU_THRESHOLD)")
	pf.IntVar(&flags.maxDet, "max-det", 0, "default maximum detections per image (env MAX_DETECTIONS)")

	rootCmd.AddCommand(serveCmd, detectCmd)
}

// loadConfig merges the env file, the environment and explicitly set flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(flags.envFile)
	if err != nil {
		return nil, err
	}

	changed := cmd.Flags().Changed
	if changed("backend") {
		cfg.Backend = flags.backend
	}
	if changed("model") {
		cfg.ModelPath = flags.modelPath
	}
	if changed("metadata") {
		cfg.MetadataPath = flags.metadata
	}
	if changed("net-config") {
		cfg.ConfigPath = flags.netConfig
	}
	if changed("ort-lib") {
		cfg.SharedLibPath = flags.ortLib
	}
	if f := cmd.Flags().Lookup("port"); f != nil && f.Changed {
		cfg.Port, _ = cmd.Flags().GetInt("port")
	}
	if changed("workers") {
		cfg.InferenceWorkers = flags.workers
	}
	if changed("conf") {
		cfg.ConfThreshold = flags.conf
	}
	if changed("iou") {
		cfg.IouThreshold = flags.iou
	}
	if changed("max-det") {
		cfg.MaxDetections = flags.maxDet
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newDetector is swapped out by tests that run commands without a model.
var newDetector = buildDetector

// classTable picks the labels for the backend. The OpenCV SSD graph uses the
// 91-id COCO table unless the metadata file lists its own classes; the
// defaulted YOLO list would shift every SSD id by one.
func classTable(backend string, meta model.Metadata) []string {
	if backend == config.BackendOpenCV && !meta.HasOwnClasses() {
		return cvnet.CocoSSDClasses
	}
	return meta.Classes
}

// buildDetector loads cfg.InferenceWorkers engines for the configured
// backend. The returned close function releases the engines and any
// backend-wide state.
func buildDetector(cfg *config.Config, log *logger.Logger) (*model.Detector, func(), error) {
	meta, found, err := model.LoadMetadata(cfg.MetadataPath)
	if err != nil {
		return nil, nil, err
	}
	if !found {
		log.Warning("No metadata at %s, using built-in defaults", cfg.MetadataPath)
	}

	var (
		engines  []model.Engine
		classes  []string
		teardown = func() {}
	)

	switch cfg.Backend {
	case config.BackendONNX:
		if err := model.InitEnvironment(cfg.SharedLibPath); err != nil {
			return nil, nil, err
		}
		teardown = func() {
			if err := model.DestroyEnvironment(); err != nil {
				log.Error("Failed to destroy ONNX environment: %v", err)
			}
		}

		engines, err = model.NewONNXEngines(cfg.ModelPath, meta, cfg.InferenceWorkers)
		if err != nil {
			teardown()
			return nil, nil, err
		}
		classes = classTable(cfg.Backend, meta)

	case config.BackendOpenCV:
		engines, err = cvnet.NewEngines(cfg.ModelPath, cfg.ConfigPath, cfg.InferenceWorkers)
		if err != nil {
			return nil, nil, err
		}
		classes = classTable(cfg.Backend, meta)
	}

	detector, err := model.NewDetector(engines, classes, model.Options{
		ConfThreshold: float32(cfg.ConfThreshold),
		IouThreshold:  float32(cfg.IouThreshold),
		MaxDetections: cfg.MaxDetections,
	})
	if err != nil {
		teardown()
		return nil, nil, err
	}

	closeFn := func() {
		if err := detector.Close(); err != nil {
			log.Error("Failed to close detector: %v", err)
		}
		teardown()
	}

	log.Info("Loaded %d %s engine(s) from %s with %d classes", len(engines), cfg.Backend, cfg.ModelPath, len(classes))
	return detector, closeFn, nil
}
