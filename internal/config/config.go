package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Backends understood by the server.
const (
	BackendONNX   = "onnx"
	BackendOpenCV = "opencv"
)

type Config struct {
	Port             int
	Backend          string
	ModelPath        string
	MetadataPath     string
	ConfigPath       string // OpenCV network description (.pbtxt), unused by onnx
	SharedLibPath    string
	InferenceWorkers int
	ConfThreshold    float64
	IouThreshold     float64
	MaxDetections    int
	MaxUploadMB      int
	MaxPixels        int // decoded width*height cap per image
	FontPath         string
	LogDirectory     string
}

// Load reads envFile (if it exists) into the environment and builds a Config
// from environment variables. Variables already set in the process win over
// the file.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	cfg := &Config{
		Port:             getEnvAsInt("PORT", 8080),
		Backend:          getEnv("BACKEND", BackendONNX),
		ModelPath:        getEnv("MODEL_PATH", filepath.Join(".", "models", "yolov8n.onnx")),
		MetadataPath:     getEnv("METADATA_PATH", filepath.Join(".", "models", "model_metadata.json")),
		ConfigPath:       getEnv("CONFIG_PATH", ""),
		SharedLibPath:    getEnv("ORT_LIB_PATH", ""),
		InferenceWorkers: getEnvAsInt("INFERENCE_WORKERS", 2),
		ConfThreshold:    getEnvAsFloat("CONF_THRESHOLD", 0.25),
		IouThreshold:     getEnvAsFloat("IOU_THRESHOLD", 0.45),
		MaxDetections:    getEnvAsInt("MAX_DETECTIONS", 1000),
		MaxUploadMB:      getEnvAsInt("MAX_UPLOAD_MB", 32),
		MaxPixels:        getEnvAsInt("MAX_PIXELS", 50_000_000),
		FontPath:         getEnv("FONT_PATH", ""),
		LogDirectory:     getEnv("LOG_DIR", ""),
	}

	return cfg, nil
}

// Validate reports the first setting that cannot be served.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendONNX, BackendOpenCV:
	default:
		return fmt.Errorf("unknown backend %q (want %s or %s)", c.Backend, BackendONNX, BackendOpenCV)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.InferenceWorkers < 1 {
		return fmt.Errorf("inference workers must be at least 1, got %d", c.InferenceWorkers)
	}
	if c.ConfThreshold < 0 || c.ConfThreshold > 1 {
		return fmt.Errorf("confidence threshold %v out of [0,1]", c.ConfThreshold)
	}
	if c.IouThreshold < 0 || c.IouThreshold > 1 {
		return fmt.Errorf("iou threshold %v out of [0,1]", c.IouThreshold)
	}
	if c.MaxDetections < 1 {
		return fmt.Errorf("max detections must be at least 1, got %d", c.MaxDetections)
	}
	if c.MaxUploadMB < 1 {
		return fmt.Errorf("max upload must be at least 1 MB, got %d", c.MaxUploadMB)
	}
	if c.MaxPixels < 1 {
		return fmt.Errorf("max pixels must be at least 1, got %d", c.MaxPixels)
	}
	return nil
}

// MaxUploadBytes is the multipart size cap in bytes.
func (c *Config) MaxUploadBytes() int64 {
	return int64(c.MaxUploadMB) << 20
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}
