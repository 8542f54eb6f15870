package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"net/http"
	"net/url"
	"strconv"

	"github.com/Brownie44l1/detect-api/internal/annotate"
	"github.com/Brownie44l1/detect-api/internal/imageio"
	"github.com/Brownie44l1/detect-api/internal/logger"
	"github.com/Brownie44l1/detect-api/internal/model"
)

// multipartMemory is how much of an upload is kept in memory before the rest
// spills to temporary files.
const multipartMemory = 10 << 20

var (
	ErrNoFile   = errors.New("no image file provided, use 'file' as the form field name")
	ErrBadForm  = errors.New("request is not a valid multipart form")
	ErrTooLarge = errors.New("upload exceeds the size limit")
	ErrOption   = errors.New("invalid query parameter")
)

// Detector is the read-only model shared by all requests.
type Detector interface {
	Detect(ctx context.Context, img image.Image, opts model.Options) ([]model.Detection, error)
}

// Settings carries the static facts the handlers report or enforce.
type Settings struct {
	MaxUploadBytes int64
	MaxPixels      int
	Backend        string
	Classes        int
	Workers        int
}

type Handler struct {
	detector Detector
	drawer   *annotate.Drawer
	logger   *logger.Logger
	settings Settings
}

func NewHandler(detector Detector, drawer *annotate.Drawer, log *logger.Logger, settings Settings) *Handler {
	if drawer == nil {
		drawer = annotate.NewDrawer("")
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Handler{
		detector: detector,
		drawer:   drawer,
		logger:   log,
		settings: settings,
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]interface{}{
		"status":  "healthy",
		"backend": h.settings.Backend,
		"classes": h.settings.Classes,
		"workers": h.settings.Workers,
	}, http.StatusOK)
}

// Detect handles POST /detect: one uploaded image in, a JSON array of
// detections out.
func (h *Handler) Detect(w http.ResponseWriter, r *http.Request) {
	img, detections, ok := h.run(w, r)
	if !ok {
		return
	}

	h.logger.Info("Detected %d objects in %dx%d image", len(detections), img.Bounds().Dx(), img.Bounds().Dy())
	respondJSON(w, detections, http.StatusOK)
}

// DetectAnnotated handles POST /detect/annotated and answers with the upload
// re-encoded as JPEG with every detection drawn on it.
func (h *Handler) DetectAnnotated(w http.ResponseWriter, r *http.Request) {
	img, detections, ok := h.run(w, r)
	if !ok {
		return
	}

	var buf bytes.Buffer
	if err := h.drawer.WriteJPEG(&buf, img, detections); err != nil {
		h.logger.Error("Annotation error: %v", err)
		respondError(w, "Failed to render annotated image", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("X-Detections", strconv.Itoa(len(detections)))
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

// run is the shared request -> decode -> infer path. It writes the error
// response itself and reports whether the caller should continue.
func (h *Handler) run(w http.ResponseWriter, r *http.Request) (image.Image, []model.Detection, bool) {
	if r.Method != http.MethodPost {
		respondError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return nil, nil, false
	}

	opts, err := parseOptions(r.URL.Query())
	if err != nil {
		respondError(w, err.Error(), http.StatusBadRequest)
		return nil, nil, false
	}

	img, err := h.readImage(w, r)
	if err != nil {
		h.logger.Warning("Rejected upload: %v", err)
		respondError(w, err.Error(), statusFor(err))
		return nil, nil, false
	}

	detections, err := h.detector.Detect(r.Context(), img, opts)
	if err != nil {
		h.logger.Error("Prediction error: %v", err)
		respondError(w, "Detection failed", statusFor(err))
		return nil, nil, false
	}
	if detections == nil {
		detections = []model.Detection{}
	}

	return img, detections, true
}

func (h *Handler) readImage(w http.ResponseWriter, r *http.Request) (image.Image, error) {
	if h.settings.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.settings.MaxUploadBytes)
	}

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, ErrTooLarge
		}
		return nil, fmt.Errorf("%w: %v", ErrBadForm, err)
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		// The sibling scripts upload under "image".
		file, header, err = r.FormFile("image")
		if err != nil {
			return nil, ErrNoFile
		}
	}
	defer file.Close()

	img, format, err := imageio.Decode(file, h.settings.MaxPixels)
	if err != nil {
		return nil, err
	}

	h.logger.Info("Received file: %s, size: %d bytes, format: %s", header.Filename, header.Size, format)
	return img, nil
}

// parseOptions reads the optional conf, iou and max overrides. Absent values
// stay zero so the detector defaults apply.
func parseOptions(q url.Values) (model.Options, error) {
	var opts model.Options

	if v := q.Get("conf"); v != "" {
		f, err := strconv.ParseFloat(v, 32)
		if err != nil || f <= 0 || f > 1 {
			return opts, fmt.Errorf("%w: conf must be in (0,1]", ErrOption)
		}
		opts.ConfThreshold = float32(f)
	}
	if v := q.Get("iou"); v != "" {
		f, err := strconv.ParseFloat(v, 32)
		if err != nil || f <= 0 || f > 1 {
			return opts, fmt.Errorf("%w: iou must be in (0,1]", ErrOption)
		}
		opts.IouThreshold = float32(f)
	}
	if v := q.Get("max"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return opts, fmt.Errorf("%w: max must be a positive integer", ErrOption)
		}
		opts.MaxDetections = n
	}

	return opts, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrTooLarge), errors.Is(err, imageio.ErrTooManyPixels):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, imageio.ErrDecode), errors.Is(err, ErrNoFile), errors.Is(err, ErrBadForm), errors.Is(err, ErrOption):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrClosed), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respondJSON(w http.ResponseWriter, data interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, message string, status int) {
	respondJSON(w, map[string]string{"error": message}, status)
}
