package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/Brownie44l1/detect-api/internal/imageio"
	"github.com/Brownie44l1/detect-api/internal/model"
)

// fakeDetector reports one "person" whose box spans the whole image, so a
// response can be matched to the upload that produced it.
type fakeDetector struct {
	calls atomic.Int32
	empty bool
	err   error

	mu       sync.Mutex
	lastOpts model.Options
}

func (f *fakeDetector) Detect(ctx context.Context, img image.Image, opts model.Options) ([]model.Detection, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.lastOpts = opts
	f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}
	if f.empty {
		return nil, nil
	}
	b := img.Bounds()
	return []model.Detection{
		{Xmin: 0, Ymin: 0, Xmax: float64(b.Dx()), Ymax: float64(b.Dy()), Confidence: 0.87, Class: 0, Name: "person"},
	}, nil
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 200
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("Failed to encode PNG: %v", err)
	}
	return buf.Bytes()
}

func jpegBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("Failed to encode JPEG: %v", err)
	}
	return buf.Bytes()
}

func uploadRequest(t *testing.T, target, field string, payload []byte) *http.Request {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile(field, "upload.bin")
	if err != nil {
		t.Fatalf("Failed to create form file: %v", err)
	}
	part.Write(payload)
	if err := writer.Close(); err != nil {
		t.Fatalf("Failed to close writer: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, target, body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func newTestHandler(d Detector) http.Handler {
	return NewHandler(d, nil, nil, Settings{MaxUploadBytes: 8 << 20, Backend: "fake", Classes: 80, Workers: 1}).Routes()
}

func decodeDetections(t *testing.T, rec *httptest.ResponseRecorder) []map[string]interface{} {
	t.Helper()
	var got []map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("Response is not a JSON array: %v (%s)", err, rec.Body.String())
	}
	return got
}

func TestDetect_ValidImage(t *testing.T) {
	detector := &fakeDetector{}
	rec := httptest.NewRecorder()

	newTestHandler(detector).ServeHTTP(rec, uploadRequest(t, "/detect", "file", jpegBytes(t, 64, 48)))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected JSON content type, got %q", ct)
	}

	got := decodeDetections(t, rec)
	if len(got) != 1 {
		t.Fatalf("Expected 1 detection, got %d", len(got))
	}

	det := got[0]
	if len(det) != 7 {
		t.Errorf("Expected exactly 7 fields, got %v", det)
	}
	for _, key := range []string{"xmin", "ymin", "xmax", "ymax", "confidence", "class"} {
		if _, ok := det[key].(float64); !ok {
			t.Errorf("Field %q should be numeric, got %T", key, det[key])
		}
	}
	if name, ok := det["name"].(string); !ok || name != "person" {
		t.Errorf("Expected name person, got %v", det["name"])
	}
	if class := det["class"].(float64); class != float64(int(class)) {
		t.Errorf("Class should be an integer, got %v", class)
	}
	if conf := det["confidence"].(float64); conf < 0 || conf > 1 {
		t.Errorf("Confidence out of range: %v", conf)
	}
	if det["xmax"].(float64) != 64 || det["ymax"].(float64) != 48 {
		t.Errorf("Box should match upload size, got %v", det)
	}
}

func TestDetect_ImageFieldAlias(t *testing.T) {
	detector := &fakeDetector{}
	rec := httptest.NewRecorder()

	newTestHandler(detector).ServeHTTP(rec, uploadRequest(t, "/detect", "image", pngBytes(t, 10, 10)))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestDetect_NoDetectionsIsEmptyArray(t *testing.T) {
	rec := httptest.NewRecorder()

	newTestHandler(&fakeDetector{empty: true}).ServeHTTP(rec, uploadRequest(t, "/detect", "file", pngBytes(t, 16, 16)))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if body := bytes.TrimSpace(rec.Body.Bytes()); string(body) != "[]" {
		t.Errorf("Expected empty array, got %s", body)
	}
}

func TestDetect_RejectsBadUploadsWithoutInference(t *testing.T) {
	tests := []struct {
		name   string
		req    func(t *testing.T) *http.Request
		status int
	}{
		{
			name:   "not an image",
			req:    func(t *testing.T) *http.Request { return uploadRequest(t, "/detect", "file", []byte("definitely not pixels")) },
			status: http.StatusBadRequest,
		},
		{
			name: "truncated png",
			req: func(t *testing.T) *http.Request {
				data := pngBytes(t, 32, 32)
				return uploadRequest(t, "/detect", "file", data[:len(data)/2])
			},
			status: http.StatusBadRequest,
		},
		{
			name:   "wrong field name",
			req:    func(t *testing.T) *http.Request { return uploadRequest(t, "/detect", "photo", pngBytes(t, 4, 4)) },
			status: http.StatusBadRequest,
		},
		{
			name: "not multipart",
			req: func(t *testing.T) *http.Request {
				req := httptest.NewRequest(http.MethodPost, "/detect", bytes.NewReader(pngBytes(t, 4, 4)))
				req.Header.Set("Content-Type", "image/png")
				return req
			},
			status: http.StatusBadRequest,
		},
		{
			name:   "bad threshold",
			req:    func(t *testing.T) *http.Request { return uploadRequest(t, "/detect?conf=2", "file", pngBytes(t, 4, 4)) },
			status: http.StatusBadRequest,
		},
		{
			name:   "wrong method",
			req:    func(t *testing.T) *http.Request { return httptest.NewRequest(http.MethodGet, "/detect", nil) },
			status: http.StatusMethodNotAllowed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			detector := &fakeDetector{}
			rec := httptest.NewRecorder()

			newTestHandler(detector).ServeHTTP(rec, tt.req(t))

			if rec.Code != tt.status {
				t.Errorf("Expected %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
			if detector.calls.Load() != 0 {
				t.Errorf("Model must not be invoked, got %d calls", detector.calls.Load())
			}
			var body map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body["error"] == "" {
				t.Errorf("Expected JSON error body, got %s", rec.Body.String())
			}
		})
	}
}

func TestDetect_UploadTooLarge(t *testing.T) {
	detector := &fakeDetector{}
	h := NewHandler(detector, nil, nil, Settings{MaxUploadBytes: 1024}).Routes()
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, uploadRequest(t, "/detect", "file", bytes.Repeat([]byte{0xFF}, 64<<10)))

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("Expected 413, got %d", rec.Code)
	}
	if detector.calls.Load() != 0 {
		t.Error("Model must not be invoked for oversized uploads")
	}
}

func TestDetect_TooManyPixels(t *testing.T) {
	detector := &fakeDetector{}
	h := NewHandler(detector, nil, nil, Settings{MaxUploadBytes: 8 << 20, MaxPixels: 100}).Routes()

	for _, path := range []string{"/detect", "/detect/annotated"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, uploadRequest(t, path, "file", pngBytes(t, 20, 10)))

		if rec.Code != http.StatusRequestEntityTooLarge {
			t.Errorf("%s: expected 413 for a 200 pixel image under a 100 pixel cap, got %d", path, rec.Code)
		}
	}
	if detector.calls.Load() != 0 {
		t.Error("Model must not be invoked for images over the pixel cap")
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, uploadRequest(t, "/detect", "file", pngBytes(t, 10, 10)))
	if rec.Code != http.StatusOK {
		t.Errorf("Image at the cap should pass, got %d", rec.Code)
	}
}

func TestDetect_InferenceFailure(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("%w: session run: boom", model.ErrInference), http.StatusInternalServerError},
		{model.ErrClosed, http.StatusServiceUnavailable},
		{errors.New("unexpected"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		rec := httptest.NewRecorder()
		newTestHandler(&fakeDetector{err: tt.err}).ServeHTTP(rec, uploadRequest(t, "/detect", "file", pngBytes(t, 8, 8)))

		if rec.Code != tt.status {
			t.Errorf("%v: expected %d, got %d", tt.err, tt.status, rec.Code)
		}
	}
}

func TestDetect_QueryOptionsReachDetector(t *testing.T) {
	detector := &fakeDetector{}
	rec := httptest.NewRecorder()

	newTestHandler(detector).ServeHTTP(rec, uploadRequest(t, "/detect?conf=0.6&iou=0.3&max=5", "file", pngBytes(t, 8, 8)))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	detector.mu.Lock()
	defer detector.mu.Unlock()
	if detector.lastOpts.MaxDetections != 5 || detector.lastOpts.ConfThreshold < 0.59 || detector.lastOpts.IouThreshold > 0.31 {
		t.Errorf("Unexpected options %+v", detector.lastOpts)
	}
}

func TestDetect_Idempotent(t *testing.T) {
	h := newTestHandler(&fakeDetector{})
	payload := jpegBytes(t, 40, 30)

	first := httptest.NewRecorder()
	h.ServeHTTP(first, uploadRequest(t, "/detect", "file", payload))
	second := httptest.NewRecorder()
	h.ServeHTTP(second, uploadRequest(t, "/detect", "file", payload))

	if first.Code != http.StatusOK || second.Code != http.StatusOK {
		t.Fatalf("Expected 200s, got %d and %d", first.Code, second.Code)
	}
	if !bytes.Equal(first.Body.Bytes(), second.Body.Bytes()) {
		t.Errorf("Responses differ:\n%s\n%s", first.Body.String(), second.Body.String())
	}
}

func TestDetect_ConcurrentRequestsAreIsolated(t *testing.T) {
	h := newTestHandler(&fakeDetector{})

	const n = 16
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(width int) {
			defer wg.Done()
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, uploadRequest(t, "/detect", "file", pngBytes(t, width, 7)))

			if rec.Code != http.StatusOK {
				t.Errorf("Width %d: expected 200, got %d", width, rec.Code)
				return
			}
			var got []model.Detection
			if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
				t.Errorf("Width %d: bad JSON: %v", width, err)
				return
			}
			if len(got) != 1 || got[0].Xmax != float64(width) {
				t.Errorf("Width %d: response belongs to another request: %+v", width, got)
			}
		}(10 + i)
	}
	wg.Wait()
}

func TestDetectAnnotated(t *testing.T) {
	rec := httptest.NewRecorder()

	newTestHandler(&fakeDetector{}).ServeHTTP(rec, uploadRequest(t, "/detect/annotated", "file", pngBytes(t, 50, 40)))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/jpeg" {
		t.Errorf("Expected image/jpeg, got %q", ct)
	}
	if rec.Header().Get("X-Detections") != "1" {
		t.Errorf("Expected X-Detections 1, got %q", rec.Header().Get("X-Detections"))
	}
	img, err := jpeg.Decode(rec.Body)
	if err != nil {
		t.Fatalf("Body is not a JPEG: %v", err)
	}
	if img.Bounds().Dx() != 50 || img.Bounds().Dy() != 40 {
		t.Errorf("Unexpected size %v", img.Bounds())
	}
}

func TestHealth(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestHandler(&fakeDetector{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Bad JSON: %v", err)
	}
	if body["status"] != "healthy" || body["backend"] != "fake" || body["classes"].(float64) != 80 {
		t.Errorf("Unexpected health body %v", body)
	}
}

func TestCORSPreflight(t *testing.T) {
	detector := &fakeDetector{}
	rec := httptest.NewRecorder()
	newTestHandler(detector).ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/detect", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("Missing CORS header")
	}
	if detector.calls.Load() != 0 {
		t.Error("Preflight must not reach the model")
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: eof", imageio.ErrDecode), http.StatusBadRequest},
		{ErrNoFile, http.StatusBadRequest},
		{ErrTooLarge, http.StatusRequestEntityTooLarge},
		{fmt.Errorf("%w: 9x9", imageio.ErrTooManyPixels), http.StatusRequestEntityTooLarge},
		{context.Canceled, http.StatusServiceUnavailable},
		{fmt.Errorf("%w: x", model.ErrInference), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
