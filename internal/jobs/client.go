package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Leoris0/MusicProject/internal/metrics"
	"github.com/Leoris0/MusicProject/pkg/circuitbreaker"
	"github.com/Leoris0/MusicProject/pkg/config"
	"github.com/Leoris0/MusicProject/pkg/logger"
	"github.com/Leoris0/MusicProject/pkg/retry"
)

var (
	ErrServiceUnavailable = errors.New("inference service unavailable")
	ErrJobFailed          = errors.New("generation failed")
)

// Health is the decoded /health reply. ModelType is only reported by the
// avatar service.
type Health struct {
	Up        bool   `json:"up"`
	ModelType string `json:"model_type,omitempty"`
	Error     string `json:"error,omitempty"`
}

type submitResponse struct {
	Success  bool   `json:"success"`
	Filename string `json:"filename"`
	Error    string `json:"error"`
}

// Upload is a local file sent as one multipart part.
type Upload struct {
	Field string
	Path  string
}

// ServiceClient talks to one inference service over HTTP.
type ServiceClient struct {
	name            string
	baseURL         string
	httpClient      *http.Client
	submitTimeout   time.Duration
	downloadTimeout time.Duration
	healthTimeout   time.Duration
	cb              *circuitbreaker.CircuitBreaker
	retryConfig     retry.Config
}

func NewServiceClient(name string, cfg config.ServiceConfig, healthTimeout time.Duration) *ServiceClient {
	submit := time.Duration(cfg.SubmitTimeoutSec) * time.Second
	if submit <= 0 {
		submit = 20 * time.Minute
	}
	download := time.Duration(cfg.DownloadTimeoutSec) * time.Second
	if download <= 0 {
		download = 2 * time.Minute
	}
	if healthTimeout <= 0 {
		healthTimeout = 5 * time.Second
	}

	cb := circuitbreaker.NewCircuitBreaker(name, circuitbreaker.Config{
		MaxRequests:      1,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 3,
		SuccessThreshold: 1,
		IsFailure: func(err error) bool {
			return err != nil && !errors.Is(err, ErrJobFailed)
		},
		OnStateChange: func(name string, _ circuitbreaker.State, to circuitbreaker.State) {
			metrics.BreakerState.WithLabelValues(name).Set(float64(to))
		},
		Logger: logger.GetLogger(),
	})

	return &ServiceClient{
		name:            name,
		baseURL:         strings.TrimRight(cfg.URL, "/"),
		httpClient:      &http.Client{},
		submitTimeout:   submit,
		downloadTimeout: download,
		healthTimeout:   healthTimeout,
		cb:              cb,
		retryConfig: retry.Config{
			Name:           name,
			MaxAttempts:    3,
			InitialDelay:   500 * time.Millisecond,
			MaxDelay:       5 * time.Second,
			Multiplier:     2.0,
			JitterFraction: 0.1,
			Logger:         logger.GetLogger(),
		},
	}
}

func (c *ServiceClient) Name() string { return c.name }

func (c *ServiceClient) URL() string { return c.baseURL }

// Health never returns an error for a down service; the reason is carried
// in Health.Error instead.
func (c *ServiceClient) Health(ctx context.Context) Health {
	ctx, cancel := context.WithTimeout(ctx, c.healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return Health{Error: err.Error()}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Health{Error: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Health{Error: fmt.Sprintf("health returned status %d", resp.StatusCode)}
	}

	h := Health{Up: true}
	var body struct {
		ModelType string `json:"model_type"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil {
		h.ModelType = body.ModelType
	}
	return h
}

// SubmitJSON posts body to /<operation> and returns the output filename.
// Submissions are not retried: the services are not idempotent and a
// single request can run for many minutes.
func (c *ServiceClient) SubmitJSON(ctx context.Context, operation string, body any) (string, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to encode request: %w", err)
	}
	return c.submit(ctx, operation, "application/json", func() (io.Reader, error) {
		return bytes.NewReader(payload), nil
	})
}

// SubmitMultipart posts form fields and files to /<operation>.
func (c *ServiceClient) SubmitMultipart(ctx context.Context, operation string, fields map[string]string, files []Upload) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return "", fmt.Errorf("failed to write field %s: %w", k, err)
		}
	}
	for _, f := range files {
		if err := attach(w, f); err != nil {
			return "", err
		}
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to finish multipart body: %w", err)
	}

	payload := buf.Bytes()
	return c.submit(ctx, operation, w.FormDataContentType(), func() (io.Reader, error) {
		return bytes.NewReader(payload), nil
	})
}

func attach(w *multipart.Writer, f Upload) error {
	src, err := os.Open(f.Path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", f.Field, err)
	}
	defer src.Close()

	part, err := w.CreateFormFile(f.Field, filepath.Base(f.Path))
	if err != nil {
		return fmt.Errorf("failed to create part %s: %w", f.Field, err)
	}
	if _, err := io.Copy(part, src); err != nil {
		return fmt.Errorf("failed to copy %s: %w", f.Field, err)
	}
	return nil
}

func (c *ServiceClient) submit(ctx context.Context, operation, contentType string, body func() (io.Reader, error)) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.submitTimeout)
	defer cancel()

	var filename string
	err := c.cb.Execute(ctx, func() error {
		r, err := body()
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+operation, r)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", contentType)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrServiceUnavailable, c.name, err)
		}
		defer resp.Body.Close()

		var out submitResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			if resp.StatusCode >= 500 {
				return fmt.Errorf("%w: %s returned status %d", ErrServiceUnavailable, c.name, resp.StatusCode)
			}
			return fmt.Errorf("%w: unreadable response (status %d): %w", ErrJobFailed, resp.StatusCode, err)
		}
		if !out.Success || out.Filename == "" {
			msg := out.Error
			if msg == "" {
				msg = fmt.Sprintf("status %d", resp.StatusCode)
			}
			return fmt.Errorf("%w: %s", ErrJobFailed, msg)
		}

		filename = out.Filename
		return nil
	})
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
		return "", fmt.Errorf("%w: %s: %w", ErrServiceUnavailable, c.name, err)
	}
	if err != nil {
		return "", err
	}

	logger.Debug("Job submitted",
		zap.String("service", c.name),
		zap.String("operation", operation),
		zap.String("filename", filename),
	)
	return filename, nil
}

// Download fetches /download/{filename} into dest, creating parent
// directories. A partial file is removed on failure.
func (c *ServiceClient) Download(ctx context.Context, filename, dest string) error {
	ctx, cancel := context.WithTimeout(ctx, c.downloadTimeout)
	defer cancel()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	err := retry.Do(ctx, c.retryConfig, func() error {
		return c.download(ctx, filename, dest)
	})
	if err != nil {
		_ = os.Remove(dest)
		return fmt.Errorf("%w: download %s: %w", ErrJobFailed, filename, err)
	}
	return nil
}

func (c *ServiceClient) download(ctx context.Context, filename, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/download/"+url.PathEscape(filename), nil)
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("download returned status %d", resp.StatusCode)
		if resp.StatusCode < 500 {
			return retry.Permanent(err)
		}
		return err
	}

	out, err := os.Create(dest)
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to create %s: %w", dest, err))
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		return fmt.Errorf("failed to write %s: %w", dest, err)
	}
	return out.Close()
}

// LoadModel asks the avatar service to switch between its single and
// multi speaker weights.
func (c *ServiceClient) LoadModel(ctx context.Context, modelType string) error {
	ctx, cancel := context.WithTimeout(ctx, c.submitTimeout)
	defer cancel()

	payload, err := json.Marshal(map[string]string{"model_type": modelType})
	if err != nil {
		return err
	}

	return retry.Do(ctx, c.retryConfig, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/load_model", bytes.NewReader(payload))
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrServiceUnavailable, c.name, err)
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		if resp.StatusCode != http.StatusOK {
			err := fmt.Errorf("%w: load_model %s returned status %d", ErrServiceUnavailable, modelType, resp.StatusCode)
			if resp.StatusCode < 500 {
				return retry.Permanent(err)
			}
			return err
		}
		return nil
	})
}
