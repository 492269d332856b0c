// Package jobs submits media generation jobs to the remote video, song and
// avatar inference services and stores their outputs locally.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Leoris0/MusicProject/internal/metrics"
	"github.com/Leoris0/MusicProject/internal/storage/models"
	"github.com/Leoris0/MusicProject/pkg/config"
	"github.com/Leoris0/MusicProject/pkg/logger"
)

const (
	ServiceVideo  = "video"
	ServiceSong   = "song"
	ServiceAvatar = "avatar"
)

type JobStore interface {
	InsertJob(job *models.MediaJob) error
	FinishJob(id string, status models.JobStatus, outputPath, errText string, at time.Time) error
}

type Generator struct {
	video     *ServiceClient
	song      *ServiceClient
	avatar    *ServiceClient
	outputDir string
	store     JobStore
	now       func() time.Time

	// avatarMu keeps the loaded avatar model stable for the length of a job.
	avatarMu sync.Mutex
}

// NewGenerator builds clients for the three services. store may be nil.
func NewGenerator(cfg config.JobsConfig, store JobStore) *Generator {
	health := time.Duration(cfg.HealthTimeoutSec) * time.Second
	return &Generator{
		video:     NewServiceClient(ServiceVideo, cfg.Video, health),
		song:      NewServiceClient(ServiceSong, cfg.Song, health),
		avatar:    NewServiceClient(ServiceAvatar, cfg.Avatar, health),
		outputDir: cfg.OutputDir,
		store:     store,
		now:       time.Now,
	}
}

func (g *Generator) Services() []*ServiceClient {
	return []*ServiceClient{g.video, g.song, g.avatar}
}

type ServiceStatus struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Health
}

// ServiceHealth probes every service concurrently.
func (g *Generator) ServiceHealth(ctx context.Context) []ServiceStatus {
	services := g.Services()
	out := make([]ServiceStatus, len(services))

	eg, ctx := errgroup.WithContext(ctx)
	for i, svc := range services {
		eg.Go(func() error {
			out[i] = ServiceStatus{Name: svc.Name(), URL: svc.URL(), Health: svc.Health(ctx)}
			return nil
		})
	}
	_ = eg.Wait()

	for _, s := range out {
		up := 0.0
		if s.Up {
			up = 1
		}
		metrics.ServiceUp.WithLabelValues(s.Name).Set(up)
	}
	return out
}

func (g *Generator) TextToVideo(ctx context.Context, req TextToVideoRequest) (*models.MediaJob, error) {
	req = req.withDefaults()
	if err := req.validate(); err != nil {
		return nil, err
	}

	return g.run(ctx, spec{
		kind:    models.JobTextToVideo,
		client:  g.video,
		params:  req,
		prefix:  "t2v",
		ext:     "mp4",
		prepare: g.requireUp(g.video),
		submit: func(ctx context.Context) (string, error) {
			return g.video.SubmitJSON(ctx, "text_to_video", req.payload())
		},
	})
}

func (g *Generator) ImageToVideo(ctx context.Context, req ImageToVideoRequest) (*models.MediaJob, error) {
	req = req.withDefaults()
	if err := req.validate(); err != nil {
		return nil, err
	}

	return g.run(ctx, spec{
		kind:    models.JobImageToVideo,
		client:  g.video,
		params:  req,
		prefix:  "i2v",
		ext:     "mp4",
		prepare: g.requireUp(g.video),
		submit: func(ctx context.Context) (string, error) {
			return g.video.SubmitMultipart(ctx, "image_to_video", req.fields(), []Upload{{Field: "image", Path: req.ImagePath}})
		},
	})
}

func (g *Generator) GenerateSong(ctx context.Context, req SongRequest) (*models.MediaJob, error) {
	req = req.withDefaults()
	if err := req.validate(); err != nil {
		return nil, err
	}

	return g.run(ctx, spec{
		kind:    models.JobSong,
		client:  g.song,
		params:  req,
		prefix:  "song",
		ext:     "wav",
		prepare: g.requireUp(g.song),
		submit: func(ctx context.Context) (string, error) {
			return g.song.SubmitJSON(ctx, "generate", req.payload())
		},
	})
}

func (g *Generator) SingleAvatar(ctx context.Context, req SingleAvatarRequest) (*models.MediaJob, error) {
	req = req.withDefaults()
	if err := req.validate(); err != nil {
		return nil, err
	}

	files := []Upload{{Field: "audio", Path: req.AudioPath}}
	if req.ImagePath != "" {
		files = append(files, Upload{Field: "image", Path: req.ImagePath})
	}

	g.avatarMu.Lock()
	defer g.avatarMu.Unlock()

	return g.run(ctx, spec{
		kind:    models.JobSingleAvatar,
		client:  g.avatar,
		params:  req,
		prefix:  "single_avatar",
		ext:     "mp4",
		prepare: g.ensureAvatarModel(ModelSingle),
		submit: func(ctx context.Context) (string, error) {
			return g.avatar.SubmitMultipart(ctx, "single_avatar", req.fields(), files)
		},
	})
}

func (g *Generator) MultiAvatar(ctx context.Context, req MultiAvatarRequest) (*models.MediaJob, error) {
	req = req.withDefaults()
	if err := req.validate(); err != nil {
		return nil, err
	}

	files := []Upload{{Field: "image", Path: req.ImagePath}}
	if req.Audio1Path != "" {
		files = append(files, Upload{Field: "audio1", Path: req.Audio1Path})
	}
	if req.Audio2Path != "" {
		files = append(files, Upload{Field: "audio2", Path: req.Audio2Path})
	}

	g.avatarMu.Lock()
	defer g.avatarMu.Unlock()

	return g.run(ctx, spec{
		kind:    models.JobMultiAvatar,
		client:  g.avatar,
		params:  req,
		prefix:  "multi_avatar",
		ext:     "mp4",
		prepare: g.ensureAvatarModel(ModelMulti),
		submit: func(ctx context.Context) (string, error) {
			return g.avatar.SubmitMultipart(ctx, "multi_avatar", req.fields(), files)
		},
	})
}

func (g *Generator) requireUp(c *ServiceClient) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		h := c.Health(ctx)
		if !h.Up {
			return fmt.Errorf("%w: %s: %s", ErrServiceUnavailable, c.Name(), h.Error)
		}
		return nil
	}
}

// ensureAvatarModel switches the avatar service to the wanted weights when
// it reports a different model_type. Callers hold avatarMu.
func (g *Generator) ensureAvatarModel(want string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		h := g.avatar.Health(ctx)
		if !h.Up {
			return fmt.Errorf("%w: %s: %s", ErrServiceUnavailable, g.avatar.Name(), h.Error)
		}
		if h.ModelType == "" || h.ModelType == want {
			return nil
		}

		logger.Info("Switching avatar model",
			zap.String("from", h.ModelType),
			zap.String("to", want),
		)
		return g.avatar.LoadModel(ctx, want)
	}
}

type spec struct {
	kind    models.JobKind
	client  *ServiceClient
	params  any
	prefix  string
	ext     string
	prepare func(ctx context.Context) error
	submit  func(ctx context.Context) (string, error)
}

func (g *Generator) run(ctx context.Context, s spec) (*models.MediaJob, error) {
	start := g.now()
	params, _ := json.Marshal(s.params)

	job := &models.MediaJob{
		ID:        uuid.New().String(),
		Kind:      s.kind,
		Status:    models.JobRunning,
		Params:    string(params),
		CreatedAt: start,
		UpdatedAt: start,
	}
	if g.store != nil {
		if err := g.store.InsertJob(job); err != nil {
			logger.Warn("Failed to record job", zap.String("job_id", job.ID), zap.Error(err))
		}
	}

	logger.Info("Media job started",
		zap.String("job_id", job.ID),
		zap.String("kind", string(s.kind)),
		zap.String("service", s.client.Name()),
	)

	output, err := g.execute(ctx, s, job.ID, start)
	g.finish(job, s.kind, output, err, start)
	return job, err
}

func (g *Generator) execute(ctx context.Context, s spec, id string, start time.Time) (string, error) {
	if err := s.prepare(ctx); err != nil {
		return "", err
	}

	filename, err := s.submit(ctx)
	if err != nil {
		return "", err
	}

	dest := g.outputPath(s.kind, s.prefix, s.ext, start, id)
	if err := s.client.Download(ctx, filename, dest); err != nil {
		return "", err
	}
	return dest, nil
}

// outputPath is <outputDir>/<kind>/<prefix>_<unix>.<ext>. A job id suffix
// is added only when another job already wrote the same second.
func (g *Generator) outputPath(kind models.JobKind, prefix, ext string, at time.Time, id string) string {
	dir := filepath.Join(g.outputDir, string(kind))
	p := filepath.Join(dir, fmt.Sprintf("%s_%d.%s", prefix, at.Unix(), ext))
	if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
		return p
	}
	return filepath.Join(dir, fmt.Sprintf("%s_%d_%s.%s", prefix, at.Unix(), id[:8], ext))
}

func (g *Generator) finish(job *models.MediaJob, kind models.JobKind, output string, err error, start time.Time) {
	end := g.now()
	job.UpdatedAt = end
	job.CompletedAt = &end

	status := "success"
	if err != nil {
		job.Status = models.JobFailed
		job.Error = err.Error()
		status = "error"
		if errors.Is(err, ErrServiceUnavailable) {
			status = "unavailable"
		}
		logger.Error("Media job failed",
			zap.String("job_id", job.ID),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
	} else {
		job.Status = models.JobSucceeded
		job.OutputPath = output
		logger.Info("Media job finished",
			zap.String("job_id", job.ID),
			zap.String("kind", string(kind)),
			zap.String("output", output),
			zap.Duration("duration", end.Sub(start)),
		)
	}

	metrics.JobsSubmitted.WithLabelValues(string(kind), status).Inc()
	metrics.JobDuration.WithLabelValues(string(kind)).Observe(end.Sub(start).Seconds())

	if g.store != nil {
		if err := g.store.FinishJob(job.ID, job.Status, job.OutputPath, job.Error, end); err != nil {
			logger.Warn("Failed to update job record", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
}
