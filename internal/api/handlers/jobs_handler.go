package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Leoris0/MusicProject/internal/jobs"
	"github.com/Leoris0/MusicProject/internal/media"
	"github.com/Leoris0/MusicProject/internal/storage/models"
	"github.com/Leoris0/MusicProject/internal/storage/sqlite"
	"github.com/Leoris0/MusicProject/pkg/logger"
)

type JobRunner interface {
	ServiceHealth(ctx context.Context) []jobs.ServiceStatus
	TextToVideo(ctx context.Context, req jobs.TextToVideoRequest) (*models.MediaJob, error)
	ImageToVideo(ctx context.Context, req jobs.ImageToVideoRequest) (*models.MediaJob, error)
	GenerateSong(ctx context.Context, req jobs.SongRequest) (*models.MediaJob, error)
	SingleAvatar(ctx context.Context, req jobs.SingleAvatarRequest) (*models.MediaJob, error)
	MultiAvatar(ctx context.Context, req jobs.MultiAvatarRequest) (*models.MediaJob, error)
}

type JobLog interface {
	GetJob(id string) (*models.MediaJob, error)
	ListJobs(kind models.JobKind, limit int) ([]models.MediaJob, error)
}

type JobsHandler struct {
	runner    JobRunner
	log       JobLog
	uploadDir string
	resolver  *media.Resolver
}

func NewJobsHandler(runner JobRunner, log JobLog, uploadDir string, resolver *media.Resolver) *JobsHandler {
	return &JobsHandler{
		runner:    runner,
		log:       log,
		uploadDir: uploadDir,
		resolver:  resolver,
	}
}

func (h *JobsHandler) ServicesHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"services": h.runner.ServiceHealth(c.UserContext())})
}

func (h *JobsHandler) TextToVideo(c *fiber.Ctx) error {
	var req jobs.TextToVideoRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}
	job, err := h.runner.TextToVideo(c.UserContext(), req)
	return h.respond(c, job, err)
}

func (h *JobsHandler) ImageToVideo(c *fiber.Ctx) error {
	image, err := h.saveUpload(c, "image", true)
	if err != nil {
		return badRequest(c, err.Error())
	}
	defer os.Remove(image)

	f := form{c: c}
	req := jobs.ImageToVideoRequest{
		ImagePath:         image,
		Prompt:            f.str("prompt"),
		NegativePrompt:    f.str("negative_prompt"),
		Resolution:        f.str("resolution"),
		NumFrames:         f.integer("num_frames"),
		NumInferenceSteps: f.integer("num_inference_steps"),
		GuidanceScale:     f.number("guidance_scale"),
		Seed:              f.seed("seed"),
		UseDistill:        f.flag("use_distill"),
	}
	if f.err != nil {
		return badRequest(c, f.err.Error())
	}

	job, err := h.runner.ImageToVideo(c.UserContext(), req)
	return h.respond(c, job, err)
}

func (h *JobsHandler) Song(c *fiber.Ctx) error {
	var req jobs.SongRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}
	job, err := h.runner.GenerateSong(c.UserContext(), req)
	return h.respond(c, job, err)
}

func (h *JobsHandler) ExampleLyrics(c *fiber.Ctx) error {
	raw := jobs.ExampleLyrics()
	return c.JSON(fiber.Map{
		"lyrics":    raw,
		"formatted": jobs.FormatLyrics(raw),
		"styles":    jobs.SongStyles,
		"gen_types": jobs.GenerationTypes,
	})
}

func (h *JobsHandler) SingleAvatar(c *fiber.Ctx) error {
	audio, err := h.saveUpload(c, "audio", true)
	if err != nil {
		return badRequest(c, err.Error())
	}
	defer os.Remove(audio)

	image, err := h.saveUpload(c, "image", false)
	if err != nil {
		return badRequest(c, err.Error())
	}
	if image != "" {
		defer os.Remove(image)
	}

	f := form{c: c}
	req := jobs.SingleAvatarRequest{
		AvatarParams: f.avatar(),
		AudioPath:    audio,
		ImagePath:    image,
		Stage:        f.str("stage_1"),
	}
	if f.err != nil {
		return badRequest(c, f.err.Error())
	}

	job, err := h.runner.SingleAvatar(c.UserContext(), req)
	return h.respond(c, job, err)
}

func (h *JobsHandler) MultiAvatar(c *fiber.Ctx) error {
	image, err := h.saveUpload(c, "image", true)
	if err != nil {
		return badRequest(c, err.Error())
	}
	defer os.Remove(image)

	paths := make([]string, 2)
	for i, field := range []string{"audio1", "audio2"} {
		p, err := h.saveUpload(c, field, false)
		if err != nil {
			return badRequest(c, err.Error())
		}
		if p != "" {
			defer os.Remove(p)
		}
		paths[i] = p
	}

	bbox1, err := jobs.ParseBBox(c.FormValue("bbox1"))
	if err != nil {
		return badRequest(c, err.Error())
	}
	bbox2, err := jobs.ParseBBox(c.FormValue("bbox2"))
	if err != nil {
		return badRequest(c, err.Error())
	}

	f := form{c: c}
	req := jobs.MultiAvatarRequest{
		AvatarParams: f.avatar(),
		ImagePath:    image,
		Audio1Path:   paths[0],
		Audio2Path:   paths[1],
		AudioType:    f.str("audio_type"),
		BBox1:        bbox1,
		BBox2:        bbox2,
	}
	if f.err != nil {
		return badRequest(c, f.err.Error())
	}

	job, err := h.runner.MultiAvatar(c.UserContext(), req)
	return h.respond(c, job, err)
}

func (h *JobsHandler) ListJobs(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 20)
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	list, err := h.log.ListJobs(models.JobKind(c.Query("kind")), limit)
	if err != nil {
		logger.Error("Failed to list jobs", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to list jobs"})
	}

	out := make([]fiber.Map, 0, len(list))
	for i := range list {
		out = append(out, h.jobView(&list[i]))
	}
	return c.JSON(fiber.Map{"jobs": out})
}

func (h *JobsHandler) GetJob(c *fiber.Ctx) error {
	job, err := h.log.GetJob(c.Params("id"))
	if errors.Is(err, sqlite.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Job not found"})
	}
	if err != nil {
		logger.Error("Failed to load job", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to load job"})
	}
	return c.JSON(h.jobView(job))
}

func (h *JobsHandler) respond(c *fiber.Ctx, job *models.MediaJob, err error) error {
	if err == nil {
		return c.JSON(h.jobView(job))
	}

	status := fiber.StatusInternalServerError
	switch {
	case errors.Is(err, jobs.ErrInvalidRequest):
		status = fiber.StatusBadRequest
	case errors.Is(err, jobs.ErrServiceUnavailable):
		status = fiber.StatusServiceUnavailable
	case errors.Is(err, jobs.ErrJobFailed):
		status = fiber.StatusBadGateway
	}

	body := fiber.Map{"error": err.Error()}
	if job != nil {
		body["job"] = h.jobView(job)
	}
	return c.Status(status).JSON(body)
}

func (h *JobsHandler) jobView(job *models.MediaJob) fiber.Map {
	v := fiber.Map{
		"id":         job.ID,
		"kind":       job.Kind,
		"status":     job.Status,
		"error":      job.Error,
		"created_at": job.CreatedAt.Unix(),
	}
	if json.Valid([]byte(job.Params)) {
		v["params"] = json.RawMessage(job.Params)
	}
	if job.OutputPath != "" {
		v["output_path"] = job.OutputPath
		if h.resolver != nil {
			v["output_url"] = h.resolver.Resolve(job.OutputPath)
		}
	}
	if job.CompletedAt != nil {
		v["completed_at"] = job.CompletedAt.Unix()
	}
	return v
}

// saveUpload stores a multipart file under uploadDir with a random name.
// It returns "" when the part is absent and not required.
func (h *JobsHandler) saveUpload(c *fiber.Ctx, field string, required bool) (string, error) {
	fh, err := c.FormFile(field)
	if err != nil {
		if required {
			return "", fmt.Errorf("%s file is required", field)
		}
		return "", nil
	}

	if err := os.MkdirAll(h.uploadDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to prepare upload directory: %w", err)
	}
	dest := filepath.Join(h.uploadDir, uuid.New().String()+strings.ToLower(filepath.Ext(fh.Filename)))
	if err := c.SaveFile(fh, dest); err != nil {
		return "", fmt.Errorf("failed to store %s: %w", field, err)
	}
	return dest, nil
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": msg})
}

// form reads multipart values, keeping the first parse error.
type form struct {
	c   *fiber.Ctx
	err error
}

func (f *form) str(key string) string {
	return strings.TrimSpace(f.c.FormValue(key))
}

func (f *form) integer(key string) int {
	s := f.str(key)
	if s == "" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil && f.err == nil {
		f.err = fmt.Errorf("%s must be an integer", key)
	}
	return n
}

func (f *form) intPtr(key string) *int {
	if f.str(key) == "" {
		return nil
	}
	n := f.integer(key)
	return &n
}

func (f *form) number(key string) float64 {
	s := f.str(key)
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil && f.err == nil {
		f.err = fmt.Errorf("%s must be a number", key)
	}
	return v
}

func (f *form) flag(key string) bool {
	v, _ := strconv.ParseBool(f.str(key))
	return v
}

func (f *form) seed(key string) *int64 {
	s := f.str(key)
	if s == "" {
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		if f.err == nil {
			f.err = fmt.Errorf("%s must be an integer", key)
		}
		return nil
	}
	return &n
}

func (f *form) avatar() jobs.AvatarParams {
	return jobs.AvatarParams{
		Prompt:             f.str("prompt"),
		Resolution:         f.str("resolution"),
		NumInferenceSteps:  f.integer("num_inference_steps"),
		TextGuidanceScale:  f.number("text_guidance_scale"),
		AudioGuidanceScale: f.number("audio_guidance_scale"),
		Seed:               f.seed("seed"),
		NumSegments:        f.integer("num_segments"),
		RefImgIndex:        f.intPtr("ref_img_index"),
		MaskFrameRange:     f.integer("mask_frame_range"),
	}
}
