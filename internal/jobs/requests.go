package jobs

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

var ErrInvalidRequest = errors.New("invalid job request")

const (
	ModelSingle = "single"
	ModelMulti  = "multi"
)

var (
	SongStyles = []string{
		"Pop", "R&B", "Dance", "Jazz", "Folk", "Rock",
		"Chinese Style", "Chinese Tradition", "Metal",
		"Reggae", "Chinese Opera", "Auto",
	}
	GenerationTypes = []string{"mixed", "vocal", "bgm", "separate"}
	AvatarStages    = []string{"ai2v", "at2v"}
	AudioModes      = []string{"para", "add"}
	Resolutions     = []string{"480p", "720p"}
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

func ftoa(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }

// Seeds are pointers so an explicit 0 survives defaulting.
func seedOr(seed *int64) *int64 {
	if seed != nil {
		return seed
	}
	s := int64(42)
	return &s
}

type TextToVideoRequest struct {
	Prompt            string  `json:"prompt"`
	NegativePrompt    string  `json:"negative_prompt"`
	Height            int     `json:"height"`
	Width             int     `json:"width"`
	NumFrames         int     `json:"num_frames"`
	NumInferenceSteps int     `json:"num_inference_steps"`
	GuidanceScale     float64 `json:"guidance_scale"`
	Seed              *int64  `json:"seed"`
	UseDistill        bool    `json:"use_distill"`
}

func (r TextToVideoRequest) withDefaults() TextToVideoRequest {
	if r.Height == 0 {
		r.Height = 480
	}
	if r.Width == 0 {
		r.Width = 832
	}
	if r.NumFrames == 0 {
		r.NumFrames = 93
	}
	if r.NumInferenceSteps == 0 {
		r.NumInferenceSteps = 50
	}
	if r.GuidanceScale == 0 {
		r.GuidanceScale = 4.0
	}
	r.Seed = seedOr(r.Seed)
	return r
}

func (r TextToVideoRequest) validate() error {
	if strings.TrimSpace(r.Prompt) == "" {
		return invalid("prompt is required")
	}
	if r.Height < 0 || r.Width < 0 || r.NumFrames < 0 || r.NumInferenceSteps < 0 {
		return invalid("dimensions and step counts must be positive")
	}
	return nil
}

func (r TextToVideoRequest) payload() map[string]any {
	return map[string]any{
		"type":                "text_to_video",
		"prompt":              r.Prompt,
		"negative_prompt":     r.NegativePrompt,
		"height":              r.Height,
		"width":               r.Width,
		"num_frames":          r.NumFrames,
		"num_inference_steps": r.NumInferenceSteps,
		"guidance_scale":      r.GuidanceScale,
		"seed":                *r.Seed,
		"use_distill":         r.UseDistill,
	}
}

type ImageToVideoRequest struct {
	ImagePath         string  `json:"image_path"`
	Prompt            string  `json:"prompt"`
	NegativePrompt    string  `json:"negative_prompt"`
	Resolution        string  `json:"resolution"`
	NumFrames         int     `json:"num_frames"`
	NumInferenceSteps int     `json:"num_inference_steps"`
	GuidanceScale     float64 `json:"guidance_scale"`
	Seed              *int64  `json:"seed"`
	UseDistill        bool    `json:"use_distill"`
}

func (r ImageToVideoRequest) withDefaults() ImageToVideoRequest {
	if r.Resolution == "" {
		r.Resolution = "480p"
	}
	if r.NumFrames == 0 {
		r.NumFrames = 93
	}
	if r.NumInferenceSteps == 0 {
		r.NumInferenceSteps = 50
	}
	if r.GuidanceScale == 0 {
		r.GuidanceScale = 4.0
	}
	r.Seed = seedOr(r.Seed)
	return r
}

func (r ImageToVideoRequest) validate() error {
	if r.ImagePath == "" {
		return invalid("image is required")
	}
	if strings.TrimSpace(r.Prompt) == "" {
		return invalid("prompt is required")
	}
	if !slices.Contains(Resolutions, r.Resolution) {
		return invalid("unknown resolution %q", r.Resolution)
	}
	return nil
}

func (r ImageToVideoRequest) fields() map[string]string {
	return map[string]string{
		"prompt":              r.Prompt,
		"negative_prompt":     r.NegativePrompt,
		"resolution":          r.Resolution,
		"num_frames":          strconv.Itoa(r.NumFrames),
		"num_inference_steps": strconv.Itoa(r.NumInferenceSteps),
		"guidance_scale":      ftoa(r.GuidanceScale),
		"seed":                strconv.FormatInt(*r.Seed, 10),
		"use_distill":         strconv.FormatBool(r.UseDistill),
	}
}

type SongRequest struct {
	Lyrics         string   `json:"lyrics"`
	Description    string   `json:"description,omitempty"`
	AutoPromptType string   `json:"auto_prompt_type,omitempty"`
	GenType        string   `json:"gen_type"`
	MaxDuration    int      `json:"max_duration"`
	CFGCoef        float64  `json:"cfg_coef"`
	Temperature    float64  `json:"temperature"`
	TopK           int      `json:"top_k"`
	TopP           *float64 `json:"top_p"`
}

func (r SongRequest) withDefaults() SongRequest {
	if r.GenType == "" {
		r.GenType = "mixed"
	}
	if r.MaxDuration == 0 {
		r.MaxDuration = 160
	}
	if r.CFGCoef == 0 {
		r.CFGCoef = 1.5
	}
	if r.Temperature == 0 {
		r.Temperature = 0.9
	}
	if r.TopK == 0 {
		r.TopK = 50
	}
	if r.TopP == nil {
		p := 0.0
		r.TopP = &p
	}
	// Paragraph-structured lyrics are flattened; already flat lyrics pass.
	if strings.Contains(strings.TrimSpace(r.Lyrics), "\n") {
		r.Lyrics = FormatLyrics(r.Lyrics)
	}
	return r
}

func (r SongRequest) validate() error {
	if strings.TrimSpace(r.Lyrics) == "" {
		return invalid("lyrics are required")
	}
	if r.AutoPromptType != "" && !slices.Contains(SongStyles, r.AutoPromptType) {
		return invalid("unknown style %q", r.AutoPromptType)
	}
	if !slices.Contains(GenerationTypes, r.GenType) {
		return invalid("unknown generation type %q", r.GenType)
	}
	if r.MaxDuration < 0 || r.TopK < 0 {
		return invalid("max_duration and top_k must be positive")
	}
	return nil
}

func (r SongRequest) payload() map[string]any {
	p := map[string]any{
		"lyrics":       r.Lyrics,
		"gen_type":     r.GenType,
		"max_duration": r.MaxDuration,
		"cfg_coef":     r.CFGCoef,
		"temperature":  r.Temperature,
		"top_k":        r.TopK,
		"top_p":        *r.TopP,
	}
	// A style preset wins over the free-text description.
	switch {
	case r.AutoPromptType != "":
		p["auto_prompt_type"] = r.AutoPromptType
	case r.Description != "":
		p["description"] = r.Description
	}
	return p
}

type AvatarParams struct {
	Prompt             string  `json:"prompt"`
	Resolution         string  `json:"resolution"`
	NumInferenceSteps  int     `json:"num_inference_steps"`
	TextGuidanceScale  float64 `json:"text_guidance_scale"`
	AudioGuidanceScale float64 `json:"audio_guidance_scale"`
	Seed               *int64  `json:"seed"`
	NumSegments        int     `json:"num_segments"`
	RefImgIndex        *int    `json:"ref_img_index"`
	MaskFrameRange     int     `json:"mask_frame_range"`
}

func (a AvatarParams) withDefaults() AvatarParams {
	if a.Resolution == "" {
		a.Resolution = "480p"
	}
	if a.NumInferenceSteps == 0 {
		a.NumInferenceSteps = 50
	}
	if a.TextGuidanceScale == 0 {
		a.TextGuidanceScale = 4.0
	}
	if a.AudioGuidanceScale == 0 {
		a.AudioGuidanceScale = 4.0
	}
	a.Seed = seedOr(a.Seed)
	if a.NumSegments == 0 {
		a.NumSegments = 1
	}
	if a.RefImgIndex == nil {
		idx := 10
		a.RefImgIndex = &idx
	}
	if a.MaskFrameRange == 0 {
		a.MaskFrameRange = 3
	}
	return a
}

func (a AvatarParams) validate() error {
	if !slices.Contains(Resolutions, a.Resolution) {
		return invalid("unknown resolution %q", a.Resolution)
	}
	if a.NumSegments < 1 || a.NumSegments > 10 {
		return invalid("num_segments must be between 1 and 10")
	}
	if *a.RefImgIndex < -10 || *a.RefImgIndex > 30 {
		return invalid("ref_img_index must be between -10 and 30")
	}
	if a.MaskFrameRange < 1 || a.MaskFrameRange > 10 {
		return invalid("mask_frame_range must be between 1 and 10")
	}
	return nil
}

func (a AvatarParams) fields() map[string]string {
	return map[string]string{
		"prompt":               a.Prompt,
		"resolution":           a.Resolution,
		"num_inference_steps":  strconv.Itoa(a.NumInferenceSteps),
		"text_guidance_scale":  ftoa(a.TextGuidanceScale),
		"audio_guidance_scale": ftoa(a.AudioGuidanceScale),
		"seed":                 strconv.FormatInt(*a.Seed, 10),
		"num_segments":         strconv.Itoa(a.NumSegments),
		"ref_img_index":        strconv.Itoa(*a.RefImgIndex),
		"mask_frame_range":     strconv.Itoa(a.MaskFrameRange),
	}
}

type SingleAvatarRequest struct {
	AvatarParams
	AudioPath string `json:"audio_path"`
	ImagePath string `json:"image_path,omitempty"`
	Stage     string `json:"stage_1"`
}

func (r SingleAvatarRequest) withDefaults() SingleAvatarRequest {
	r.AvatarParams = r.AvatarParams.withDefaults()
	if r.Stage == "" {
		r.Stage = "ai2v"
	}
	return r
}

func (r SingleAvatarRequest) validate() error {
	if r.AudioPath == "" {
		return invalid("audio is required")
	}
	if !slices.Contains(AvatarStages, r.Stage) {
		return invalid("unknown stage %q", r.Stage)
	}
	if r.Stage == "ai2v" && r.ImagePath == "" {
		return invalid("ai2v requires a reference image")
	}
	return r.AvatarParams.validate()
}

func (r SingleAvatarRequest) fields() map[string]string {
	f := r.AvatarParams.fields()
	f["stage_1"] = r.Stage
	return f
}

type MultiAvatarRequest struct {
	AvatarParams
	ImagePath  string `json:"image_path"`
	Audio1Path string `json:"audio1_path,omitempty"`
	Audio2Path string `json:"audio2_path,omitempty"`
	AudioType  string `json:"audio_type"`
	BBox1      []int  `json:"bbox1,omitempty"`
	BBox2      []int  `json:"bbox2,omitempty"`
}

func (r MultiAvatarRequest) withDefaults() MultiAvatarRequest {
	r.AvatarParams = r.AvatarParams.withDefaults()
	if r.AudioType == "" {
		r.AudioType = "para"
	}
	return r
}

func (r MultiAvatarRequest) validate() error {
	if r.ImagePath == "" {
		return invalid("reference image is required")
	}
	if r.Audio1Path == "" && r.Audio2Path == "" {
		return invalid("at least one audio track is required")
	}
	if !slices.Contains(AudioModes, r.AudioType) {
		return invalid("unknown audio type %q", r.AudioType)
	}
	for _, b := range [][]int{r.BBox1, r.BBox2} {
		if len(b) != 0 && len(b) != 4 {
			return invalid("bounding boxes need four coordinates")
		}
	}
	return r.AvatarParams.validate()
}

func (r MultiAvatarRequest) fields() map[string]string {
	f := r.AvatarParams.fields()
	f["audio_type"] = r.AudioType
	if len(r.BBox1) == 4 {
		f["bbox1"] = joinInts(r.BBox1)
	}
	if len(r.BBox2) == 4 {
		f["bbox2"] = joinInts(r.BBox2)
	}
	return f
}

func joinInts(v []int) string {
	s := make([]string, len(v))
	for i, n := range v {
		s[i] = strconv.Itoa(n)
	}
	return strings.Join(s, ",")
}

// ParseBBox reads "x1,y1,x2,y2". Empty input yields nil.
func ParseBBox(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return nil, invalid("bounding box %q needs four coordinates", s)
	}
	out := make([]int, 4)
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, invalid("bounding box %q: %v", s, err)
		}
		out[i] = n
	}
	return out, nil
}
