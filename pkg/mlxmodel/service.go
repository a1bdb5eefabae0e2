package mlxmodel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/afm/gateway/pkg/mlxcache"
	"github.com/afm/gateway/pkg/memory"
	"github.com/afm/gateway/pkg/tailbuffer"
)

// ShutdownTimeout is spec.md §5's "30 s timeout" for graceful shutdown.
const ShutdownTimeout = 30 * time.Second

// EngineFactory constructs the actual runtime Engine for a resolved weight
// directory. Production wires a real MLX loader; tests wire a fake one --
// this is the seam spec.md §1 describes as "an external collaborator".
type EngineFactory func(weightDir string, cfg ModelConfig) (Engine, error)

// Container wraps one loaded model's Engine and the metadata ensure_loaded
// derived from its config.json, plus the single-threaded execution gate
// spec.md §5 describes: "the container exposes perform(closure) which the
// service relies on for that exclusivity" -- at most one generation touches
// the model weights at a time.
type Container struct {
	Engine         Engine
	Config         ModelConfig
	ToolCallFormat ToolCallFormat
	Digest         string

	mu sync.Mutex
}

// Perform runs fn with exclusive access to the container's engine.
func (c *Container) Perform(fn func(Engine) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fn(c.Engine)
}

// Service is the MLX Model Service (spec.md §4.3): state
// {current_model_id?, current_container?, active_operation_count,
// shutting_down, gpu_configured, prompt_cache_box, tool_call_format?}
// behind a single mutex.
type Service struct {
	mu                   sync.Mutex
	currentModelID       string
	container            *Container
	activeOperationCount int
	shuttingDown         bool

	resolver        *mlxcache.Resolver
	registry        *mlxcache.Registry
	fetcher         *mlxcache.Fetcher
	downloader      *mlxcache.Downloader
	memConfigurator *memory.Configurator
	engineFactory   EngineFactory

	promptCacheBox *PromptCacheBox
}

// NewService builds a Service. fetcher and downloader may be nil to
// disable download-on-miss (ensure_loaded then returns
// ModelNotFoundInCacheError on a cache miss instead).
func NewService(
	resolver *mlxcache.Resolver,
	registry *mlxcache.Registry,
	fetcher *mlxcache.Fetcher,
	downloader *mlxcache.Downloader,
	memConfigurator *memory.Configurator,
	engineFactory EngineFactory,
) *Service {
	return &Service{
		resolver:        resolver,
		registry:        registry,
		fetcher:         fetcher,
		downloader:      downloader,
		memConfigurator: memConfigurator,
		engineFactory:   engineFactory,
		promptCacheBox:  &PromptCacheBox{},
	}
}

// PromptCacheBox exposes the service's prompt-cache box for the generation
// pipeline.
func (s *Service) PromptCacheBox() *PromptCacheBox { return s.promptCacheBox }

// CurrentModelID returns the id of the currently loaded model, or "".
func (s *Service) CurrentModelID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentModelID
}

// CurrentContainer returns the currently loaded container, or nil if no
// model is loaded.
func (s *Service) CurrentContainer() *Container {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.container
}

// DiskUsageBytes reports the combined size of the weight cache and the
// registry's persisted JSON file, surfaced as companion debug info on
// GET /props.
func (s *Service) DiskUsageBytes() (int64, error) {
	cacheBytes, err := s.resolver.DiskUsage()
	if err != nil {
		return 0, fmt.Errorf("mlxmodel: cache disk usage: %w", err)
	}
	if s.registry == nil {
		return cacheBytes, nil
	}
	registryBytes, err := s.registry.FileSize()
	if err != nil {
		return 0, fmt.Errorf("mlxmodel: registry disk usage: %w", err)
	}
	return cacheBytes + registryBytes, nil
}

// enterOperation implements spec.md §4.3.1 step 1: "Enter operation (fail
// fast with 'shutting down' error)."
func (s *Service) enterOperation() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shuttingDown {
		return ErrServiceShuttingDown
	}
	s.activeOperationCount++
	return nil
}

func (s *Service) exitOperation() {
	s.mu.Lock()
	s.activeOperationCount--
	s.mu.Unlock()
}

// Shutdown implements spec.md §4.3's "shutdown waits until count reaches
// zero or a 30 s timeout": mark the service draining, then poll the
// operation count until it reaches zero, ctx is cancelled, or
// ShutdownTimeout elapses.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shuttingDown = true
	s.mu.Unlock()

	deadline := time.NewTimer(ShutdownTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()

	for {
		s.mu.Lock()
		count := s.activeOperationCount
		s.mu.Unlock()
		if count == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("mlxmodel: shutdown timed out with %d active operation(s)", count)
		case <-ticker.C:
		}
	}
}

// EnsureLoaded implements spec.md §4.3.1: resolve, download on miss,
// probe config.json for vision/tool-call-format, and atomically swap in
// the new container. progress and stage may be nil.
func (s *Service) EnsureLoaded(ctx context.Context, rawID string, progress mlxcache.ProgressFunc, stage func(string)) error {
	if err := s.enterOperation(); err != nil {
		return err
	}
	defer s.exitOperation()

	if strings.TrimSpace(rawID) == "" {
		return &InvalidModelError{ID: rawID}
	}
	id := mlxcache.Normalize(rawID)

	if s.CurrentModelID() == id {
		return nil
	}

	// stageTrace retains the last kilobyte of stage transitions so a
	// download/load failure's error can report the path that led to it,
	// the way the teacher's tailbuffer-backed server-output capture did
	// for its subprocess's stdout/stderr.
	stageTrace := tailbuffer.NewTailBuffer(1024)
	emit := func(st string) {
		fmt.Fprintf(stageTrace, "%s; ", st)
		if stage != nil {
			stage(st)
		}
	}

	emit("checking cache")
	if _, _, err := s.memConfigurator.EnsureConfigured(); err != nil {
		return fmt.Errorf("mlxmodel: configure gpu memory: %w", err)
	}

	weightDir, err := s.resolver.Resolve(id)
	if err != nil {
		if !errors.Is(err, mlxcache.ErrNotFound) {
			return fmt.Errorf("mlxmodel: resolve %q: %w", id, err)
		}
		if s.fetcher == nil || s.downloader == nil {
			return &ModelNotFoundInCacheError{ID: id}
		}

		emit("downloading")
		files, listErr := s.fetcher.ListFiles(ctx, id, "")
		if listErr != nil {
			return &DownloadFailedError{ID: id, Err: listErr, StageTrace: stageTrace.String()}
		}
		destDir := filepath.Join(s.resolver.Root(), id)
		if dlErr := s.downloader.DownloadAll(ctx, id, "", files, destDir, progress); dlErr != nil {
			return &DownloadFailedError{ID: id, Err: dlErr, StageTrace: stageTrace.String()}
		}
		weightDir = destDir
	}

	cfg, err := probeModelConfig(weightDir)
	if err != nil {
		return &LoadFailedError{ID: id, Err: err, StageTrace: stageTrace.String()}
	}
	toolFormat := DetectToolCallFormat(cfg.ModelType)

	emit("loading model")
	engine, err := s.engineFactory(weightDir, cfg)
	if err != nil {
		return &LoadFailedError{ID: id, Err: err, StageTrace: stageTrace.String()}
	}

	digest, digestErr := mlxcache.ContentDigest(weightDir)
	digestStr := ""
	if digestErr == nil {
		digestStr = digest.String()
	}

	container := &Container{
		Engine:         engine,
		Config:         cfg,
		ToolCallFormat: toolFormat,
		Digest:         digestStr,
	}

	s.mu.Lock()
	s.currentModelID = id
	s.container = container
	s.mu.Unlock()

	s.promptCacheBox.Invalidate()

	if s.registry != nil {
		if regErr := s.registry.Register(id, time.Now().Unix()); regErr != nil {
			return fmt.Errorf("mlxmodel: register %q: %w", id, regErr)
		}
	}

	return nil
}

// configProbe is the JSON shape of the config.json fields ensure_loaded
// step 6-7 inspect.
type configProbe struct {
	ModelType        string          `json:"model_type"`
	TextConfig       json.RawMessage `json:"text_config"`
	VisionConfig     json.RawMessage `json:"vision_config"`
	ImageTokenID     *int            `json:"image_token_id"`
	VisionStartToken *int            `json:"vision_start_token_id"`
	VisionTokenID    *int            `json:"vision_token_id"`
}

// probeModelConfig reads weightDir/config.json and extracts the fields
// ensure_loaded's vision and tool-call-format detection need (spec.md
// §4.3.1 steps 6-7).
func probeModelConfig(weightDir string) (ModelConfig, error) {
	data, err := os.ReadFile(filepath.Join(weightDir, "config.json"))
	if err != nil {
		return ModelConfig{}, fmt.Errorf("mlxmodel: read config.json: %w", err)
	}
	var probe configProbe
	if err := json.Unmarshal(data, &probe); err != nil {
		return ModelConfig{}, fmt.Errorf("mlxmodel: parse config.json: %w", err)
	}
	return ModelConfig{
		ModelType:        probe.ModelType,
		HasTextConfig:    len(probe.TextConfig) > 0,
		HasVisionConfig:  len(probe.VisionConfig) > 0,
		HasVisionTokenID: probe.ImageTokenID != nil || probe.VisionStartToken != nil || probe.VisionTokenID != nil,
	}, nil
}
