// Package foundation implements the Foundation Session Service (spec.md
// §4.4): a thin adapter over a platform-provided on-device language-model
// session, exposing construction, response/streaming, and guided
// (schema-constrained) generation.
//
// The actual on-device session -- Apple's Foundation Models framework on
// real hardware -- is an external collaborator behind the Backend
// interface, mirroring pkg/mlxmodel's Engine boundary: this package owns
// adapter selection, randomness parsing, guided-snapshot diffing, and
// error classification, never the token generation itself.
package foundation

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/afm/gateway/pkg/jsonvalue"
)

// AdapterFileExtension is the expected file extension for an on-device
// adapter bundle (spec.md §4.4: "with the expected extension").
const AdapterFileExtension = ".fmadapter"

// Config is a session's construction parameters (spec.md §4.4: "construct
// with {instructions, adapter_path?, permissive_guardrails}").
type Config struct {
	Instructions         string
	AdapterPath          string
	PermissiveGuardrails bool
}

// ResponseOptions carries the per-call sampling configuration.
type ResponseOptions struct {
	Randomness Randomness
}

// Backend is the boundary to the actual on-device language-model session.
type Backend interface {
	Respond(ctx context.Context, prompt string, opts ResponseOptions) (string, error)
	StreamResponse(ctx context.Context, prompt string, opts ResponseOptions) (<-chan string, error)
	RespondGuided(ctx context.Context, prompt string, schema jsonvalue.Value, opts ResponseOptions) (jsonvalue.Value, error)
	StreamGuided(ctx context.Context, prompt string, schema jsonvalue.Value, opts ResponseOptions) (<-chan jsonvalue.Value, error)
}

// BackendFactory constructs a Backend, either against a specific adapter
// bundle or (when adapterPath is "") the default on-device model.
type BackendFactory func(adapterPath string) (Backend, error)

// Session wraps one constructed Backend plus the config it was built from.
type Session struct {
	ID               string
	Config           Config
	Backend          Backend
	UsedDefaultModel bool
}

// NewSession implements spec.md §4.4's construction rule: "If adapter_path
// is given and the file exists with the expected extension, construct a
// session with that adapter; otherwise print a warning and fall back to
// the default model."
func NewSession(config Config, factory BackendFactory, warn func(string)) (*Session, error) {
	if config.AdapterPath != "" {
		if adapterFileValid(config.AdapterPath) {
			backend, err := factory(config.AdapterPath)
			if err == nil {
				return &Session{ID: uuid.NewString(), Config: config, Backend: backend}, nil
			}
			if warn != nil {
				warn(fmt.Sprintf("foundation: failed to load adapter %q, falling back to default model: %v", config.AdapterPath, err))
			}
		} else if warn != nil {
			warn(fmt.Sprintf("foundation: adapter %q missing or has unexpected extension, falling back to default model", config.AdapterPath))
		}
	}

	backend, err := factory("")
	if err != nil {
		return nil, fmt.Errorf("foundation: construct default session: %w", err)
	}
	return &Session{ID: uuid.NewString(), Config: config, Backend: backend, UsedDefaultModel: true}, nil
}

func adapterFileValid(path string) bool {
	if filepath.Ext(path) != AdapterFileExtension {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// SharedSession is the process-level shared session spec.md §4.4
// describes: "A process-level shared session is initialized at startup
// and optionally pre-warmed." PreWarm coalesces concurrent callers into a
// single warm-up request via singleflight, so a burst of early requests
// racing the startup pre-warm doesn't each trigger their own.
type SharedSession struct {
	mu      sync.RWMutex
	session *Session
	group   singleflight.Group
}

// NewSharedSession builds an empty SharedSession; call Init before Get.
func NewSharedSession() *SharedSession {
	return &SharedSession{}
}

// Init constructs and installs the shared session.
func (s *SharedSession) Init(config Config, factory BackendFactory, warn func(string)) error {
	session, err := NewSession(config, factory, warn)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.session = session
	s.mu.Unlock()
	return nil
}

// Get returns the current shared session, or nil if Init has not run.
func (s *SharedSession) Get() *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session
}

// PreWarm issues a trivial prompt through the shared session so the
// on-device model is resident before the first real request arrives.
func (s *SharedSession) PreWarm(ctx context.Context) error {
	session := s.Get()
	if session == nil {
		return fmt.Errorf("foundation: pre-warm called before Init")
	}
	_, err, _ := s.group.Do("prewarm", func() (interface{}, error) {
		_, respErr := session.Backend.Respond(ctx, "", ResponseOptions{Randomness: Randomness{Mode: ModeGreedy}})
		return nil, respErr
	})
	return err
}
