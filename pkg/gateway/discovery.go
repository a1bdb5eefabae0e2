// Package gateway implements the gateway's outer surface: Backend
// Discovery (spec.md §4.5), Backend Proxy (spec.md §4.6), and the request
// router that dispatches to {foundation | mlx | proxy(backend)} (spec.md
// §2).
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/afm/gateway/pkg/logging"
)

// KnownBackendProbeTimeout bounds each well-known-backend /v1/models probe
// (spec.md §5: "3 s for backend model-list probes").
const KnownBackendProbeTimeout = 3 * time.Second

// CapabilityProbeTimeout bounds the Ollama/LM Studio capability-enrichment
// calls (spec.md §5: "5 s for capability probes").
const CapabilityProbeTimeout = 5 * time.Second

// PortScanDialTimeout bounds each port-scan TCP dial (spec.md §4.5).
const PortScanDialTimeout = 500 * time.Millisecond

// PortScanConcurrency bounds how many ports are dialed at once (spec.md
// §4.5: "batch concurrency to 100").
const PortScanConcurrency = 100

// RescanInterval is the periodic full-rescan cadence (spec.md §4.5).
const RescanInterval = 30 * time.Second

// StaleAfter is how long a snapshot may go unrefreshed before
// RefreshIfStale forces a rescan (spec.md §4.5).
const StaleAfter = 10 * time.Second

// BearerToken is the fixed bearer token used for every known-backend and
// proxied request (spec.md §4.5/§4.6 both say "a fixed bearer token";
// neither section names a value, so this gateway uses a constant local
// token rather than exposing one by default).
const BearerToken = "afm-local-gateway"

// KnownBackend names one of the five well-known local OpenAI-compatible
// servers spec.md §4.5 probes by default.
type KnownBackend struct {
	Name string
	Port int
}

// DefaultKnownBackends is the fixed list of well-known local backends.
var DefaultKnownBackends = []KnownBackend{
	{Name: "Ollama", Port: 11434},
	{Name: "LM Studio", Port: 1234},
	{Name: "llama.cpp", Port: 8080},
	{Name: "vLLM", Port: 8000},
	{Name: "text-generation-webui", Port: 5000},
}

// PortScanRanges is the fixed list of port ranges scanned in the
// background (spec.md §4.5: "a fixed list of port ranges (≈1 100 ports)").
var PortScanRanges = [][2]int{
	{1234, 1234},
	{5000, 5010},
	{8000, 8010},
	{8080, 8090},
	{11000, 11500},
	{15000, 15500},
}

// PortBlacklist excludes ports known to host unrelated services that
// happen to answer HTTP.
var PortBlacklist = map[int]struct{}{
	8081: {}, // often a proxy/admin UI, not an inference backend
}

// CompletionCapability is the implicit capability tag every discovered
// model carries (spec.md §3: "the tag set is derived from the two
// booleans plus the implicit completion").
const CompletionCapability = "completion"

// DisplayID builds the unique client-visible model identifier (spec.md
// §3: `display_id` is `"<original_id> · <backend_name>"`).
func DisplayID(originalID, backendName string) string {
	return originalID + " · " + backendName
}

// BackendModel is one model entry merged from a backend's /v1/models
// listing. DisplayID is the identifier clients address; OriginalID is
// substituted back into the proxied request body (spec.md §3).
type BackendModel struct {
	DisplayID    string
	OriginalID   string
	Owner        string
	Created      int64
	Capabilities []string
}

// Backend is one discovered OpenAI-compatible server.
type Backend struct {
	Name    string
	BaseURL string
	Models  []BackendModel
}

// Snapshot is an immutable point-in-time view of all discovered backends.
// Readers take a reference to the current snapshot; writers construct a new
// one and atomically replace the Discovery's pointer (spec.md §5: "Backend
// discovery's snapshot swap is atomic from the reader's perspective").
type Snapshot struct {
	Backends  []Backend
	TakenAt   time.Time
}

// ModelLookup returns the backend hosting displayID, and the model's
// capabilities, if present in this snapshot. displayID is matched exactly
// (spec.md §3/Testable Property 8: routing is by display_id, never the
// bare original_id, so two backends serving the same raw model id remain
// distinguishable).
func (s *Snapshot) ModelLookup(displayID string) (Backend, BackendModel, bool) {
	if s == nil {
		return Backend{}, BackendModel{}, false
	}
	for _, b := range s.Backends {
		for _, m := range b.Models {
			if m.DisplayID == displayID {
				return b, m, true
			}
		}
	}
	return Backend{}, BackendModel{}, false
}

// Discovery is the single-owner concurrent actor that periodically
// refreshes the backend snapshot (spec.md §4.5).
type Discovery struct {
	log        logging.Logger
	httpClient *http.Client
	selfPort   int

	mu       sync.RWMutex
	snapshot *Snapshot

	lastScan time.Time
	scanMu   sync.Mutex
}

// NewDiscovery constructs a Discovery actor bound to httpClient (nil uses
// http.DefaultClient) and excluding selfPort from the port scan.
func NewDiscovery(log logging.Logger, httpClient *http.Client, selfPort int) *Discovery {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Discovery{
		log:        logging.Component(log, "discovery"),
		httpClient: httpClient,
		selfPort:   selfPort,
		snapshot:   &Snapshot{TakenAt: time.Time{}},
	}
}

// Current returns the current snapshot.
func (d *Discovery) Current() *Snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.snapshot
}

func (d *Discovery) swap(snapshot *Snapshot) {
	d.mu.Lock()
	d.snapshot = snapshot
	d.mu.Unlock()
}

// Run drives the periodic full rescan loop until ctx is cancelled.
func (d *Discovery) Run(ctx context.Context) {
	d.rescan(ctx)
	ticker := time.NewTicker(RescanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.rescan(ctx)
		}
	}
}

// RefreshIfStale triggers a synchronous rescan if the last scan is older
// than StaleAfter (spec.md §4.5: the /v1/models handler's entry point).
func (d *Discovery) RefreshIfStale(ctx context.Context) {
	d.scanMu.Lock()
	stale := time.Since(d.lastScan) > StaleAfter
	d.scanMu.Unlock()
	if stale {
		d.rescan(ctx)
	}
}

func (d *Discovery) rescan(ctx context.Context) {
	known := d.probeKnownBackends(ctx)
	scanned := d.scanPorts(ctx)

	merged := make(map[string]Backend, len(known)+len(scanned))
	for _, b := range known {
		merged[b.BaseURL] = b
	}
	for _, b := range scanned {
		if _, exists := merged[b.BaseURL]; !exists {
			merged[b.BaseURL] = b
		}
	}

	backends := make([]Backend, 0, len(merged))
	for _, b := range merged {
		d.enrichCapabilities(ctx, &b)
		backends = append(backends, b)
	}

	d.swap(&Snapshot{Backends: backends, TakenAt: time.Now()})
	d.scanMu.Lock()
	d.lastScan = time.Now()
	d.scanMu.Unlock()

	d.log.Debugf("rescan complete: %d backend(s) discovered (%d known, %d port-scanned)", len(backends), len(known), len(scanned))
}

func (d *Discovery) probeKnownBackends(ctx context.Context) []Backend {
	results := make([]Backend, 0, len(DefaultKnownBackends))
	var mu sync.Mutex
	group, groupCtx := errgroup.WithContext(ctx)
	for _, kb := range DefaultKnownBackends {
		kb := kb
		if kb.Port == d.selfPort {
			continue
		}
		group.Go(func() error {
			backend, ok := d.probeOne(groupCtx, kb.Name, fmt.Sprintf("http://localhost:%d", kb.Port), KnownBackendProbeTimeout)
			if ok {
				mu.Lock()
				results = append(results, backend)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = group.Wait()
	return results
}

func (d *Discovery) scanPorts(ctx context.Context) []Backend {
	ports := make([]int, 0, 1100)
	known := make(map[int]struct{}, len(DefaultKnownBackends))
	for _, kb := range DefaultKnownBackends {
		known[kb.Port] = struct{}{}
	}
	for _, r := range PortScanRanges {
		for p := r[0]; p <= r[1]; p++ {
			if p == d.selfPort {
				continue
			}
			if _, isKnown := known[p]; isKnown {
				continue
			}
			if _, blacklisted := PortBlacklist[p]; blacklisted {
				continue
			}
			ports = append(ports, p)
		}
	}

	results := make([]Backend, 0)
	var mu sync.Mutex
	sem := make(chan struct{}, PortScanConcurrency)
	var wg sync.WaitGroup
	for _, port := range ports {
		port := port
		select {
		case <-ctx.Done():
			wg.Wait()
			return results
		default:
		}
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if !d.dialOpen(port) {
				return
			}
			label := "localhost:" + strconv.Itoa(port)
			backend, ok := d.probeOne(ctx, label, fmt.Sprintf("http://localhost:%d", port), KnownBackendProbeTimeout)
			if ok {
				mu.Lock()
				results = append(results, backend)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return results
}

func (d *Discovery) dialOpen(port int) bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("localhost:%d", port), PortScanDialTimeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// modelsListVariant is a lenient decode target for /v1/models, accepting
// either the bare {data:[...]} shape or the {data:[...], models:[...]}
// shape some backends add (spec.md §4.5).
type modelsListVariant struct {
	Data []struct {
		ID      string `json:"id"`
		OwnedBy string `json:"owned_by"`
		Created int64  `json:"created"`
	} `json:"data"`
	Models []struct {
		Model        string   `json:"model"`
		Capabilities []string `json:"capabilities"`
	} `json:"models"`
}

func (d *Discovery) probeOne(ctx context.Context, name, baseURL string, timeout time.Duration) (Backend, bool) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, baseURL+"/v1/models", nil)
	if err != nil {
		return Backend{}, false
	}
	req.Header.Set("Authorization", "Bearer "+BearerToken)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return Backend{}, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Backend{}, false
	}

	var parsed modelsListVariant
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Backend{}, false
	}

	capsByModel := make(map[string][]string, len(parsed.Models))
	for _, m := range parsed.Models {
		capsByModel[m.Model] = m.Capabilities
	}

	models := make([]BackendModel, 0, len(parsed.Data))
	for _, entry := range parsed.Data {
		models = append(models, BackendModel{
			DisplayID:    DisplayID(entry.ID, name),
			OriginalID:   entry.ID,
			Owner:        entry.OwnedBy,
			Created:      entry.Created,
			Capabilities: mergeCapabilities([]string{CompletionCapability}, capsByModel[entry.ID]),
		})
	}

	return Backend{Name: name, BaseURL: baseURL, Models: models}, true
}

func (d *Discovery) enrichCapabilities(ctx context.Context, backend *Backend) {
	for i := range backend.Models {
		switch backend.Name {
		case "Ollama":
			d.enrichOllama(ctx, backend.BaseURL, &backend.Models[i])
		case "LM Studio":
			d.enrichLMStudio(ctx, backend.BaseURL, &backend.Models[i])
		}
	}
}

func mergeCapabilities(existing, extra []string) []string {
	seen := make(map[string]struct{}, len(existing)+len(extra))
	merged := make([]string, 0, len(existing)+len(extra))
	for _, c := range existing {
		if _, ok := seen[c]; !ok {
			seen[c] = struct{}{}
			merged = append(merged, c)
		}
	}
	for _, c := range extra {
		if _, ok := seen[c]; !ok {
			seen[c] = struct{}{}
			merged = append(merged, c)
		}
	}
	return merged
}

// enrichOllama calls POST /api/show {model} and scans the model-info map
// for any key containing "context_length" (spec.md §4.5).
func (d *Discovery) enrichOllama(ctx context.Context, baseURL string, model *BackendModel) {
	reqCtx, cancel := context.WithTimeout(ctx, CapabilityProbeTimeout)
	defer cancel()

	body, _ := json.Marshal(map[string]string{"model": model.OriginalID})
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, baseURL+"/api/show", strings.NewReader(string(body)))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+BearerToken)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return
	}

	var decoded struct {
		Capabilities []string               `json:"capabilities"`
		ModelInfo    map[string]interface{} `json:"model_info"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return
	}

	extra := decoded.Capabilities
	for key := range decoded.ModelInfo {
		if strings.Contains(key, "context_length") {
			extra = append(extra, "context_length")
			break
		}
	}
	model.Capabilities = mergeCapabilities(model.Capabilities, extra)
}

// enrichLMStudio calls GET /api/v0/models/<url-encoded-id> (spec.md §4.5).
func (d *Discovery) enrichLMStudio(ctx context.Context, baseURL string, model *BackendModel) {
	reqCtx, cancel := context.WithTimeout(ctx, CapabilityProbeTimeout)
	defer cancel()

	url := baseURL + "/api/v0/models/" + queryEscape(model.OriginalID)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return
	}
	req.Header.Set("Authorization", "Bearer "+BearerToken)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return
	}

	var decoded struct {
		Type              string   `json:"type"`
		Capabilities      []string `json:"capabilities"`
		MaxContextLength  int      `json:"max_context_length"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return
	}

	extra := decoded.Capabilities
	if decoded.MaxContextLength > 0 {
		extra = append(extra, "context_length")
	}
	model.Capabilities = mergeCapabilities(model.Capabilities, extra)
}

func queryEscape(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.' || r == '~' {
			b.WriteRune(r)
		} else {
			b.WriteString(fmt.Sprintf("%%%02X", r))
		}
	}
	return b.String()
}
