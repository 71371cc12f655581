package worker

import (
	"os"
	"path/filepath"
	"testing"
)

func TestBuildCommandKinds(t *testing.T) {
	tests := []struct {
		name      string
		kind      string
		extraArgs string
		want      []string
		wantErr   bool
	}{
		{
			name: "kind A nuke",
			kind: "A",
			want: []string{"/opt/nuke/Nuke", "-i", "-f", "-x", "-m", "3", "-F", "1-10", "-m", "14", "-V", "--", "/proj/shot.nk"},
		},
		{
			name: "kind B mocha",
			kind: "B",
			want: []string{"/opt/mocha/mocha", "-range", "1-10", "/proj/shot.mocha"},
		},
		{
			name: "kind C fusion",
			kind: "C",
			want: []string{"/opt/fusion/Fusion", "/proj/shot.comp", "/render", "/start", "1", "/end", "10"},
		},
		{
			name:      "extra args are tokenized with quoting respected",
			kind:      "A",
			extraArgs: `--note "two words" --flag`,
			want:      []string{"/opt/nuke/Nuke", "-i", "-f", "-x", "-m", "3", "-F", "1-10", "-m", "14", "-V", "--", "/proj/shot.nk", "--note", "two words", "--flag"},
		},
		{
			name:    "unknown kind",
			kind:    "Z",
			wantErr: true,
		},
		{
			name:      "unterminated quote in extra args",
			kind:      "A",
			extraArgs: `--note "unterminated`,
			wantErr:   true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exe := map[string]string{"A": "/opt/nuke/Nuke", "B": "/opt/mocha/mocha", "C": "/opt/fusion/Fusion", "Z": "/bin/x"}[tt.kind]
			proj := map[string]string{"A": "/proj/shot.nk", "B": "/proj/shot.mocha", "C": "/proj/shot.comp", "Z": "/proj/x"}[tt.kind]
			got, err := BuildCommand(tt.kind, exe, proj, 1, 10, tt.extraArgs)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %v want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("argv[%d] = %q, want %q (full: %v)", i, got[i], tt.want[i], got)
				}
			}
		})
	}
}

func TestLoadConfigMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "does_not_exist.json"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	def := DefaultConfig()
	if cfg.HeartbeatInterval != def.HeartbeatInterval || cfg.RetryAttempts != def.RetryAttempts {
		t.Fatalf("got %+v, want defaults %+v", cfg, def)
	}
}

func TestLoadConfigOverridesExplicitFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker_config.json")
	if err := os.WriteFile(path, []byte(`{"max_concurrent_jobs": 4}`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.MaxConcurrentJobs != 4 {
		t.Fatalf("max_concurrent_jobs = %d, want 4", cfg.MaxConcurrentJobs)
	}
	// Fields absent from the override must retain defaults.
	if cfg.HeartbeatInterval != DefaultConfig().HeartbeatInterval {
		t.Fatalf("heartbeat_interval = %d, want default", cfg.HeartbeatInterval)
	}
	if cfg.RendererMultiplier("B") != 1.2 {
		t.Fatalf("renderer multiplier B = %v, want 1.2", cfg.RendererMultiplier("B"))
	}
}

func TestRendererMultiplierUnknownKind(t *testing.T) {
	cfg := DefaultConfig()
	if got := cfg.RendererMultiplier("Z"); got != 1.0 {
		t.Fatalf("unknown kind multiplier = %v, want 1.0", got)
	}
}

func TestBufferPoolBorrowReturn(t *testing.T) {
	p := NewBufferPool(16, 2)
	if p.Len() != 2 {
		t.Fatalf("initial len = %d, want 2", p.Len())
	}
	b1, ok := p.Borrow()
	if !ok || len(b1) != 16 {
		t.Fatalf("borrow 1 failed: ok=%v len=%d", ok, len(b1))
	}
	b2, ok := p.Borrow()
	if !ok {
		t.Fatalf("borrow 2 failed")
	}
	if _, ok := p.Borrow(); ok {
		t.Fatalf("expected pool exhaustion on 3rd borrow")
	}
	p.Return(b1)
	if p.Len() != 1 {
		t.Fatalf("len after one return = %d, want 1", p.Len())
	}
	p.Return(b2)
	if p.Len() != 2 {
		t.Fatalf("len after both returns = %d, want 2", p.Len())
	}
}

func TestBufferPoolSizing(t *testing.T) {
	size, count := BufferPoolSizing(8)
	if size != 512*1024*1024 || count != 8 {
		t.Fatalf("standard machine sizing = (%d, %d)", size, count)
	}
	size, count = BufferPoolSizing(64)
	if size != 2*1024*1024*1024 || count != 16 {
		t.Fatalf("big machine sizing = (%d, %d)", size, count)
	}
}

func TestAssetCacheHitMissAndOversizeBypass(t *testing.T) {
	c, err := NewAssetCache(4, 1) // small entrySizeMB to keep the LRU small in-process
	if err != nil {
		t.Fatalf("new asset cache: %v", err)
	}
	if _, ok := c.Get("/proj/a.exr"); ok {
		t.Fatalf("expected miss on empty cache")
	}
	c.Put("/proj/a.exr", []byte("data"))
	if v, ok := c.Get("/proj/a.exr"); !ok || string(v) != "data" {
		t.Fatalf("expected hit, got ok=%v v=%q", ok, v)
	}
	hits, misses := c.Stats()
	if hits != 1 || misses != 1 {
		t.Fatalf("stats = hits=%d misses=%d, want 1/1", hits, misses)
	}

	oversized := make([]byte, c.maxEntry+1)
	c.Put("/proj/big.exr", oversized)
	if _, ok := c.Get("/proj/big.exr"); ok {
		t.Fatalf("oversize entry should have bypassed the cache")
	}
}

func TestAdmit(t *testing.T) {
	limits := ResourceLimits{MaxMemoryPercent: 90, MaxCPUPercent: 90, MinFreeDiskGB: 5}
	tests := []struct {
		name string
		r    LocalResources
		want bool
	}{
		{"within limits", LocalResources{MemoryPercent: 50, CPUPercent: 40, FreeDiskGB: 100}, true},
		{"memory over", LocalResources{MemoryPercent: 95, CPUPercent: 40, FreeDiskGB: 100}, false},
		{"cpu over", LocalResources{MemoryPercent: 50, CPUPercent: 95, FreeDiskGB: 100}, false},
		{"disk too low", LocalResources{MemoryPercent: 50, CPUPercent: 40, FreeDiskGB: 1}, false},
		{"exactly at memory limit passes", LocalResources{MemoryPercent: 90, CPUPercent: 40, FreeDiskGB: 100}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Admit(tt.r, limits); got != tt.want {
				t.Errorf("Admit(%+v) = %v, want %v", tt.r, got, tt.want)
			}
		})
	}
}

func TestAdmitZeroLimitsMeansUnbounded(t *testing.T) {
	if !Admit(LocalResources{MemoryPercent: 99.9, CPUPercent: 99.9, FreeDiskGB: 0}, ResourceLimits{}) {
		t.Fatalf("zero-value limits should admit everything")
	}
}

func TestExpandFrameTokens(t *testing.T) {
	tests := []struct {
		pattern string
		frame   int
		want    string // one expected candidate that must appear in the result
	}{
		{"render.%04d.exr", 7, "render.0007.exr"},
		{"render.####.exr", 42, "render.0042.exr"},
		{"render.%d.exr", 7, "render.7.exr"},
	}
	for _, tt := range tests {
		candidates := expandFrameTokens(tt.pattern, tt.frame)
		found := false
		for _, c := range candidates {
			if c == tt.want {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("expandFrameTokens(%q, %d) = %v, want to contain %q", tt.pattern, tt.frame, candidates, tt.want)
		}
	}
}

func TestDetectOutputsFallsBackToSiblingScan(t *testing.T) {
	dir := t.TempDir()
	rendersDir := filepath.Join(dir, "renders")
	if err := os.MkdirAll(rendersDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	for _, name := range []string{"shot.0001.exr", "shot.0002.exr", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(rendersDir, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	projectPath := filepath.Join(dir, "shot.mocha") // kind B: no write-node parsing, straight to fallback
	info := DetectOutputs("B", projectPath, []int{1, 2})
	if info.TotalCount != 2 {
		t.Fatalf("total count = %d, want 2 (info=%+v)", info.TotalCount, info)
	}
	if len(info.Directories[rendersDir]) != 2 {
		t.Fatalf("directories = %+v", info.Directories)
	}
}

func TestDetectOutputsEmptyForNoMatches(t *testing.T) {
	dir := t.TempDir()
	info := DetectOutputs("C", filepath.Join(dir, "shot.comp"), []int{1, 2, 3})
	if info.TotalCount != 0 {
		t.Fatalf("expected no outputs detected, got %+v", info)
	}
}

func TestTranslatePathsRewritesDriveLetter(t *testing.T) {
	dir := t.TempDir()
	projectPath := filepath.Join(dir, "shot.nk")
	if err := os.WriteFile(projectPath, []byte(`file "C:\proj\shot\render.%04d.exr"`), 0o644); err != nil {
		t.Fatalf("write project file: %v", err)
	}

	got := TranslatePaths(projectPath, `\\fileserver\proj`)
	if got == projectPath {
		t.Fatalf("expected a translated copy path, got original")
	}
	data, err := os.ReadFile(got)
	if err != nil {
		t.Fatalf("read translated copy: %v", err)
	}
	if string(data) == `file "C:\proj\shot\render.%04d.exr"` {
		t.Fatalf("translated copy was not rewritten: %s", data)
	}
}

func TestTranslatePathsNoNetworkShareIsNoop(t *testing.T) {
	if got := TranslatePaths("/proj/shot.nk", ""); got != "/proj/shot.nk" {
		t.Fatalf("expected no-op passthrough, got %q", got)
	}
}

func TestSafeWorkDir(t *testing.T) {
	if got := SafeWorkDir(`\\server\share\proj`, "/scratch"); got != "/scratch" {
		t.Fatalf("UNC path should fall back to scratch dir, got %q", got)
	}
	if got := SafeWorkDir("/local/proj", "/scratch"); got != "/local/proj" {
		t.Fatalf("local path should pass through, got %q", got)
	}
}

func TestRenderHistoryRingCapacity(t *testing.T) {
	h := NewRenderHistory()
	for i := 0; i < historyCapacity+10; i++ {
		h.Record(RenderRecord{SubJobID: "sj"})
	}
	if h.Len() != historyCapacity {
		t.Fatalf("len = %d, want %d", h.Len(), historyCapacity)
	}
	if len(h.Snapshot()) != historyCapacity {
		t.Fatalf("snapshot len = %d, want %d", len(h.Snapshot()), historyCapacity)
	}
}
