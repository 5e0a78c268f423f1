package doctor

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/go-wayang/internal/config"
	"github.com/basket/go-wayang/internal/persistence"
	"github.com/basket/go-wayang/internal/schemas"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed outright.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

type check func(context.Context, *config.Config) CheckResult

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	return run(ctx, cfg, version, []check{
		checkConfig,
		checkAPIKey,
		checkDatabase,
		checkFolders,
		checkWayang,
		checkDataSource,
		checkNetwork,
	})
}

func run(ctx context.Context, cfg *config.Config, version string, checks []check) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}
	for _, c := range checks {
		d.Results = append(d.Results, c(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if cfg.NeedsInit {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: "config.yaml missing, running on defaults",
			Detail: "Run `gowayang init` to write a starter config"}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir),
		Detail: cfg.Fingerprint()}
}

func checkAPIKey(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "API Key", Status: StatusSkip, Message: "Config missing"}
	}
	provider := strings.ToLower(cfg.LLM.Provider)
	if cfg.LLM.APIKey != "" {
		return CheckResult{Name: "API Key", Status: StatusPass, Message: fmt.Sprintf("Key configured for %s", provider)}
	}
	if provider == "openai_compatible" && cfg.LLM.BaseURL != "" {
		return CheckResult{Name: "API Key", Status: StatusPass, Message: "No key set; using " + cfg.LLM.BaseURL}
	}
	envVar := map[string]string{
		"anthropic": "ANTHROPIC_API_KEY",
		"google":    "GEMINI_API_KEY",
	}[provider]
	if envVar == "" {
		envVar = "OPENAI_API_KEY"
	}
	return CheckResult{
		Name:    "API Key",
		Status:  StatusWarn,
		Message: fmt.Sprintf("%s not set (required for %s provider)", envVar, provider),
		Detail:  fmt.Sprintf("Set %s in the environment, in .env, or llm.api_key in config.yaml", envVar),
	}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DBPath())
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	if _, err := store.ListSessions(ctx, 1); err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{Name: "Database", Status: StatusPass, Message: "Connection and schema valid", Detail: cfg.DBPath()}
}

func checkFolders(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Folders", Status: StatusSkip, Message: "Config missing"}
	}
	if err := writable(cfg.HomeDir); err != nil {
		return CheckResult{Name: "Folders", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	if err := writable(cfg.LogFolder); err != nil {
		return CheckResult{Name: "Folders", Status: StatusFail, Message: fmt.Sprintf("Log folder unwritable: %v", err)}
	}

	var warnings []string
	for _, f := range []struct{ name, path string }{
		{"input_folder", cfg.InputFolder},
		{"output_folder", cfg.OutputFolder},
		{"data_dir", cfg.DataDir},
	} {
		if f.path == "" {
			warnings = append(warnings, f.name+" not set")
			continue
		}
		if info, err := os.Stat(f.path); err != nil || !info.IsDir() {
			warnings = append(warnings, f.name+" missing: "+f.path)
		}
	}
	if len(warnings) > 0 {
		return CheckResult{Name: "Folders", Status: StatusWarn, Message: "Home and logs writable",
			Detail: strings.Join(warnings, "; ")}
	}
	return CheckResult{Name: "Folders", Status: StatusPass, Message: "Home, logs, input, output and data folders present"}
}

func writable(dir string) error {
	if dir == "" {
		return fmt.Errorf("path not set")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	testFile := filepath.Join(dir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return err
	}
	return os.Remove(testFile)
}

func checkWayang(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Wayang", Status: StatusSkip, Message: "Config missing"}
	}
	u, err := url.Parse(cfg.Wayang.URL)
	if err != nil || u.Host == "" {
		return CheckResult{Name: "Wayang", Status: StatusFail, Message: fmt.Sprintf("Invalid Wayang URL %q", cfg.Wayang.URL)}
	}
	host := u.Host
	if u.Port() == "" {
		port := "80"
		if u.Scheme == "https" {
			port = "443"
		}
		host = net.JoinHostPort(u.Hostname(), port)
	}

	dialCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	start := time.Now()
	conn, err := (&net.Dialer{}).DialContext(dialCtx, "tcp", host)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Name:    "Wayang",
			Status:  StatusFail,
			Message: fmt.Sprintf("Cannot reach %s: %v", host, err),
			Detail:  "Queries will end in a transport fault until the Wayang REST server is up",
		}
	}
	_ = conn.Close()
	return CheckResult{Name: "Wayang", Status: StatusPass,
		Message: fmt.Sprintf("Reached %s (%dms)", host, latency.Milliseconds()), Detail: cfg.Wayang.URL}
}

func checkDataSource(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Data Source", Status: StatusSkip, Message: "Config missing"}
	}
	if cfg.JDBC.URI == "" {
		return CheckResult{Name: "Data Source", Status: StatusSkip, Message: "JDBC_URI not set; table queries disabled"}
	}
	src, err := schemas.ParseJDBC(cfg.JDBC.URI, cfg.JDBC.Username, cfg.JDBC.Password)
	if err != nil {
		return CheckResult{Name: "Data Source", Status: StatusFail, Message: err.Error()}
	}
	db, err := sql.Open(src.Driver, src.DSN)
	if err != nil {
		return CheckResult{Name: "Data Source", Status: StatusFail, Message: fmt.Sprintf("Open %s source: %v", src.Dialect, err)}
	}
	defer db.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return CheckResult{Name: "Data Source", Status: StatusFail, Message: fmt.Sprintf("Ping %s source: %v", src.Dialect, err)}
	}
	return CheckResult{Name: "Data Source", Status: StatusPass, Message: fmt.Sprintf("%s source reachable via %s", src.Dialect, src.Driver)}
}

func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: StatusSkip, Message: "Config missing"}
	}

	provider := strings.ToLower(cfg.LLM.Provider)
	var host string
	if cfg.LLM.BaseURL != "" {
		if u, err := url.Parse(cfg.LLM.BaseURL); err == nil {
			host = u.Hostname()
		}
	}
	if host == "" {
		endpoints := map[string]string{
			"google":    "generativelanguage.googleapis.com",
			"anthropic": "api.anthropic.com",
			"openai":    "api.openai.com",
		}
		var ok bool
		if host, ok = endpoints[provider]; !ok {
			host = "api.openai.com"
		}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)

	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  StatusFail,
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("provider=%s, latency=%dms", provider, latency.Milliseconds()),
		}
	}

	return CheckResult{
		Name:    "Network",
		Status:  StatusPass,
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("provider=%s, addresses=%v", provider, addrs),
	}
}
