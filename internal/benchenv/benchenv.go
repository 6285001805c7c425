// Package benchenv describes the workspace clippybench operates in: where the
// three checkouts live and how the external tools are invoked.
package benchenv

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/sethvargo/go-envconfig"
	"golang.org/x/oauth2"

	"github.com/VKCOM/clippybench/internal/archive"
	"github.com/VKCOM/clippybench/internal/fileutil"
)

// EnvPrefix prefixes every variable Config is read from.
const EnvPrefix = "CLIPPYBENCH_"

// ErrSetupMissing means the workspace has not been provisioned with setup.
var ErrSetupMissing = errors.New("workspace is not set up (run clippybench setup first)")

type Config struct {
	// Root is the workspace directory. Relative paths below are resolved
	// against it. Defaults to the working directory.
	Root string `env:"ROOT" yaml:"root"`

	UpstreamDir string `env:"UPSTREAM_DIR,default=.rust-upstream__" yaml:"upstream_dir"`
	ClippyDir   string `env:"CLIPPY_DIR,default=.clippy__" yaml:"clippy_dir"`
	PerfDir     string `env:"PERF_DIR,default=.rustc-perf__" yaml:"perf_dir"`
	ArchiveDir  string `env:"ARCHIVE_DIR,default=archive" yaml:"archive_dir"`
	Sentinel    string `env:"SENTINEL,default=.setup-completed__" yaml:"sentinel"`

	UpstreamURL string `env:"UPSTREAM_URL,default=https://github.com/rust-lang/rust.git" yaml:"upstream_url"`
	ClippyURL   string `env:"CLIPPY_URL,default=https://github.com/rust-lang/rust-clippy.git" yaml:"clippy_url"`
	PerfURL     string `env:"PERF_URL,default=https://github.com/rust-lang/rustc-perf.git" yaml:"perf_url"`

	Baseline      string `env:"BASELINE,default=master" yaml:"baseline"`
	Remote        string `env:"REMOTE,default=origin" yaml:"remote"`
	PrereleaseRef string `env:"PRERELEASE_REF,default=remotes/origin/beta" yaml:"prerelease_ref"`
	TagPattern    string `env:"TAG_PATTERN,default=1.*.*" yaml:"tag_pattern"`
	BranchPrefix  string `env:"BRANCH_PREFIX,default=bench/" yaml:"branch_prefix"`
	ClippySubdir  string `env:"CLIPPY_SUBDIR,default=src/tools/clippy" yaml:"clippy_subdir"`

	Profile string `env:"PROFILE,default=release" yaml:"profile"`
	BinDir  string `env:"BIN_DIR,default=build/host/stage2/bin" yaml:"bin_dir"`
	Rustup  string `env:"RUSTUP,default=rustup" yaml:"rustup"`
	Cargo   string `env:"CARGO,default=cargo" yaml:"cargo"`

	GitHubToken string `env:"GITHUB_TOKEN" yaml:"github_token,omitempty"`

	Bucket Bucket `env:",prefix=BUCKET_" yaml:"bucket"`
}

// Bucket configures the optional archive mirror.
type Bucket struct {
	Endpoint  string `env:"ENDPOINT" yaml:"endpoint,omitempty"`
	Name      string `env:"NAME" yaml:"name,omitempty"`
	Prefix    string `env:"PREFIX" yaml:"prefix,omitempty"`
	Region    string `env:"REGION" yaml:"region,omitempty"`
	AccessKey string `env:"ACCESS_KEY" yaml:"access_key,omitempty"`
	SecretKey string `env:"SECRET_KEY" yaml:"secret_key,omitempty"`
	UseSSL    bool   `env:"USE_SSL,default=true" yaml:"use_ssl"`
}

// Load reads Config from the process environment.
func Load(ctx context.Context) (*Config, error) {
	return LoadFrom(ctx, envconfig.OsLookuper())
}

// LoadFrom reads Config from l, looking up each variable with EnvPrefix.
func LoadFrom(ctx context.Context, l envconfig.Lookuper) (*Config, error) {
	var c Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &c,
		Lookuper: envconfig.PrefixLookuper(EnvPrefix, l),
	}); err != nil {
		return nil, fmt.Errorf("processing config: %w", err)
	}
	if c.Root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		c.Root = wd
	}
	if !strings.HasSuffix(c.BranchPrefix, "/") {
		return nil, fmt.Errorf("%sBRANCH_PREFIX %q must end with a slash", EnvPrefix, c.BranchPrefix)
	}
	return &c, nil
}

func (c *Config) path(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Root, p)
}

func (c *Config) Upstream() string { return c.path(c.UpstreamDir) }
func (c *Config) Clippy() string   { return c.path(c.ClippyDir) }
func (c *Config) Perf() string     { return c.path(c.PerfDir) }
func (c *Config) Archive() string  { return c.path(c.ArchiveDir) }

// Results is the database the collector writes its measurements to.
func (c *Config) Results() string { return filepath.Join(c.Perf(), "results.db") }

// CheckSetup fails with ErrSetupMissing unless setup has completed.
func (c *Config) CheckSetup() error {
	if !fileutil.FileExists(c.path(c.Sentinel)) {
		return fmt.Errorf("%s: %w", c.path(c.Sentinel), ErrSetupMissing)
	}
	return nil
}

// MarkSetup records that setup has completed.
func (c *Config) MarkSetup() error {
	return fileutil.WriteFile(c.path(c.Sentinel), nil)
}

// TokenSource returns GitHub credentials for fetching, or nil for anonymous
// access.
func (c *Config) TokenSource() oauth2.TokenSource {
	if c.GitHubToken == "" {
		return nil
	}
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: c.GitHubToken})
}

// BucketConfig returns the archive mirror settings, if a mirror is configured.
func (c *Config) BucketConfig() (archive.BucketConfig, bool) {
	b := c.Bucket
	if b.Endpoint == "" && b.Name == "" {
		return archive.BucketConfig{}, false
	}
	return archive.BucketConfig{
		Endpoint:  b.Endpoint,
		Bucket:    b.Name,
		Prefix:    b.Prefix,
		Region:    b.Region,
		AccessKey: b.AccessKey,
		SecretKey: b.SecretKey,
		UseSSL:    b.UseSSL,
	}, true
}

// Redacted returns a copy safe to print.
func (c *Config) Redacted() *Config {
	r := *c
	if r.GitHubToken != "" {
		r.GitHubToken = "<redacted>"
	}
	if r.Bucket.SecretKey != "" {
		r.Bucket.SecretKey = "<redacted>"
	}
	return &r
}

// FindTools resolves the external commands the pipeline runs,
// reporting every one that is missing.
func (c *Config) FindTools() error {
	var errs []error
	for _, tool := range []*string{&c.Rustup, &c.Cargo} {
		p, err := exec.LookPath(*tool)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		*tool = p
	}
	return errors.Join(errs...)
}
