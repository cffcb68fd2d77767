package hotreload

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/agentsh/loadguard/internal/config"
)

// PolicySetter receives reloaded blacklists. *guard.Guard implements it.
type PolicySetter interface {
	SetPolicy(names []string) (int, error)
}

// ConfigReloader reloads a config file and its list files and pushes the
// resulting blacklist to a PolicySetter. It implements PolicyLoader and
// FileLister.
type ConfigReloader struct {
	path    string
	target  PolicySetter
	logger  *slog.Logger
	match   string
	current *Reloadable[config.Config]
}

// NewConfigReloader returns a reloader for the config at cfg.Path().
func NewConfigReloader(cfg *config.Config, target PolicySetter, logger *slog.Logger) (*ConfigReloader, error) {
	if cfg.Path() == "" {
		return nil, fmt.Errorf("config has no file to reload from")
	}
	if target == nil {
		return nil, fmt.Errorf("policy target is required")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &ConfigReloader{
		path:    cfg.Path(),
		target:  target,
		logger:  logger,
		match:   cfg.Match,
		current: NewReloadable(cfg),
	}, nil
}

func (r *ConfigReloader) load() (*config.Config, []string, error) {
	cfg, err := config.Load(r.path)
	if err != nil {
		return nil, nil, err
	}
	names, err := cfg.Policy()
	if err != nil {
		return nil, nil, err
	}
	return cfg, names, nil
}

// Validate checks that the config and every list file it names parse.
func (r *ConfigReloader) Validate(string) error {
	_, _, err := r.load()
	return err
}

// LoadFromPath reloads the config and replaces the blacklist.
func (r *ConfigReloader) LoadFromPath(changed string) error {
	cfg, names, err := r.load()
	if err != nil {
		return err
	}
	if cfg.Match != r.match {
		r.logger.Warn("match mode change requires a restart", "active", r.match, "configured", cfg.Match)
	}
	n, err := r.target.SetPolicy(names)
	if err != nil {
		return fmt.Errorf("apply policy: %w", err)
	}
	r.current.Swap(cfg)
	r.logger.Info("blacklist reloaded", "trigger", changed, "names", n, "version", r.current.Version())
	return nil
}

// Files returns the config file and its list files.
func (r *ConfigReloader) Files() []string {
	cfg := r.current.Get()
	return append([]string{r.path}, cfg.ListFiles()...)
}

// Config returns the most recently applied config.
func (r *ConfigReloader) Config() *config.Config {
	return r.current.Get()
}
