package plugin

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/leaktk/nps/pkg/config"
	"github.com/leaktk/nps/pkg/kind"
	"github.com/leaktk/nps/pkg/logger"
	"github.com/leaktk/nps/pkg/response"
)

// ScanTarget is one staged archive ready to be scanned
type ScanTarget struct {
	Name        string
	Version     string
	TarballPath string
	// Root is the staged directory the target files live under
	Root string
	// TargetFiles are absolute paths in lexical order
	TargetFiles []string
}

// Plugin scans targets and hands findings to an Emitter as it goes
type Plugin interface {
	Name() string
	Scan(ctx context.Context, target *ScanTarget) error
}

// Emitter accepts findings from plugins. Emit returns once the findings are
// durably queued.
type Emitter interface {
	Emit(ctx context.Context, findings []*response.Finding) error
}

// Factory builds a plugin from the process config, the full rule set
// mapping and the emitter it should report through
type Factory func(cfg *config.Config, ruleSets RuleSets, emitter Emitter) (Plugin, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a plugin available under name. It is meant to be called
// from the init function of the plugin package.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()

	key := kind.NormalizeKind(name)
	if _, exists := registry[key]; exists {
		panic(fmt.Sprintf("plugin registered twice: name=%q", name))
	}

	registry[key] = factory
}

// Registered lists the normalized names of every registered plugin
func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}

	sort.Strings(names)
	return names
}

func lookup(name string) (Factory, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	factory, ok := registry[kind.NormalizeKind(name)]
	return factory, ok
}

// LoadPlugins builds every plugin listed in the enabled config in order
func LoadPlugins(cfg *config.Config, ruleSets RuleSets, emitter Emitter) ([]Plugin, error) {
	plugins := make([]Plugin, 0, len(cfg.Plugins.Enabled))
	for _, name := range cfg.Plugins.Enabled {
		factory, ok := lookup(name)
		if !ok {
			return nil, response.Errorf(response.NotFound, "unknown plugin: name=%q registered=%q", name, Registered())
		}

		plugin, err := factory(cfg, ruleSets, emitter)
		if err != nil {
			return nil, fmt.Errorf("could not load plugin: name=%q error=%w", name, err)
		}

		logger.Info("loaded plugin: name=%q rules=%d", plugin.Name(), len(ruleSets.For(plugin.Name())))
		plugins = append(plugins, plugin)
	}

	return plugins, nil
}
