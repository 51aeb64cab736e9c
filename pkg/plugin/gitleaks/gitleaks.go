package gitleaks

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/gabriel-vasile/mimetype"
	gitleaksconfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"

	"github.com/leaktk/nps/pkg/config"
	"github.com/leaktk/nps/pkg/logger"
	"github.com/leaktk/nps/pkg/plugin"
	"github.com/leaktk/nps/pkg/response"
)

// Name the plugin registers under and reports findings as
const Name = "gitleaks"

func init() {
	plugin.Register(Name, func(cfg *config.Config, _ plugin.RuleSets, emitter plugin.Emitter) (plugin.Plugin, error) {
		return NewGitleaks(cfg.Plugins.Gitleaks, cfg.Plugins.Grep.MaxExcerptLength, cfg.Plugins.Grep.ExcludePathSegments, emitter)
	})
}

// Gitleaks runs the gitleaks detector over each line of the target files
type Gitleaks struct {
	cfg                 config.Gitleaks
	gitleaksConfig      gitleaksconfig.Config
	maxExcerptLength    int
	excludePathSegments []string
	emitter             plugin.Emitter
}

// NewGitleaks loads the gitleaks config at cfg.ConfigPath or the gitleaks
// default config when no path is set. Files under any of
// excludePathSegments are not scanned, the same as grep.
func NewGitleaks(cfg config.Gitleaks, maxExcerptLength int, excludePathSegments []string, emitter plugin.Emitter) (*Gitleaks, error) {
	var gitleaksConfig *gitleaksconfig.Config
	var err error

	if len(cfg.ConfigPath) > 0 {
		gitleaksConfig, err = LoadGitleaksConfig(cfg.ConfigPath)
	} else {
		gitleaksConfig, err = defaultGitleaksConfig()
	}

	if err != nil {
		return nil, err
	}

	return &Gitleaks{
		cfg:                 cfg,
		gitleaksConfig:      *gitleaksConfig,
		maxExcerptLength:    maxExcerptLength,
		excludePathSegments: excludePathSegments,
		emitter:             emitter,
	}, nil
}

// LoadGitleaksConfig reads a gitleaks TOML config file
func LoadGitleaksConfig(path string) (*gitleaksconfig.Config, error) {
	rawConfig, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("could not read gitleaks config: path=%q error=%w", path, err)
	}

	return ParseGitleaksConfig(string(rawConfig))
}

// ParseGitleaksConfig takes a gitleaks config string and returns a config object
func ParseGitleaksConfig(rawConfig string) (*gitleaksconfig.Config, error) {
	var vc gitleaksconfig.ViperConfig

	if _, err := toml.Decode(rawConfig, &vc); err != nil {
		return nil, response.Errorf(response.RuleParseError, "could not decode gitleaks config: %w", err)
	}

	cfg, err := vc.Translate()
	if err != nil {
		return nil, response.Errorf(response.RuleParseError, "could not translate gitleaks config: %w", err)
	}

	if len(cfg.Rules) == 0 {
		return nil, response.Errorf(response.RuleParseError, "no rules found in gitleaks config")
	}

	return &cfg, nil
}

func defaultGitleaksConfig() (*gitleaksconfig.Config, error) {
	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("could not load the default gitleaks config: %w", err)
	}

	return &detector.Config, nil
}

// Name of the plugin
func (g *Gitleaks) Name() string {
	return Name
}

// newDetector builds a detector per scan since detectors keep every finding
// they have ever reported
func (g *Gitleaks) newDetector() *detect.Detector {
	detector := detect.NewDetector(g.gitleaksConfig)
	detector.FollowSymlinks = false
	detector.IgnoreGitleaksAllow = false
	detector.MaxTargetMegaBytes = 0
	detector.NoColor = true
	detector.Redact = 0
	detector.Verbose = false

	return detector
}

// Scan runs the detector over every text file of the target
func (g *Gitleaks) Scan(ctx context.Context, target *plugin.ScanTarget) error {
	detector := g.newDetector()

	for _, file := range target.TargetFiles {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := g.scanFile(ctx, detector, target, file); err != nil {
			return err
		}
	}

	return nil
}

func (g *Gitleaks) scanFile(ctx context.Context, detector *detect.Detector, target *plugin.ScanTarget, file string) error {
	relPath := target.RelPath(file)

	if plugin.ExcludedPath(relPath, g.excludePathSegments) {
		logger.Debug("skipping excluded path: path=%q", relPath)
		return nil
	}

	if mtype, err := mimetype.DetectFile(file); err == nil && !isText(mtype) {
		logger.Debug("skipping binary file: path=%q", relPath)
		return nil
	}

	f, err := os.Open(filepath.Clean(file))
	if err != nil {
		return fmt.Errorf("could not open target file: path=%q error=%w", relPath, err)
	}
	defer f.Close()

	var findings []*response.Finding
	// lineNumber also counts the over-long lines ScanLines skips
	err = plugin.ScanLines(f, g.cfg.MaxLineLength, func(lineNumber int, line []byte) error {
		for _, finding := range detector.DetectBytes(line) {
			findings = append(findings, &response.Finding{
				FoundBy:        Name,
				Key:            finding.RuleID,
				FancyName:      finding.Description,
				TarballName:    target.TarballPath,
				PackageName:    target.Name,
				PackageVersion: target.Version,
				FilePath:       relPath,
				FileExcerpt:    plugin.Excerpt(line, g.maxExcerptLength),
				LineNumber:     lineNumber,
			})
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("could not read target file: path=%q error=%w", relPath, err)
	}

	if len(findings) == 0 {
		return nil
	}

	logger.Debug("emitting findings: path=%q count=%d", relPath, len(findings))
	return g.emitter.Emit(ctx, findings)
}

func isText(mtype *mimetype.MIME) bool {
	for m := mtype; m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return true
		}
	}

	return false
}
