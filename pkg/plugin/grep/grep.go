package grep

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/fatih/semgroup"
	"github.com/gabriel-vasile/mimetype"
	regexp "github.com/wasilibs/go-re2"

	"github.com/leaktk/nps/pkg/config"
	"github.com/leaktk/nps/pkg/logger"
	"github.com/leaktk/nps/pkg/plugin"
	"github.com/leaktk/nps/pkg/response"
)

// Name the plugin registers under and reports findings as
const Name = "grep"

func init() {
	plugin.Register(Name, func(cfg *config.Config, ruleSets plugin.RuleSets, emitter plugin.Emitter) (plugin.Plugin, error) {
		return NewGrep(cfg.Plugins.Grep, ruleSets.For(Name), emitter), nil
	})
}

type cachedRegex struct {
	re  *regexp.Regexp
	err error
}

// Grep matches rule regexes against the lines of each target file
type Grep struct {
	cfg     config.Grep
	rules   []plugin.Rule
	emitter plugin.Emitter

	cacheMu sync.Mutex
	cache   map[string]cachedRegex
}

// NewGrep returns a Grep plugin for the given rules
func NewGrep(cfg config.Grep, rules []plugin.Rule, emitter plugin.Emitter) *Grep {
	return &Grep{
		cfg:     cfg,
		rules:   rules,
		emitter: emitter,
		cache:   make(map[string]cachedRegex),
	}
}

// Name of the plugin
func (g *Grep) Name() string {
	return Name
}

// Scan greps every target file, emitting the findings of each file once the
// file is done
func (g *Grep) Scan(ctx context.Context, target *plugin.ScanTarget) error {
	if len(g.rules) == 0 {
		logger.Debug("no grep rules loaded: package=%q", target.Name)
		return nil
	}

	workers := int64(max(g.cfg.FileWorkers, 1))
	group := semgroup.NewGroup(ctx, workers)

	for _, file := range target.TargetFiles {
		group.Go(func() error {
			return g.scanFile(ctx, target, file)
		})
	}

	return group.Wait()
}

func (g *Grep) scanFile(ctx context.Context, target *plugin.ScanTarget, file string) error {
	relPath := target.RelPath(file)

	if plugin.ExcludedPath(relPath, g.cfg.ExcludePathSegments) {
		logger.Debug("skipping excluded path: path=%q", relPath)
		return nil
	}

	rules := g.activeRules(relPath)
	if len(rules) == 0 {
		return nil
	}

	if g.cfg.SkipBinary && !isText(file) {
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
		if err := ctx.Err(); err != nil {
			return err
		}

		for _, rule := range rules {
			re, err := g.regex(rule.Regex)
			if err != nil {
				// Already logged when the pattern failed to compile
				continue
			}

			if !re.Match(line) {
				continue
			}

			findings = append(findings, &response.Finding{
				FoundBy:        Name,
				Key:            rule.ID,
				FancyName:      rule.FancyName,
				TarballName:    target.TarballPath,
				PackageName:    target.Name,
				PackageVersion: target.Version,
				FilePath:       relPath,
				FileExcerpt:    plugin.Excerpt(line, g.cfg.MaxExcerptLength),
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

// activeRules returns the rules that apply to relPath. The first rule whose
// restrictExtensions leaves out the file's extension disables every rule
// for the file. Rules whose excludeFilepaths match the file's directory are
// dropped individually.
func (g *Grep) activeRules(relPath string) []plugin.Rule {
	dir := path.Dir(relPath)
	ext := extension(relPath)

	var rules []plugin.Rule
	for _, rule := range g.rules {
		if len(rule.RestrictExtensions) > 0 && !slices.ContainsFunc(rule.RestrictExtensions, func(allowed string) bool {
			return strings.TrimPrefix(allowed, ".") == ext
		}) {
			return nil
		}

		if g.excludedByRule(rule, dir) {
			continue
		}

		rules = append(rules, rule)
	}

	return rules
}

func (g *Grep) excludedByRule(rule plugin.Rule, dir string) bool {
	for _, pattern := range rule.ExcludeFilepaths {
		re, err := g.regex(pattern)
		if err != nil {
			continue
		}

		if re.MatchString(dir) {
			return true
		}
	}

	return false
}

// regex compiles pattern once per process
func (g *Grep) regex(pattern string) (*regexp.Regexp, error) {
	g.cacheMu.Lock()
	defer g.cacheMu.Unlock()

	if cached, ok := g.cache[pattern]; ok {
		return cached.re, cached.err
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		err = response.Errorf(response.RuleMatchError, "could not compile pattern: pattern=%q error=%w", pattern, err)
		logger.Error("%v", err)
	}

	g.cache[pattern] = cachedRegex{re: re, err: err}
	return re, err
}

// extension is the text after the last dot of the base name, if any
func extension(relPath string) string {
	parts := strings.Split(path.Base(relPath), ".")
	if len(parts) < 2 {
		return ""
	}

	return parts[len(parts)-1]
}

func isText(file string) bool {
	mtype, err := mimetype.DetectFile(file)
	if err != nil {
		return false
	}

	for m := mtype; m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return true
		}
	}

	return false
}
