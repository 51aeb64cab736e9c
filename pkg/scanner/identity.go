package scanner

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	regexp "github.com/wasilibs/go-re2"

	"github.com/leaktk/nps/pkg/logger"
)

const manifestName = "package.json"

// The version is anchored to semver so prerelease suffixes such as
// 1.0.1-0 stay with the version
var tarballNamePattern = regexp.MustCompile(`^(?P<name>[\w.-]+?)-(?P<version>\d+\.\d+\.\d+(?:[-+][\w.+-]*)?)\.tgz$`)

type manifest struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ResolveIdentity works out the package name and version of a staged
// archive. The shallowest package.json wins. When it is missing or
// incomplete the archive file name is parsed instead. The result is best
// effort and either value may come back empty.
func ResolveIdentity(root string, files []string, archivePath string) (name, version string) {
	if m, ok := readManifest(root, files); ok {
		if len(m.Name) > 0 && len(m.Version) > 0 {
			return m.Name, m.Version
		}
		name, version = m.Name, m.Version
	}

	if fileName, fileVersion, ok := ParseTarballName(filepath.Base(archivePath)); ok {
		return fileName, fileVersion
	}

	logger.Warning("could not resolve package identity: path=%q name=%q version=%q", archivePath, name, version)
	return name, version
}

// ParseTarballName splits a <name>-<version>.tgz file name
func ParseTarballName(base string) (name, version string, ok bool) {
	match := tarballNamePattern.FindStringSubmatch(base)
	if match == nil {
		return "", "", false
	}

	return match[1], match[2], true
}

func readManifest(root string, files []string) (manifest, bool) {
	var m manifest

	path := shallowestManifest(root, files)
	if len(path) == 0 {
		return m, false
	}

	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		logger.Warning("could not read manifest: path=%q error=%q", path, err)
		return m, false
	}

	if err := json.Unmarshal(data, &m); err != nil {
		logger.Warning("could not parse manifest: path=%q error=%q", path, err)
		return m, false
	}

	return m, true
}

// shallowestManifest picks the package.json closest to root. Ties go to the
// first path in lexical order.
func shallowestManifest(root string, files []string) string {
	best, bestDepth := "", -1

	for _, file := range files {
		if filepath.Base(file) != manifestName {
			continue
		}

		rel, err := filepath.Rel(root, file)
		if err != nil {
			continue
		}

		depth := strings.Count(filepath.ToSlash(rel), "/")
		if bestDepth < 0 || depth < bestDepth {
			best, bestDepth = file, depth
		}
	}

	return best
}
