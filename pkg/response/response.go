package response

import (
	"encoding/json"

	"github.com/leaktk/nps/pkg/logger"
)

type (
	// Finding is a single match reported by a plugin. The field names on the
	// wire are shared by the findings queue, the store and the admin API.
	Finding struct {
		ID             string `json:"id,omitempty" yaml:"id" toml:"id"`
		FoundBy        string `json:"foundBy" yaml:"foundBy" toml:"foundBy"`
		Key            string `json:"key" yaml:"key" toml:"key"`
		FancyName      string `json:"fancyName" yaml:"fancyName" toml:"fancyName"`
		TarballName    string `json:"tarballName" yaml:"tarballName" toml:"tarballName"`
		PackageName    string `json:"packageName" yaml:"packageName" toml:"packageName"`
		PackageVersion string `json:"packageVersion" yaml:"packageVersion" toml:"packageVersion"`
		FilePath       string `json:"filePath" yaml:"filePath" toml:"filePath"`
		FileExcerpt    string `json:"fileExcerpt,omitempty" yaml:"fileExcerpt,omitempty" toml:"fileExcerpt,omitempty"`
		LineNumber     int    `json:"lineNumber,omitempty" yaml:"lineNumber,omitempty" toml:"lineNumber,omitempty"`
		// Ignore and FalsePositive are moderation flags. Only the admin API
		// writes them.
		Ignore        bool `json:"ignore" yaml:"ignore" toml:"ignore"`
		FalsePositive bool `json:"falsePositive" yaml:"falsePositive" toml:"falsePositive"`
	}

	// FindingList wraps a set of findings so formats that need a top level
	// table (TOML) can render it
	FindingList struct {
		Findings []*Finding `json:"findings" yaml:"findings" toml:"findings"`
	}
)

// String renders a finding to the JSON format
func (f *Finding) String() string {
	out, err := json.Marshal(f)
	if err != nil {
		logger.Error("could not marshal finding: error=%q", err)
	}

	return string(out)
}
