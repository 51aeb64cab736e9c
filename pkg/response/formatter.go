package response

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/leaktk/nps/pkg/logger"
)

// OutputFormat is the code(int) for each format
type OutputFormat int

const (
	// JSON displays the output in JSON format
	JSON OutputFormat = iota
	// HUMAN displays the outut in a way that's nice for humans to read
	HUMAN
	// TOML displays the output in TOML format
	TOML
	// YAML displays the output in YAML format
	YAML
	// CSV displays the output in CSV format
	CSV
)

// Formatter renders findings for the findings command
type Formatter struct {
	format   OutputFormat
	truncate int
}

// NewFormatter creates new formatter. Excerpts longer than truncate are cut
// in the HUMAN format when truncate is positive.
func NewFormatter(format string, truncate int) (*Formatter, error) {
	outputFormat, err := GetOutputFormat(format)
	if err != nil {
		return nil, err
	}

	return &Formatter{format: outputFormat, truncate: truncate}, nil
}

// GetOutputFormat takes the string and returns OutputFormat or an error
func GetOutputFormat(format string) (OutputFormat, error) {
	format = strings.ToUpper(format)
	switch format {
	case "JSON":
		return JSON, nil
	case "HUMAN":
		return HUMAN, nil
	case "TOML":
		return TOML, nil
	case "YAML":
		return YAML, nil
	case "CSV":
		return CSV, nil
	default:
		return JSON, fmt.Errorf("invalid output format option: format=%q", format)
	}
}

// Format renders findings to the set format as a string
func (f *Formatter) Format(findings []*Finding) string {
	var output string
	switch f.format {
	case JSON:
		output = f.formatJson(findings)
	case HUMAN:
		output = f.formatHuman(findings)
	case TOML:
		output = f.formatToml(findings)
	case YAML:
		output = f.formatYaml(findings)
	case CSV:
		output = f.formatCsv(findings)
	}
	return output
}

func (f *Formatter) formatJson(findings []*Finding) string {
	if findings == nil {
		findings = []*Finding{}
	}

	out, err := json.Marshal(findings)
	if err != nil {
		logger.Error("could not marshal findings: error=%q", err)
	}
	return string(out)
}

func (f *Formatter) formatHuman(findings []*Finding) string {
	var out strings.Builder
	headers := flattenedFindingFields()
	for _, finding := range flattenedFindings(findings) {
		for i, entry := range finding {
			if headers[i] == "FILE_EXCERPT" && f.truncate > 0 && len(entry) > f.truncate {
				_, _ = fmt.Fprintf(&out, "%-16s: %s...\n", headers[i], entry[:f.truncate])
			} else {
				_, _ = fmt.Fprintf(&out, "%-16s: %s\n", headers[i], entry)
			}
		}
		out.WriteRune('\n')
	}
	return out.String()
}

func (f *Formatter) formatToml(findings []*Finding) string {
	var buf bytes.Buffer

	if err := toml.NewEncoder(&buf).Encode(FindingList{Findings: findings}); err != nil {
		logger.Error("could not marshal findings: error=%q", err)
	}
	return buf.String()
}

func (f *Formatter) formatYaml(findings []*Finding) string {
	out, err := yaml.Marshal(FindingList{Findings: findings})
	if err != nil {
		logger.Error("could not marshal findings: error=%q", err)
	}
	return string(out)
}

func (f *Formatter) formatCsv(findings []*Finding) string {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)

	if err := writer.Write(flattenedFindingFields()); err != nil {
		logger.Error("could not write findings: error=%q", err)
	}

	if err := writer.WriteAll(flattenedFindings(findings)); err != nil {
		logger.Error("could not write findings: error=%q", err)
	}

	return buf.String()
}

// flattenedFindingFields provides a list containing the field labels for a flattened finding
func flattenedFindingFields() []string {
	return []string{"ID", "FOUND_BY", "KEY", "FANCY_NAME", "TARBALL_NAME", "PACKAGE_NAME",
		"PACKAGE_VERSION", "FILE_PATH", "LINE_NUMBER", "FILE_EXCERPT", "IGNORE", "FALSE_POSITIVE"}
}

// flattenedFindings converts findings into rows matching flattenedFindingFields
func flattenedFindings(findings []*Finding) [][]string {
	flattened := make([][]string, 0, len(findings))
	for _, f := range findings {
		flattened = append(flattened, []string{
			f.ID,
			f.FoundBy,
			f.Key,
			f.FancyName,
			f.TarballName,
			f.PackageName,
			f.PackageVersion,
			f.FilePath,
			strconv.Itoa(f.LineNumber),
			strings.ReplaceAll(f.FileExcerpt, "\n", " "),
			strconv.FormatBool(f.Ignore),
			strconv.FormatBool(f.FalsePositive),
		})
	}

	return flattened
}
