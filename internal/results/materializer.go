// Package results persists run outcomes to the host filesystem: a metadata
// file for every task and, when the guest produced code, an extracted
// artifact with an inferred file extension.
package results

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cinderlab/cinder/internal/channel"
	"github.com/cinderlab/cinder/internal/logging"
)

const maxFragmentLen = 50

// Materialized names the files written for one result.
type Materialized struct {
	MetadataPath string
	ArtifactPath string
}

// Materializer writes results under a fixed output directory.
type Materializer struct {
	logger    *slog.Logger
	outputDir string
}

// NewMaterializer returns a materializer rooted at outputDir.
func NewMaterializer(outputDir string, logger *slog.Logger) *Materializer {
	return &Materializer{
		logger:    logging.Ensure(logger).With("component", "results"),
		outputDir: outputDir,
	}
}

// Materialize writes the metadata file and, for completed results carrying
// code, the extracted artifact. Malformed code content is recorded as a
// warning on the metadata, never raised as an error.
func (m *Materializer) Materialize(res channel.Result) (Materialized, error) {
	if err := os.MkdirAll(m.outputDir, 0o755); err != nil {
		return Materialized{}, fmt.Errorf("create output directory: %w", err)
	}

	base := fmt.Sprintf("%s_%s", res.VMID, SanitizeFragment(res.TaskDescription))
	out := Materialized{}

	if res.Status == channel.StatusCompleted && res.GeneratedCode != "" {
		ext := InferExtension(res.Language, res.GeneratedCode)
		body := StripFences(res.GeneratedCode)
		if strings.TrimSpace(body) == "" {
			res.Warning = "generated_code contained no extractable body"
		} else {
			artifactPath := filepath.Join(m.outputDir, base+"."+ext)
			if err := os.WriteFile(artifactPath, []byte(body), 0o644); err != nil {
				return Materialized{}, fmt.Errorf("write artifact: %w", err)
			}
			out.ArtifactPath = artifactPath
			m.logger.Info("artifact written", "task_id", res.TaskID, "path", artifactPath, "extension", ext)
		}
	}

	metadataPath := filepath.Join(m.outputDir, base+".json")
	if err := writeJSONAtomic(metadataPath, res); err != nil {
		return Materialized{}, fmt.Errorf("write metadata: %w", err)
	}
	out.MetadataPath = metadataPath

	m.logger.Info("result materialized", "task_id", res.TaskID, "status", res.Status, "path", metadataPath)
	return out, nil
}

// SanitizeFragment turns a task description into a filename-safe fragment.
func SanitizeFragment(description string) string {
	var b strings.Builder
	for _, r := range description {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteByte('_')
		}
		if b.Len() >= maxFragmentLen {
			break
		}
	}
	fragment := strings.Trim(b.String(), "_")
	if fragment == "" {
		return "task"
	}
	return fragment
}

var extensionByLanguage = map[string]string{
	"python":     "py",
	"python3":    "py",
	"javascript": "js",
	"js":         "js",
	"typescript": "ts",
	"go":         "go",
	"golang":     "go",
	"bash":       "sh",
	"sh":         "sh",
	"shell":      "sh",
	"rust":       "rs",
	"ruby":       "rb",
	"c":          "c",
	"cpp":        "cpp",
	"java":       "java",
}

// InferExtension picks an artifact extension from the explicit language
// hint, else the code-fence tag, else first-line keyword sniffing, falling
// back to a generic text extension.
func InferExtension(hint, code string) string {
	if ext, ok := extensionByLanguage[strings.ToLower(strings.TrimSpace(hint))]; ok {
		return ext
	}

	for _, line := range strings.Split(code, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "```") {
			continue
		}
		tag := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(trimmed, "```")))
		if ext, ok := extensionByLanguage[tag]; ok {
			return ext
		}
	}

	return sniffExtension(StripFences(code))
}

func sniffExtension(body string) string {
	firstLine := ""
	for _, line := range strings.Split(body, "\n") {
		if strings.TrimSpace(line) != "" {
			firstLine = strings.TrimSpace(line)
			break
		}
	}

	switch {
	case strings.HasPrefix(firstLine, "#!"):
		if strings.Contains(firstLine, "python") {
			return "py"
		}
		return "sh"
	case strings.HasPrefix(firstLine, "package "):
		return "go"
	case strings.HasPrefix(firstLine, "def "), strings.HasPrefix(firstLine, "import "),
		strings.HasPrefix(firstLine, "from "), strings.HasPrefix(firstLine, "print("):
		return "py"
	case strings.HasPrefix(firstLine, "function "), strings.Contains(firstLine, "console.log"),
		strings.HasPrefix(firstLine, "const "), strings.HasPrefix(firstLine, "let "):
		return "js"
	default:
		return "txt"
	}
}

// StripFences removes markdown code-fence markup, returning only the fenced
// body. Code without fences passes through unchanged.
func StripFences(code string) string {
	if !strings.Contains(code, "```") {
		return code
	}

	var body []string
	inFence := false
	for _, line := range strings.Split(code, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			inFence = !inFence
			continue
		}
		if inFence {
			body = append(body, line)
		}
	}
	return strings.Join(body, "\n")
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

// Manifest records a VM run's identity and state in its results directory.
type Manifest struct {
	VMID      string    `json:"vm_id"`
	TaskID    string    `json:"task_id"`
	MemoryMB  int       `json:"memory_mb"`
	VCPUs     int       `json:"vcpus"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// WriteManifest persists the manifest for a run, overwriting atomically so
// observers never see a partial document.
func (m *Materializer) WriteManifest(manifest Manifest) error {
	dir := filepath.Join(m.outputDir, manifest.VMID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create manifest directory: %w", err)
	}
	manifest.UpdatedAt = time.Now().UTC()
	if manifest.CreatedAt.IsZero() {
		manifest.CreatedAt = manifest.UpdatedAt
	}
	if err := writeJSONAtomic(filepath.Join(dir, "manifest.json"), manifest); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}
