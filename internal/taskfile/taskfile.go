// Package taskfile parses Markdown task definitions: the first H1 is
// the title, an optional fenced yaml block carries settings, and the
// remaining body is the prompt handed to the backend.
package taskfile

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
	"gopkg.in/yaml.v3"

	"github.com/harrison/reprise/internal/models"
)

// Settings is the fenced yaml block of a taskfile. Every field is
// optional; zero values defer to configuration defaults.
type Settings struct {
	Backend         string            `yaml:"backend"`
	MaxIterations   int               `yaml:"max_iterations"`
	RequireApproval bool              `yaml:"require_approval"`
	ApprovalTier    string            `yaml:"approval_tier"`
	WorkDir         string            `yaml:"work_dir"`
	PlanFile        string            `yaml:"plan_file"`
	Context         map[string]string `yaml:"context"`
}

// Definition is one parsed taskfile.
type Definition struct {
	Path     string
	Title    string
	Prompt   string
	Settings Settings
}

// Parser parses taskfiles. Safe for reuse across files.
type Parser struct {
	markdown goldmark.Markdown
}

func NewParser() *Parser {
	return &Parser{
		markdown: goldmark.New(),
	}
}

// ParseFile reads and parses a single taskfile.
func (p *Parser) ParseFile(path string) (*Definition, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read taskfile %s: %w", path, err)
	}
	return p.parse(content, path)
}

// Parse parses taskfile content from a reader. The path is used in
// error messages only.
func (p *Parser) Parse(r io.Reader, path string) (*Definition, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read taskfile %s: %w", path, err)
	}
	return p.parse(content, path)
}

func (p *Parser) parse(content []byte, path string) (*Definition, error) {
	def := &Definition{Path: path}

	doc := p.markdown.Parser().Parse(text.NewReader(content))

	// Walk the AST for the title and the settings block. The prompt is
	// reassembled from the raw lines afterwards, which keeps fenced
	// code in the body intact.
	var settingsSource []byte
	err := ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}

		if heading, ok := n.(*ast.Heading); ok && heading.Level == 1 && def.Title == "" {
			def.Title = strings.TrimSpace(extractText(heading, content))
			return ast.WalkSkipChildren, nil
		}

		if block, ok := n.(*ast.FencedCodeBlock); ok && settingsSource == nil {
			if string(block.Language(content)) != "yaml" {
				return ast.WalkContinue, nil
			}
			var buf bytes.Buffer
			for i := 0; i < block.Lines().Len(); i++ {
				segment := block.Lines().At(i)
				buf.Write(segment.Value(content))
			}
			settingsSource = buf.Bytes()
			return ast.WalkSkipChildren, nil
		}

		return ast.WalkContinue, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse taskfile %s: %w", path, err)
	}

	if settingsSource != nil {
		if err := yaml.Unmarshal(settingsSource, &def.Settings); err != nil {
			return nil, fmt.Errorf("taskfile %s: invalid settings block: %w", path, err)
		}
	}

	def.Prompt = extractPrompt(content)

	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}

// extractPrompt rebuilds the prompt from the raw lines, dropping the
// first H1 and the first yaml settings block. Line scanning with fence
// tracking is more reliable here than AST segment arithmetic, since
// goldmark does not expose the fence marker positions.
func extractPrompt(content []byte) string {
	lines := strings.Split(string(content), "\n")
	var body strings.Builder

	titleSeen := false
	settingsSeen := false
	inCodeBlock := false
	inSettings := false

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, "```") {
			if inSettings {
				// Closing fence of the settings block.
				inSettings = false
				continue
			}
			if !inCodeBlock && !settingsSeen && trimmed == "```yaml" {
				inSettings = true
				settingsSeen = true
				continue
			}
			inCodeBlock = !inCodeBlock
			body.WriteString(line)
			body.WriteString("\n")
			continue
		}

		if inSettings {
			continue
		}

		if !inCodeBlock && !titleSeen && strings.HasPrefix(line, "# ") {
			titleSeen = true
			continue
		}

		body.WriteString(line)
		body.WriteString("\n")
	}

	return strings.TrimSpace(body.String())
}

// extractText extracts plain text from an AST node.
func extractText(n ast.Node, source []byte) string {
	var buf bytes.Buffer
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		if t, ok := c.(*ast.Text); ok {
			buf.Write(t.Segment.Value(source))
		}
	}
	return buf.String()
}

// Validate checks the parsed definition. Errors name the file so a
// batch submission points at the offender.
func (d *Definition) Validate() error {
	if d.Title == "" {
		return fmt.Errorf("taskfile %s: missing title (the first H1 heading)", d.Path)
	}
	if d.Prompt == "" {
		return fmt.Errorf("taskfile %s: missing prompt text", d.Path)
	}
	if d.Settings.MaxIterations < 0 {
		return fmt.Errorf("taskfile %s: max_iterations must be >= 0, got %d", d.Path, d.Settings.MaxIterations)
	}
	if tier := d.Settings.ApprovalTier; tier != "" && !models.ApprovalTier(tier).Valid() {
		return fmt.Errorf("taskfile %s: invalid approval_tier %q", d.Path, tier)
	}
	return nil
}

// Spec converts the definition into a submittable task spec. Settings
// keys for the work directory and plan file take precedence over
// entries in the free-form context map.
func (d *Definition) Spec() models.TaskSpec {
	context := make(map[string]string, len(d.Settings.Context)+2)
	for key, value := range d.Settings.Context {
		context[key] = value
	}
	if d.Settings.WorkDir != "" {
		context[models.ContextWorkDir] = d.Settings.WorkDir
	}
	if d.Settings.PlanFile != "" {
		context[models.ContextPlanFile] = d.Settings.PlanFile
	}
	if len(context) == 0 {
		context = nil
	}

	return models.TaskSpec{
		Prompt:          d.Prompt,
		Backend:         d.Settings.Backend,
		MaxIterations:   d.Settings.MaxIterations,
		RequireApproval: d.Settings.RequireApproval,
		ApprovalTier:    models.ApprovalTier(d.Settings.ApprovalTier),
		Context:         context,
	}
}

// Discover expands file and directory arguments into taskfile paths.
// Directories contribute their *.md files, non-recursively and sorted;
// explicit file arguments pass through as-is.
func Discover(args []string) ([]string, error) {
	var paths []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, fmt.Errorf("taskfile argument %s: %w", arg, err)
		}

		if !info.IsDir() {
			paths = append(paths, arg)
			continue
		}

		entries, err := os.ReadDir(arg)
		if err != nil {
			return nil, fmt.Errorf("read taskfile directory %s: %w", arg, err)
		}
		found := 0
		for _, entry := range entries {
			if entry.IsDir() || filepath.Ext(entry.Name()) != ".md" {
				continue
			}
			paths = append(paths, filepath.Join(arg, entry.Name()))
			found++
		}
		if found == 0 {
			return nil, fmt.Errorf("no taskfiles (*.md) found in %s", arg)
		}
	}
	return paths, nil
}
