// Package catalog discovers candidate agent definitions from a directory
// tree. Definitions are markdown files with a YAML frontmatter block; files
// missing an identifier or display name are not rejected here. The gaps are
// derived heuristically and flagged as warnings for the registry to record.
package catalog

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// Dependencies lists the resources an agent declares it needs at activation.
type Dependencies struct {
	Tasks      []string `yaml:"tasks" mapstructure:"tasks"`
	Templates  []string `yaml:"templates" mapstructure:"templates"`
	Checklists []string `yaml:"checklists" mapstructure:"checklists"`
}

// Empty reports whether no dependencies are declared.
func (d Dependencies) Empty() bool {
	return len(d.Tasks) == 0 && len(d.Templates) == 0 && len(d.Checklists) == 0
}

// RawAgentFile is one discovered candidate definition, before validation.
type RawAgentFile struct {
	Identifier      string
	DisplayName     string
	RoleGroup       string
	ExpansionPackID string
	Dependencies    Dependencies
	Path            string
	RawContent      []byte

	// Warnings records heuristic derivations (missing id or display name).
	Warnings []string
}

// Source yields raw agent definitions discovered from some backing store.
type Source interface {
	Discover(ctx context.Context) ([]RawAgentFile, error)
}

// frontmatter is the YAML block at the top of an agent definition file.
// Decoded weakly so hand-written files with loose typing still parse.
type frontmatter struct {
	ID           string       `mapstructure:"id"`
	Name         string       `mapstructure:"name"`
	RoleGroup    string       `mapstructure:"role_group"`
	Pack         string       `mapstructure:"pack"`
	Dependencies Dependencies `mapstructure:"dependencies"`
}

const (
	agentsDirName = "agents"
	packsDirName  = "expansion-packs"
)

// DirSource discovers agent definitions under a workspace root. Core agents
// live in <root>/agents/*.md; pack agents in
// <root>/expansion-packs/<pack>/agents/*.md.
type DirSource struct {
	root string
}

func NewDirSource(root string) *DirSource {
	return &DirSource{root: root}
}

// Discover walks the root and parses every markdown file that sits in an
// agents directory. Unparseable files are skipped with a warning; discovery
// never aborts on a single bad file.
func (s *DirSource) Discover(ctx context.Context) ([]RawAgentFile, error) {
	if s.root == "" {
		return nil, fmt.Errorf("catalog root is required")
	}
	if _, err := os.Stat(s.root); err != nil {
		return nil, fmt.Errorf("catalog root %s: %w", s.root, err)
	}

	var files []RawAgentFile
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".md") {
			return nil
		}
		if filepath.Base(filepath.Dir(path)) != agentsDirName {
			return nil
		}

		raw, perr := s.parseFile(path)
		if perr != nil {
			slog.Warn("Skipping unparseable agent definition", "path", path, "error", perr)
			return nil
		}
		files = append(files, raw)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk catalog root: %w", err)
	}

	slog.Debug("Catalog discovery complete", "root", s.root, "candidates", len(files))
	return files, nil
}

// parseFile reads one definition and fills gaps heuristically.
func (s *DirSource) parseFile(path string) (RawAgentFile, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return RawAgentFile{}, err
	}

	fm, err := parseFrontmatter(content)
	if err != nil {
		return RawAgentFile{}, err
	}

	raw := RawAgentFile{
		Identifier:      fm.ID,
		DisplayName:     fm.Name,
		RoleGroup:       fm.RoleGroup,
		ExpansionPackID: fm.Pack,
		Dependencies:    fm.Dependencies,
		Path:            path,
		RawContent:      content,
	}

	if raw.ExpansionPackID == "" {
		raw.ExpansionPackID = packIDFromPath(s.root, path)
	}

	if raw.Identifier == "" {
		raw.Identifier = slugFromFilename(path)
		raw.Warnings = append(raw.Warnings,
			fmt.Sprintf("identifier missing, derived '%s' from filename", raw.Identifier))
	}
	if raw.DisplayName == "" {
		if title := firstHeading(content); title != "" {
			raw.DisplayName = title
			raw.Warnings = append(raw.Warnings,
				fmt.Sprintf("display name missing, derived '%s' from heading", raw.DisplayName))
		} else {
			raw.DisplayName = titleFromSlug(raw.Identifier)
			raw.Warnings = append(raw.Warnings,
				fmt.Sprintf("display name missing, derived '%s' from identifier", raw.DisplayName))
		}
	}

	return raw, nil
}

// parseFrontmatter extracts the YAML block between the leading "---" fences.
// A file without frontmatter yields a zero frontmatter, not an error.
func parseFrontmatter(content []byte) (frontmatter, error) {
	var fm frontmatter

	text := string(content)
	if !strings.HasPrefix(text, "---\n") && !strings.HasPrefix(text, "---\r\n") {
		return fm, nil
	}

	rest := text[strings.Index(text, "\n")+1:]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return fm, fmt.Errorf("unterminated frontmatter block")
	}

	var doc map[string]any
	if err := yaml.Unmarshal([]byte(rest[:end]), &doc); err != nil {
		return fm, fmt.Errorf("invalid frontmatter: %w", err)
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &fm,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fm, err
	}
	if err := decoder.Decode(doc); err != nil {
		return fm, fmt.Errorf("invalid frontmatter fields: %w", err)
	}
	return fm, nil
}

// packIDFromPath detects expansion-packs/<id>/agents/<file>.md layouts.
func packIDFromPath(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return ""
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) >= 3 && parts[0] == packsDirName && parts[len(parts)-2] == agentsDirName {
		return parts[1]
	}
	return ""
}

func slugFromFilename(path string) string {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	slug := strings.ToLower(base)
	slug = strings.ReplaceAll(slug, " ", "-")
	slug = strings.ReplaceAll(slug, "_", "-")
	return slug
}

func titleFromSlug(slug string) string {
	words := strings.Split(slug, "-")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// firstHeading returns the text of the first markdown H1, if any.
func firstHeading(content []byte) string {
	scanner := bufio.NewScanner(strings.NewReader(string(content)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "# ") {
			return strings.TrimSpace(strings.TrimPrefix(line, "# "))
		}
	}
	return ""
}
