package source

import (
	"context"
	"crypto/md5"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kamusis/pkgidx/internal/catalog"
)

// TypeDir is a directory tree of manifest files.
const TypeDir = "dir"

// PackageDoc is the markdown manifest form: YAML frontmatter holding the
// manifest, with the body used as the description when none is given.
const PackageDoc = "PACKAGE.md"

type dirSource struct {
	*Base
}

func newDirSource(d Descriptor) (Source, error) {
	if d.Arg == "" {
		return nil, fmt.Errorf("source %s: directory is required", d.Name)
	}
	return &dirSource{Base: NewBase(d)}, nil
}

func (s *dirSource) Fetch(ctx context.Context, dst string) error {
	ms, err := LoadManifests(ctx, s.desc.Arg, s.desc.Exclude)
	if err != nil {
		return err
	}
	return buildStore(ctx, dst, ms)
}

// Fingerprint hashes the names and contents of every manifest file.
func (s *dirSource) Fingerprint(ctx context.Context) (string, error) {
	h := md5.New()
	err := walkManifestFiles(ctx, s.desc.Arg, s.desc.Exclude, func(path, rel string) error {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, _ = io.WriteString(h, filepath.ToSlash(rel)+"\x00")
		_, err = io.Copy(h, f)
		return err
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

func isManifestFile(name string) bool {
	if name == PackageDoc {
		return true
	}
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

// walkManifestFiles calls fn for each manifest file under root in lexical
// order, skipping paths that match an exclude pattern.
func walkManifestFiles(ctx context.Context, root string, excludes []string, fn func(path, rel string) error) error {
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("cannot stat source directory %s: %w", root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("source path is not a directory: %s", root)
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if matchesExclude(rel, excludes) || strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !isManifestFile(d.Name()) {
			return nil
		}
		return fn(path, rel)
	})
}

// LoadManifests reads every manifest under root, ordered by ID. Duplicate IDs
// and invalid manifests fail the whole load.
func LoadManifests(ctx context.Context, root string, excludes []string) ([]catalog.Manifest, error) {
	var out []catalog.Manifest
	origin := map[string]string{}
	err := walkManifestFiles(ctx, root, excludes, func(path, rel string) error {
		b, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("cannot read %s: %w", path, err)
		}
		m, err := parseManifest(filepath.Base(path), b)
		if err != nil {
			return fmt.Errorf("%s: %w", rel, err)
		}
		if prev, ok := origin[m.ID]; ok {
			return fmt.Errorf("duplicate manifest id %s in %s and %s", m.ID, prev, rel)
		}
		origin[m.ID] = rel
		out = append(out, m)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cannot load manifests: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func parseManifest(name string, b []byte) (catalog.Manifest, error) {
	var m catalog.Manifest
	if name == PackageDoc {
		fm, body, ok := splitFrontmatter(string(b))
		if !ok {
			return m, fmt.Errorf("missing frontmatter")
		}
		if err := yaml.Unmarshal([]byte(fm), &m); err != nil {
			return m, fmt.Errorf("invalid YAML frontmatter: %w", err)
		}
		if latest := m.Latest(); latest != nil && latest.Details.Description == "" {
			latest.Details.Description = inferDescriptionFromBody(body)
		}
	} else if err := yaml.Unmarshal(b, &m); err != nil {
		return m, fmt.Errorf("invalid YAML: %w", err)
	}
	if err := m.Validate(); err != nil {
		return m, err
	}
	m.Normalize()
	return m, nil
}

// splitFrontmatter separates a leading "---" delimited YAML block from the
// markdown body.
func splitFrontmatter(content string) (string, string, bool) {
	s := strings.TrimPrefix(content, "\ufeff")
	if !strings.HasPrefix(s, "---") {
		return "", content, false
	}
	parts := strings.SplitN(s, "---", 3)
	if len(parts) < 3 {
		return "", content, false
	}
	return strings.TrimSpace(parts[1]), strings.TrimPrefix(parts[2], "\n"), true
}

func inferDescriptionFromBody(body string) string {
	for _, ln := range strings.Split(body, "\n") {
		ln = strings.TrimSpace(ln)
		if ln == "" || strings.HasPrefix(ln, "#") {
			continue
		}
		return ln
	}
	return ""
}

// matchesExclude reports whether relPath matches any of the given glob patterns.
func matchesExclude(relPath string, patterns []string) bool {
	name := filepath.Base(relPath)
	for _, pattern := range patterns {
		// Match against the full relative path AND just the basename.
		if matched, _ := filepath.Match(pattern, name); matched {
			return true
		}
		if matched, _ := filepath.Match(pattern, filepath.ToSlash(relPath)); matched {
			return true
		}
	}
	return false
}
