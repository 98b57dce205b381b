// Package resource resolves the task, template and checklist dependencies an
// agent declares. Unresolved dependencies are reported, never fatal:
// activation proceeds in a degraded mode with the gaps attached to the
// session handle.
package resource

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/troupe-dev/troupe/pkg/agent"
)

// Resolved is one dependency that was located on disk.
type Resolved struct {
	Ref  agent.DependencyRef
	Path string
}

// Resolution splits a descriptor's dependencies into found and missing.
type Resolution struct {
	Resolved []Resolved
	Missing  []agent.DependencyRef
}

// MissingNames renders the missing refs as "kind/name" strings for the
// degraded-capabilities list on a session handle.
func (r *Resolution) MissingNames() []string {
	names := make([]string, 0, len(r.Missing))
	for _, ref := range r.Missing {
		names = append(names, fmt.Sprintf("%s/%s", ref.Kind, ref.Name))
	}
	return names
}

// Loader resolves an agent's declared dependencies.
type Loader interface {
	Load(ctx context.Context, desc *agent.Descriptor) (*Resolution, error)
}

// DirLoader resolves dependencies against the workspace tree. Core resources
// live in <root>/<kind-dir>/; pack agents also search
// <root>/expansion-packs/<pack>/<kind-dir>/, pack first.
type DirLoader struct {
	root string
}

func NewDirLoader(root string) *DirLoader {
	return &DirLoader{root: root}
}

var kindDirs = map[agent.DependencyKind]string{
	agent.DependencyTask:      "tasks",
	agent.DependencyTemplate:  "templates",
	agent.DependencyChecklist: "checklists",
}

// Load checks each declared dependency concurrently. Lookup failures count as
// missing; only context cancellation aborts the load.
func (l *DirLoader) Load(ctx context.Context, desc *agent.Descriptor) (*Resolution, error) {
	res := &Resolution{}
	if len(desc.Dependencies) == 0 {
		return res, nil
	}

	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)

	for _, ref := range desc.Dependencies {
		g.Go(func() error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			path, ok := l.locate(ref, desc.ExpansionPackID)
			mu.Lock()
			defer mu.Unlock()
			if ok {
				res.Resolved = append(res.Resolved, Resolved{Ref: ref, Path: path})
			} else {
				res.Missing = append(res.Missing, ref)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return res, nil
}

// locate returns the first existing candidate path for the ref.
func (l *DirLoader) locate(ref agent.DependencyRef, packID string) (string, bool) {
	dir, ok := kindDirs[ref.Kind]
	if !ok {
		return "", false
	}

	name := ref.Name
	if !strings.Contains(name, ".") {
		name += ".md"
	}

	var candidates []string
	if packID != "" {
		candidates = append(candidates, filepath.Join(l.root, "expansion-packs", packID, dir, name))
	}
	candidates = append(candidates, filepath.Join(l.root, dir, name))

	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return c, true
		}
	}
	return "", false
}
