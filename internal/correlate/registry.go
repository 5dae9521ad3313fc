package correlate

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kamusis/pkgidx/internal/platform"
)

// Registry lists the programs installed on the host.
type Registry interface {
	Programs(ctx context.Context) ([]platform.Program, error)
}

// FileRegistry reads an installed-programs inventory from a YAML file:
//
//	programs:
//	  - name: Git
//	    publisher: The Git Development Community
//	    version: 2.43.0
type FileRegistry struct {
	Path string
}

type inventory struct {
	Programs []platform.Program `yaml:"programs"`
}

// Programs returns the inventory entries with a name, in file order.
func (r FileRegistry) Programs(ctx context.Context) ([]platform.Program, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(r.Path)
	if err != nil {
		return nil, fmt.Errorf("cannot read inventory %s: %w", r.Path, err)
	}
	var inv inventory
	if err := yaml.Unmarshal(data, &inv); err != nil {
		return nil, fmt.Errorf("invalid YAML in %s: %w", r.Path, err)
	}
	out := inv.Programs[:0]
	for _, p := range inv.Programs {
		if strings.TrimSpace(p.Name) == "" {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// StaticRegistry is a fixed program list.
type StaticRegistry []platform.Program

func (r StaticRegistry) Programs(context.Context) ([]platform.Program, error) {
	return append([]platform.Program(nil), r...), nil
}
