package runtime

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/synnergy-mu/cluster/internal/clusterid"
)

// AssemblyLoader resolves an assembly name (as a gateway target names it) to
// the compiled WASM bytes for that assembly; a function's BinaryRef is not
// consulted. Fetching and verifying binaries from the on-chain
// publication flow happens elsewhere; this is the narrow interface the
// runtime actually needs from whatever populated local storage with them.
type AssemblyLoader interface {
	LoadAssembly(ctx context.Context, stackID clusterid.StackID, assembly string) ([]byte, error)
}

// FileAssemblyLoader reads assemblies from <BaseDir>/<stack_id>/<assembly>,
// the on-disk layout a local deploy step (outside this package's scope)
// is expected to populate.
type FileAssemblyLoader struct {
	BaseDir string
}

func (f FileAssemblyLoader) LoadAssembly(_ context.Context, stackID clusterid.StackID, assembly string) ([]byte, error) {
	path := filepath.Join(f.BaseDir, stackID.String(), assembly)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("runtime: load assembly %s/%s: %w", stackID, assembly, err)
	}
	return data, nil
}
