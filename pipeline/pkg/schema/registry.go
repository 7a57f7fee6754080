package schema

import (
	"log/slog"
	"slices"
	"sync"

	"github.com/malbeclabs/medallion/pipeline/pkg/errs"
)

// Registry holds the validated schema definition of every dataset. It is
// read-mostly: definitions are registered during setup and only looked up
// while stages run.
type Registry struct {
	log *slog.Logger

	mu   sync.RWMutex
	defs map[string]entry
}

type entry struct {
	def     *Definition
	version string
}

func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Registry{
		log:  log,
		defs: make(map[string]entry),
	}
}

// Register validates def and stores it under datasetID. The definition is
// copied; later changes to def have no effect. Registering an id again
// replaces the previous definition and changes its version.
func (r *Registry) Register(datasetID string, def *Definition) error {
	if def == nil {
		return errs.NewSchemaError(datasetID, "definition is nil")
	}
	d := def.Clone()
	if d.Dataset == "" {
		d.Dataset = datasetID
	}
	d.normalize()
	if d.Dataset != datasetID {
		return errs.NewSchemaError(datasetID, "definition declares dataset "+d.Dataset)
	}
	if problems := d.validate(); len(problems) > 0 {
		return errs.NewSchemaError(datasetID, problems...)
	}

	version := d.Version()
	r.mu.Lock()
	prev, existed := r.defs[datasetID]
	r.defs[datasetID] = entry{def: d, version: version}
	r.mu.Unlock()

	if existed && prev.version != version {
		r.log.Info("schema: definition replaced", "dataset", datasetID, "previous_version", prev.version, "version", version)
	} else {
		r.log.Debug("schema: definition registered", "dataset", datasetID, "version", version)
	}
	return nil
}

// Lookup returns the definition registered for datasetID. The returned
// definition is shared and must not be modified.
func (r *Registry) Lookup(datasetID string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.defs[datasetID]
	if !ok {
		return nil, &errs.NotFoundError{Kind: "dataset", Name: datasetID}
	}
	return e.def, nil
}

// Version returns the content version of the registered definition.
func (r *Registry) Version(datasetID string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.defs[datasetID]
	if !ok {
		return "", &errs.NotFoundError{Kind: "dataset", Name: datasetID}
	}
	return e.version, nil
}

// Datasets returns the registered dataset ids in sorted order.
func (r *Registry) Datasets() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.defs))
	for id := range r.defs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
