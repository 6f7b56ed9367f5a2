package archive

import (
	"fmt"

	"github.com/sitewise/sitewise/pkg/segment"
)

// Plugin names known to the core registry.
const (
	PluginVisitsSummary    = "VisitsSummary"
	PluginGoals            = "Goals"
	PluginDevicesDetection = "DevicesDetection"
	PluginReferrers        = "Referrers"
	PluginVisitFrequency   = "VisitFrequency"
)

// Descriptor declares how one plugin's archive is computed. A plugin either
// archives directly from raw logs, or derives from another plugin's archive
// narrowed by an extra segment condition (DependsOn + ExtraSegment), with its
// record names carrying RecordSuffix to keep them apart from the base.
type Descriptor struct {
	Name         string
	DependsOn    string
	ExtraSegment segment.Segment
	RecordSuffix string
}

// Registry is the ordered set of plugins the processor archives. Order
// matters only in that a dependency must precede its dependents.
type Registry struct {
	order  []string
	byName map[string]Descriptor
}

// NewRegistry builds a registry from descriptors, validating that every
// dependency is registered first.
func NewRegistry(descriptors ...Descriptor) (*Registry, error) {
	r := &Registry{byName: make(map[string]Descriptor, len(descriptors))}
	for _, d := range descriptors {
		if d.Name == "" {
			return nil, fmt.Errorf("plugin descriptor without a name")
		}
		if _, dup := r.byName[d.Name]; dup {
			return nil, fmt.Errorf("duplicate plugin %q", d.Name)
		}
		if d.DependsOn != "" {
			if _, ok := r.byName[d.DependsOn]; !ok {
				return nil, fmt.Errorf("plugin %q depends on unregistered %q", d.Name, d.DependsOn)
			}
		}
		r.byName[d.Name] = d
		r.order = append(r.order, d.Name)
	}
	return r, nil
}

// DefaultRegistry returns the built-in plugins. VisitFrequency is the
// dependent-archive case: returning-visitor metrics are the VisitsSummary
// computation re-run under an extra "returning==1" segment condition.
func DefaultRegistry() *Registry {
	returning, _ := segment.New("returning==1")
	r, err := NewRegistry(
		Descriptor{Name: PluginVisitsSummary},
		Descriptor{Name: PluginGoals},
		Descriptor{Name: PluginDevicesDetection},
		Descriptor{Name: PluginReferrers},
		Descriptor{
			Name:         PluginVisitFrequency,
			DependsOn:    PluginVisitsSummary,
			ExtraSegment: returning,
			RecordSuffix: "_returning",
		},
	)
	if err != nil {
		panic(err)
	}
	return r
}

// Get returns a descriptor and whether the plugin is registered.
func (r *Registry) Get(name string) (Descriptor, bool) {
	d, ok := r.byName[name]
	return d, ok
}

// Names returns all plugin names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Has reports whether the plugin is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.byName[name]
	return ok
}
