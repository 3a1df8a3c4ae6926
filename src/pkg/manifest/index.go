package manifest

import (
	"sort"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
)

// KIND_ORDER is the order kinds are reconciled in. Kinds not listed follow alphabetically.
var KIND_ORDER = []string{
	"Namespace",
	"ServiceAccount",
	"Secret",
	"ConfigMap",
	"ClusterRole",
	"ClusterRoleBinding",
	"Role",
	"RoleBinding",
	"Service",
	"DaemonSet",
	"Deployment",
	"StatefulSet",
	"Job",
}

// Index maps kind -> name -> manifest. A (kind, name) pair is unique within an index.
// An Index is owned by a single invocation and is not safe for concurrent use.
type Index struct {
	components map[string]map[string]*unstructured.Unstructured
}

// NewIndex creates an empty component index
func NewIndex() *Index {
	return &Index{components: make(map[string]map[string]*unstructured.Unstructured)}
}

// Put inserts obj, overwriting any manifest with the same kind and name.
func (i *Index) Put(obj *unstructured.Unstructured) {
	kind := obj.GetKind()
	byName, ok := i.components[kind]
	if !ok {
		byName = make(map[string]*unstructured.Unstructured)
		i.components[kind] = byName
	}
	byName[obj.GetName()] = obj
}

// Merge deep-merges obj into the manifest with the same kind and name, or inserts it.
// Nested maps are merged key by key; scalars and lists from obj win.
func (i *Index) Merge(obj *unstructured.Unstructured) {
	existing, ok := i.Get(obj.GetKind(), obj.GetName())
	if !ok {
		i.Put(obj)
		return
	}
	mergeMaps(existing.Object, obj.Object)
}

// Get returns the manifest with the given kind and name
func (i *Index) Get(kind, name string) (*unstructured.Unstructured, bool) {
	obj, ok := i.components[kind][name]
	return obj, ok
}

// Has reports whether a manifest with the given kind and name exists
func (i *Index) Has(kind, name string) bool {
	_, ok := i.Get(kind, name)
	return ok
}

// Remove deletes the manifest with the given kind and name, reporting whether it existed.
func (i *Index) Remove(kind, name string) bool {
	byName, ok := i.components[kind]
	if !ok {
		return false
	}
	if _, ok := byName[name]; !ok {
		return false
	}
	delete(byName, name)
	if len(byName) == 0 {
		delete(i.components, kind)
	}
	return true
}

// Kinds returns the kinds present in the index in reconciliation order.
func (i *Index) Kinds() []string {
	rank := make(map[string]int, len(KIND_ORDER))
	for pos, kind := range KIND_ORDER {
		rank[kind] = pos
	}

	kinds := make([]string, 0, len(i.components))
	for kind := range i.components {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(a, b int) bool {
		ra, oka := rank[kinds[a]]
		rb, okb := rank[kinds[b]]
		switch {
		case oka && okb:
			return ra < rb
		case oka != okb:
			return oka
		default:
			return kinds[a] < kinds[b]
		}
	})
	return kinds
}

// Names returns the sorted names of the manifests of a kind
func (i *Index) Names(kind string) []string {
	names := make([]string, 0, len(i.components[kind]))
	for name := range i.components[kind] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Ordered returns every manifest, by kind in reconciliation order then by name.
func (i *Index) Ordered() []*unstructured.Unstructured {
	objs := make([]*unstructured.Unstructured, 0, i.Len())
	for _, kind := range i.Kinds() {
		for _, name := range i.Names(kind) {
			objs = append(objs, i.components[kind][name])
		}
	}
	return objs
}

// Count returns the number of manifests of a kind
func (i *Index) Count(kind string) int {
	return len(i.components[kind])
}

// Len returns the total number of manifests
func (i *Index) Len() int {
	total := 0
	for _, byName := range i.components {
		total += len(byName)
	}
	return total
}

// Clone returns a deep copy of the index
func (i *Index) Clone() *Index {
	clone := NewIndex()
	for _, byName := range i.components {
		for _, obj := range byName {
			clone.Put(obj.DeepCopy())
		}
	}
	return clone
}

// Equal reports whether both indexes hold the same manifests by kind, name and content.
func (i *Index) Equal(other *Index) bool {
	if i.Len() != other.Len() {
		return false
	}
	for kind, byName := range i.components {
		for name, obj := range byName {
			otherObj, ok := other.Get(kind, name)
			if !ok || !equalJSON(obj.Object, otherObj.Object) {
				return false
			}
		}
	}
	return true
}

func mergeMaps(dst, src map[string]interface{}) {
	for key, value := range src {
		if srcMap, ok := value.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				mergeMaps(dstMap, srcMap)
				continue
			}
		}
		dst[key] = runtime.DeepCopyJSONValue(value)
	}
}

func equalJSON(a, b map[string]interface{}) bool {
	return equalValue(a, b)
}

// equalValue compares decoded JSON values, treating int64 and float64 of equal value as equal.
func equalValue(a, b interface{}) bool {
	switch av := a.(type) {
	case map[string]interface{}:
		bv, ok := b.(map[string]interface{})
		if !ok || len(av) != len(bv) {
			return false
		}
		for key, value := range av {
			other, ok := bv[key]
			if !ok || !equalValue(value, other) {
				return false
			}
		}
		return true
	case []interface{}:
		bv, ok := b.([]interface{})
		if !ok || len(av) != len(bv) {
			return false
		}
		for idx := range av {
			if !equalValue(av[idx], bv[idx]) {
				return false
			}
		}
		return true
	case int64:
		switch bv := b.(type) {
		case int64:
			return av == bv
		case float64:
			return float64(av) == bv
		}
		return false
	case float64:
		switch bv := b.(type) {
		case float64:
			return av == bv
		case int64:
			return av == float64(bv)
		}
		return false
	default:
		return a == b
	}
}
