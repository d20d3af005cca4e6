package lifecycle

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Factory builds a Manager for the plugin version at sharedPath.
type Factory func(d Descriptor, sharedPath string) (Manager, error)

var (
	factoriesMu sync.RWMutex
	factories   = map[string]Factory{}
)

// RegisterFactory binds a descriptor kind to Go code. Re-registering a kind
// replaces the previous factory.
func RegisterFactory(kind string, f Factory) {
	if kind == "" || f == nil {
		panic("lifecycle: RegisterFactory requires a kind and a factory")
	}
	factoriesMu.Lock()
	factories[kind] = f
	factoriesMu.Unlock()
}

// Kinds lists registered descriptor kinds.
func Kinds() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type unknownKindError struct{ kind string }

func (e unknownKindError) Error() string { return fmt.Sprintf("unknown lifecycle kind %q", e.kind) }

// IsUnknownKind reports whether err names an unregistered kind.
func IsUnknownKind(err error) bool {
	var target unknownKindError
	return errors.As(err, &target)
}

func lookupFactory(kind string) (Factory, error) {
	factoriesMu.RLock()
	f, ok := factories[kind]
	factoriesMu.RUnlock()
	if !ok {
		return nil, unknownKindError{kind: kind}
	}
	return f, nil
}

// Load reads the descriptor under sharedPath and builds its Manager.
func Load(sharedPath string) (Manager, error) {
	d, err := LoadDescriptor(sharedPath)
	if err != nil {
		return nil, err
	}
	f, err := lookupFactory(d.Kind)
	if err != nil {
		return nil, err
	}
	return f(d, sharedPath)
}
