package model

import (
	"fmt"
	"sync"
)

// HandlerFunc computes a processor's output fields from its upstream
// inputs (ingester name -> field map). Returned keys overwrite the
// matching field values before the record is stored.
type HandlerFunc func(ing *Ingester, inputs map[string]map[string]any) (map[string]any, error)

var (
	handlerMu sync.RWMutex
	handlers  = map[string]HandlerFunc{}
)

// RegisterHandler makes a processor handler available under a name.
// Handlers are pre-registered at startup; config files reference them by
// name only, so no user code is loaded or evaluated at runtime.
func RegisterHandler(name string, fn HandlerFunc) {
	handlerMu.Lock()
	defer handlerMu.Unlock()
	handlers[name] = fn
}

// LookupHandler resolves a handler name. Resolution happens once per
// ingester lifetime, at schedule time.
func LookupHandler(name string) (HandlerFunc, error) {
	handlerMu.RLock()
	defer handlerMu.RUnlock()
	fn, ok := handlers[name]
	if !ok {
		return nil, fmt.Errorf("handler %q is not registered", name)
	}
	return fn, nil
}
