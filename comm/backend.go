package comm

import (
	"sort"
	"strconv"
)

// pollerFactory creates the poller with index id of mgr's pool.
type pollerFactory func(id int, mgr *PollerMgr) Poller

// _backends maps a CommCfg.PollerType to its factory. Backends add
// themselves from init in their platform files.
var _backends = make(map[string]pollerFactory)

func registerBackend(name string, f pollerFactory) {
	_backends[name] = f
}

// lookupBackend resolves name, empty meaning the platform default.
func lookupBackend(name string) (pollerFactory, error) {
	if name == "" {
		name = defaultPollerType
	}
	f, ok := _backends[name]
	if !ok {
		return nil, newError(ErrNotImpl, nil, "poller backend "+strconv.Quote(name)+" unavailable on this platform")
	}
	return f, nil
}

// Backends lists the poller types available on this platform.
func Backends() []string {
	names := make([]string, 0, len(_backends))
	for name := range _backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
