package jsruntime

import (
	"fmt"
	"strings"
	"sync"
)

// ModuleId is the stable integer identity of a registered module, handed
// out by ModuleMap in registration order starting at 1. Zero is never a
// valid ModuleId.
type ModuleId int

// ImportKind distinguishes the two import attribute shapes this package
// commits to (see SPEC_FULL.md §5): plain JS/Wasm imports and `{type:
// "json"}` imports, which are synthetically evaluated as a single JSON
// parse rather than compiled.
type ImportKind int

const (
	JavaScriptOrWasm ImportKind = iota
	Json
)

// ModuleRequest is one import statement or expression observed while
// compiling a module: the literal specifier as written, plus the import
// kind selected by any import attributes.
type ModuleRequest struct {
	Specifier string
	Kind      ImportKind
}

// ModuleInfo is everything ModuleMap knows about a registered module.
type ModuleInfo struct {
	Id       ModuleId
	Name     string // resolved, absolute specifier
	Main     bool
	Kind     ImportKind
	Requests []ModuleRequest
}

// symbolicEntry is either a concrete module slot or a redirect (alias) to
// another name, mirroring map.rs's SymbolicModule::{Mod,Alias} enum: a
// specifier can be registered more than once under different literal
// spellings that all resolve to the same underlying module.
type symbolicEntry struct {
	alias string // non-empty if this name is an alias
	id    ModuleId
}

// ModuleMap is the authoritative ledger of module identity, aliasing, and
// import-graph structure. It owns no engine state — InvokeModuleFactory on
// the Engine interface is where compiled bodies actually run. Exactly one
// registered module may be Main.
type ModuleMap struct {
	mu sync.RWMutex

	// bySpecifier indexes both canonical names and alias names.
	bySpecifier map[string]symbolicEntry
	// byNameJS / byNameJSON split canonical-name lookups by import kind,
	// matching map.rs's by_name_js/by_name_json split: the same literal
	// specifier can in principle be loaded once as code and once as JSON
	// from different referrers with different import attributes.
	byNameJS   map[string]ModuleId
	byNameJSON map[string]ModuleId

	infos []*ModuleInfo // index 0 unused; ModuleId i lives at infos[i]

	mainId     ModuleId
	nextId     ModuleId
	nextLoadId int
}

// NewModuleMap returns an empty map.
func NewModuleMap() *ModuleMap {
	return &ModuleMap{
		bySpecifier: make(map[string]symbolicEntry),
		byNameJS:    make(map[string]ModuleId),
		byNameJSON:  make(map[string]ModuleId),
		infos:       make([]*ModuleInfo, 1),
		nextId:      1,
	}
}

// stripBOM removes a leading UTF-8 byte-order-mark, per original_source's
// map.rs::strip_bom, applied before a module body of either kind is
// handed to the compiler/parser.
func stripBOM(src []byte) []byte {
	const bom = "\xef\xbb\xbf"
	if len(src) >= len(bom) && string(src[:len(bom)]) == bom {
		return src[len(bom):]
	}
	return src
}

// CreateModule registers name (already resolved/absolute) as a new module
// of the given kind with the given import requests, and returns its
// freshly assigned ModuleId. It is an error to register the same
// (name, kind) pair twice, or to register a second main module.
func (m *ModuleMap) CreateModule(name string, kind ImportKind, main bool, requests []ModuleRequest) (ModuleId, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	table := m.byNameJS
	if kind == Json {
		table = m.byNameJSON
	}
	if _, exists := table[name]; exists {
		return 0, fmt.Errorf("module %q is already registered", name)
	}
	if main {
		if m.mainId != 0 {
			return 0, &MainExistsError{Existing: m.infos[m.mainId].Name, Attempt: name}
		}
	}

	id := m.nextId
	m.nextId++
	info := &ModuleInfo{Id: id, Name: name, Main: main, Kind: kind, Requests: requests}
	m.infos = append(m.infos, info)
	table[name] = id
	m.bySpecifier[name] = symbolicEntry{id: id}
	if main {
		m.mainId = id
	}
	return id, nil
}

// Alias records that fromSpecifier (as written in an import, or as
// returned by a loader redirect such as an HTTP 301) should resolve to
// the same module as toSpecifier. Aliases chain: resolving follows alias
// links until a concrete module is found.
func (m *ModuleMap) Alias(fromSpecifier, toSpecifier string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bySpecifier[fromSpecifier] = symbolicEntry{alias: toSpecifier}
}

// Resolve follows alias chains starting at specifier and returns the
// concrete ModuleId, or ok=false if specifier (after following aliases)
// names no registered module. It bounds the chain walk to guard against a
// cyclic alias registration.
func (m *ModuleMap) Resolve(specifier string) (ModuleId, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.resolveLocked(specifier)
}

func (m *ModuleMap) resolveLocked(specifier string) (ModuleId, bool) {
	seen := make(map[string]bool)
	cur := specifier
	for {
		if seen[cur] {
			return 0, false
		}
		seen[cur] = true
		entry, ok := m.bySpecifier[cur]
		if !ok {
			return 0, false
		}
		if entry.alias != "" {
			cur = entry.alias
			continue
		}
		return entry.id, true
	}
}

// Info returns the registered ModuleInfo for id, or nil.
func (m *ModuleMap) Info(id ModuleId) *ModuleInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if int(id) <= 0 || int(id) >= len(m.infos) {
		return nil
	}
	return m.infos[id]
}

// MainModule returns the id of the registered main module, or ok=false if
// none has been registered yet.
func (m *ModuleMap) MainModule() (ModuleId, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mainId, m.mainId != 0
}

// NextLoadId returns a fresh, monotonically increasing load-operation
// identifier, used to correlate a ModuleLoader's async Load/PrepareLoad
// calls with the moduleLoad state machine that issued them. Persisted and
// restored across a snapshot so ids stay unique after resume.
func (m *ModuleMap) NextLoadId() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextLoadId++
	return m.nextLoadId
}

// Unresolved returns the ModuleRequests of id that do not (yet) resolve to
// a registered module — the set InstantiateModule must either satisfy by
// loading them or fail on, per spec.md §4.2's static-link emulation.
func (m *ModuleMap) Unresolved(id ModuleId) []ModuleRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info := m.infos[id]
	if info == nil {
		return nil
	}
	var out []ModuleRequest
	for _, req := range info.Requests {
		if _, ok := m.resolveLocked(req.Specifier); !ok {
			out = append(out, req)
		}
	}
	return out
}

// Reset clears every registered module except those named in keep,
// per original_source's map.rs::clear_module_map "with exceptions" used
// when preparing an isolate for a startup snapshot: extension-injected
// modules must survive the clear so the snapshot still boots with them
// present.
func (m *ModuleMap) Reset(keep []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keepSet := make(map[string]bool, len(keep))
	for _, k := range keep {
		keepSet[k] = true
	}

	newBySpecifier := make(map[string]symbolicEntry)
	newByNameJS := make(map[string]ModuleId)
	newByNameJSON := make(map[string]ModuleId)
	newInfos := make([]*ModuleInfo, len(m.infos))

	for name, entry := range m.bySpecifier {
		if !keepSet[name] {
			continue
		}
		newBySpecifier[name] = entry
		if entry.alias == "" {
			newInfos[entry.id] = m.infos[entry.id]
		}
	}
	for name, id := range m.byNameJS {
		if keepSet[name] {
			newByNameJS[name] = id
		}
	}
	for name, id := range m.byNameJSON {
		if keepSet[name] {
			newByNameJSON[name] = id
		}
	}

	m.bySpecifier = newBySpecifier
	m.byNameJS = newByNameJS
	m.byNameJSON = newByNameJSON
	m.infos = newInfos
	if m.mainId != 0 && (newInfos[m.mainId] == nil) {
		m.mainId = 0
	}
}

// snapshotState is the (de)serializable core of ModuleMap, used by
// snapshot.go when assembling/restoring a startup snapshot blob.
type snapshotState struct {
	NextId     ModuleId
	NextLoadId int
	MainId     ModuleId
	Infos      []*ModuleInfo
	Aliases    map[string]string
}

func (m *ModuleMap) exportState() snapshotState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	aliases := make(map[string]string)
	for name, entry := range m.bySpecifier {
		if entry.alias != "" {
			aliases[name] = entry.alias
		}
	}
	infos := make([]*ModuleInfo, 0, len(m.infos)-1)
	for _, info := range m.infos[1:] {
		if info != nil {
			infos = append(infos, info)
		}
	}
	return snapshotState{
		NextId:     m.nextId,
		NextLoadId: m.nextLoadId,
		MainId:     m.mainId,
		Infos:      infos,
		Aliases:    aliases,
	}
}

func (m *ModuleMap) importState(s snapshotState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextId = s.NextId
	m.nextLoadId = s.NextLoadId
	m.mainId = s.MainId
	m.infos = make([]*ModuleInfo, s.NextId)
	m.bySpecifier = make(map[string]symbolicEntry)
	m.byNameJS = make(map[string]ModuleId)
	m.byNameJSON = make(map[string]ModuleId)
	for _, info := range s.Infos {
		m.infos[info.Id] = info
		m.bySpecifier[info.Name] = symbolicEntry{id: info.Id}
		if info.Kind == Json {
			m.byNameJSON[info.Name] = info.Id
		} else {
			m.byNameJS[info.Name] = info.Id
		}
	}
	for from, to := range s.Aliases {
		m.bySpecifier[from] = symbolicEntry{alias: to}
	}
}

// String renders the module list for debugging, one "<mark> <id> <name>"
// line per module (mark is '*' for the main module, a space otherwise).
func (m *ModuleMap) String() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var b strings.Builder
	for _, info := range m.infos[1:] {
		if info == nil {
			continue
		}
		mark := " "
		if info.Main {
			mark = "*"
		}
		fmt.Fprintf(&b, "%s %d %s\n", mark, info.Id, info.Name)
	}
	return b.String()
}
