package rbac

import (
	"encoding/json"
	"strings"
	"time"

	"golang.org/x/text/cases"
)

// Action names a privilege flag on a page.
type Action string

// Supported actions.
const (
	ActionView   Action = "view"
	ActionAdd    Action = "add"
	ActionEdit   Action = "edit"
	ActionDelete Action = "delete"
)

// ParseAction maps a free-form action name onto an Action.
func ParseAction(raw string) (Action, bool) {
	switch Action(strings.ToLower(strings.TrimSpace(raw))) {
	case ActionView:
		return ActionView, true
	case ActionAdd:
		return ActionAdd, true
	case ActionEdit:
		return ActionEdit, true
	case ActionDelete:
		return ActionDelete, true
	}
	return "", false
}

// PagePrivilege holds the independent action flags of one page.
type PagePrivilege struct {
	PageName  string `json:"pageName"`
	CanView   bool   `json:"canView"`
	CanAdd    bool   `json:"canAdd"`
	CanEdit   bool   `json:"canEdit"`
	CanDelete bool   `json:"canDelete"`
}

// Grants reports whether the flag for action is set.
func (p PagePrivilege) Grants(action Action) bool {
	switch action {
	case ActionView:
		return p.CanView
	case ActionAdd:
		return p.CanAdd
	case ActionEdit:
		return p.CanEdit
	case ActionDelete:
		return p.CanDelete
	}
	return false
}

// ModulePrivilege groups the pages of one module.
type ModulePrivilege struct {
	ModuleName string          `json:"moduleName"`
	Pages      []PagePrivilege `json:"pages"`
}

// Store is a snapshot of a user's privileges. It is never mutated after NewStore
// returns; a refresh produces a new Store.
type Store struct {
	modules  []ModulePrivilege
	loadedAt time.Time
	index    map[string]map[string]PagePrivilege
}

// storeJSON is the session representation of a Store.
type storeJSON struct {
	Modules  []ModulePrivilege `json:"modules"`
	LoadedAt time.Time         `json:"loadedAt"`
}

// foldName normalises names for lookup. Casers keep state, so one is built per call.
func foldName(name string) string {
	return cases.Fold().String(strings.TrimSpace(name))
}

// NewStore builds a Store from modules loaded at loadedAt. The input slices are copied.
// When names repeat, the first occurrence wins.
func NewStore(modules []ModulePrivilege, loadedAt time.Time) *Store {
	s := &Store{
		modules:  make([]ModulePrivilege, 0, len(modules)),
		loadedAt: loadedAt.UTC(),
		index:    make(map[string]map[string]PagePrivilege, len(modules)),
	}
	for _, m := range modules {
		key := foldName(m.ModuleName)
		if _, dup := s.index[key]; dup {
			continue
		}
		pages := make([]PagePrivilege, 0, len(m.Pages))
		byName := make(map[string]PagePrivilege, len(m.Pages))
		for _, p := range m.Pages {
			pkey := foldName(p.PageName)
			if _, dup := byName[pkey]; dup {
				continue
			}
			byName[pkey] = p
			pages = append(pages, p)
		}
		s.index[key] = byName
		s.modules = append(s.modules, ModulePrivilege{ModuleName: m.ModuleName, Pages: pages})
	}
	return s
}

// LoadedAt returns when the snapshot was fetched, in UTC.
func (s *Store) LoadedAt() time.Time {
	if s == nil {
		return time.Time{}
	}
	return s.loadedAt
}

// Age returns how old the snapshot is at now.
func (s *Store) Age(now time.Time) time.Duration {
	return now.Sub(s.LoadedAt())
}

// Modules returns a copy of the modules in load order.
func (s *Store) Modules() []ModulePrivilege {
	if s == nil {
		return nil
	}
	out := make([]ModulePrivilege, len(s.modules))
	for i, m := range s.modules {
		out[i] = ModulePrivilege{ModuleName: m.ModuleName, Pages: append([]PagePrivilege(nil), m.Pages...)}
	}
	return out
}

// Page looks up a page privilege by module and page name.
func (s *Store) Page(module, page string) (PagePrivilege, bool) {
	if s == nil {
		return PagePrivilege{}, false
	}
	pages, ok := s.index[foldName(module)]
	if !ok {
		return PagePrivilege{}, false
	}
	p, ok := pages[foldName(page)]
	return p, ok
}

// Allows reports whether the snapshot grants action on module/page. Unknown modules,
// pages and actions are denied, as is a nil Store.
func (s *Store) Allows(module, page string, action Action) bool {
	p, ok := s.Page(module, page)
	if !ok {
		return false
	}
	return p.Grants(action)
}

// MarshalJSON encodes the snapshot for session storage.
func (s *Store) MarshalJSON() ([]byte, error) {
	if s == nil {
		return []byte("null"), nil
	}
	return json.Marshal(storeJSON{Modules: s.modules, LoadedAt: s.loadedAt})
}

// UnmarshalStore decodes a snapshot written by MarshalJSON.
func UnmarshalStore(data []byte) (*Store, error) {
	var raw storeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return NewStore(raw.Modules, raw.LoadedAt), nil
}
