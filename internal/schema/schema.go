// Package schema declares the object stores, primary keys and secondary
// indices of the structured store.
package schema

import (
	"fmt"
	"sort"
)

type IndexDef struct {
	Name    string
	KeyPath string
	Unique  bool
}

type StoreDef struct {
	Name    string
	KeyPath string
	Indices []IndexDef
}

// Index looks up a secondary index by name.
func (s StoreDef) Index(name string) (IndexDef, bool) {
	for _, idx := range s.Indices {
		if idx.Name == name {
			return idx, true
		}
	}
	return IndexDef{}, false
}

type Schema struct {
	Name    string
	Version int
	Stores  []StoreDef
}

// Store names used by the application.
const (
	Users          = "users"
	Leads          = "leads"
	Clients        = "clients"
	Projects       = "projects"
	Tasks          = "tasks"
	Invoices       = "invoices"
	Notifications  = "notifications"
	TwoFactorCodes = "twoFactorCodes"
	AIPreferences  = "aiPreferences"
	AIChats        = "aiChats"
)

// Default is the layout of the Olympus database. Bump Version whenever a
// store or index is added; existing databases are upgraded on open.
var Default = Schema{
	Name:    "OlympusDB",
	Version: 1,
	Stores: []StoreDef{
		{Name: Users, KeyPath: "id", Indices: []IndexDef{
			{Name: "email", KeyPath: "email", Unique: true},
			{Name: "role", KeyPath: "role"},
		}},
		{Name: Leads, KeyPath: "id", Indices: []IndexDef{
			{Name: "status", KeyPath: "status"},
			{Name: "assignedTo", KeyPath: "assignedTo"},
		}},
		{Name: Clients, KeyPath: "id", Indices: []IndexDef{
			{Name: "email", KeyPath: "email", Unique: true},
			{Name: "status", KeyPath: "status"},
		}},
		{Name: Projects, KeyPath: "id", Indices: []IndexDef{
			{Name: "clientId", KeyPath: "clientId"},
			{Name: "status", KeyPath: "status"},
		}},
		{Name: Tasks, KeyPath: "id", Indices: []IndexDef{
			{Name: "projectId", KeyPath: "projectId"},
			{Name: "assigneeId", KeyPath: "assigneeId"},
			{Name: "status", KeyPath: "status"},
		}},
		{Name: Invoices, KeyPath: "id", Indices: []IndexDef{
			{Name: "clientId", KeyPath: "clientId"},
			{Name: "status", KeyPath: "status"},
		}},
		{Name: Notifications, KeyPath: "id", Indices: []IndexDef{
			{Name: "userId", KeyPath: "userId"},
			{Name: "read", KeyPath: "read"},
		}},
		{Name: TwoFactorCodes, KeyPath: "id", Indices: []IndexDef{
			{Name: "userId", KeyPath: "userId"},
		}},
		{Name: AIPreferences, KeyPath: "id", Indices: []IndexDef{
			{Name: "messageId", KeyPath: "messageId"},
			{Name: "type", KeyPath: "type"},
		}},
		{Name: AIChats, KeyPath: "id", Indices: []IndexDef{
			{Name: "userId", KeyPath: "userId"},
			{Name: "updatedAt", KeyPath: "updatedAt"},
		}},
	},
}

// Store looks up a store definition by name.
func (s Schema) Store(name string) (StoreDef, bool) {
	for _, st := range s.Stores {
		if st.Name == name {
			return st, true
		}
	}
	return StoreDef{}, false
}

// StoreNames returns the declared store names in sorted order.
func (s Schema) StoreNames() []string {
	names := make([]string, 0, len(s.Stores))
	for _, st := range s.Stores {
		names = append(names, st.Name)
	}
	sort.Strings(names)
	return names
}

func (s Schema) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("schema name is required")
	}
	if s.Version < 1 {
		return fmt.Errorf("schema %s: version must be >= 1, got %d", s.Name, s.Version)
	}
	seen := make(map[string]struct{}, len(s.Stores))
	for _, st := range s.Stores {
		if st.Name == "" {
			return fmt.Errorf("schema %s: store name is required", s.Name)
		}
		if _, dup := seen[st.Name]; dup {
			return fmt.Errorf("schema %s: duplicate store %q", s.Name, st.Name)
		}
		seen[st.Name] = struct{}{}
		if st.KeyPath == "" {
			return fmt.Errorf("store %s: key path is required", st.Name)
		}
		idxSeen := make(map[string]struct{}, len(st.Indices))
		for _, idx := range st.Indices {
			if idx.Name == "" || idx.KeyPath == "" {
				return fmt.Errorf("store %s: index name and key path are required", st.Name)
			}
			if _, dup := idxSeen[idx.Name]; dup {
				return fmt.Errorf("store %s: duplicate index %q", st.Name, idx.Name)
			}
			idxSeen[idx.Name] = struct{}{}
		}
	}
	return nil
}
