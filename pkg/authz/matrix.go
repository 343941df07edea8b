package authz

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// Matrix is the static role × resource-type × action permission table.
// Absence of a row is a deny, never an implicit allow. The table is data,
// not code: it is seeded with DefaultMatrix and can be replaced at runtime
// from a config file (see Watcher).
type Matrix struct {
	mu    sync.RWMutex
	rules map[PlatformRole]map[ResourceType]map[Action]bool
}

// MatrixDocument is the on-disk representation of the permission table:
// role -> resource type -> list of allowed actions.
type MatrixDocument map[PlatformRole]map[ResourceType][]Action

// NewMatrix creates a matrix from a document
func NewMatrix(doc MatrixDocument) *Matrix {
	m := &Matrix{}
	m.Replace(doc)
	return m
}

// DefaultMatrix returns the seed policy:
// admin everything; manager view/create/edit/share; scientist
// view/create/edit; viewer view only.
func DefaultMatrix() *Matrix {
	allActions := []Action{ActionView, ActionCreate, ActionEdit, ActionDelete, ActionShare, ActionDownload, ActionUpload}
	doc := MatrixDocument{}
	for _, rt := range ValidResourceTypes() {
		set := func(role PlatformRole, actions []Action) {
			if doc[role] == nil {
				doc[role] = map[ResourceType][]Action{}
			}
			doc[role][rt] = actions
		}
		set(RoleAdmin, allActions)
		set(RoleManager, []Action{ActionView, ActionCreate, ActionEdit, ActionShare, ActionDownload, ActionUpload})
		set(RoleScientist, []Action{ActionView, ActionCreate, ActionEdit, ActionDownload, ActionUpload})
		set(RoleViewer, []Action{ActionView})
	}
	return NewMatrix(doc)
}

// Allowed is a pure lookup: true iff a row exists granting the action.
// Missing role, missing resource type, and missing action all deny.
func (m *Matrix) Allowed(role PlatformRole, rt ResourceType, action Action) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byType, ok := m.rules[role]
	if !ok {
		return false
	}
	byAction, ok := byType[rt]
	if !ok {
		return false
	}
	return byAction[action]
}

// Replace swaps the whole table atomically
func (m *Matrix) Replace(doc MatrixDocument) {
	rules := make(map[PlatformRole]map[ResourceType]map[Action]bool, len(doc))
	for role, byType := range doc {
		rules[role] = make(map[ResourceType]map[Action]bool, len(byType))
		for rt, actions := range byType {
			set := make(map[Action]bool, len(actions))
			for _, a := range actions {
				set[a] = true
			}
			rules[role][rt] = set
		}
	}

	m.mu.Lock()
	m.rules = rules
	m.mu.Unlock()
}

// LoadFromFile replaces the table with the contents of a JSON config file
func (m *Matrix) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read matrix config: %w", err)
	}

	var doc MatrixDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse matrix config: %w", err)
	}

	if err := validateDocument(doc); err != nil {
		return fmt.Errorf("invalid matrix config: %w", err)
	}

	m.Replace(doc)
	return nil
}

func validateDocument(doc MatrixDocument) error {
	for role, byType := range doc {
		if !role.Valid() {
			return fmt.Errorf("unknown platform role %q", role)
		}
		for rt := range byType {
			if _, err := ParseResourceType(string(rt)); err != nil {
				return fmt.Errorf("role %q: %w", role, err)
			}
		}
	}
	return nil
}
