package approver

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// Directory is the organization lookup consumed by the resolver.
type Directory interface {
	// ManagerOf returns the manager of userID, or "" if there is none.
	ManagerOf(ctx context.Context, userID string) (string, error)
	// UsersInRole returns the active members of role.
	UsersInRole(ctx context.Context, role string) ([]string, error)
	// IsActive reports whether userID exists and may be assigned work.
	IsActive(ctx context.Context, userID string) (bool, error)
}

// DirectoryUser is one entry of a StaticDirectory.
type DirectoryUser struct {
	Manager  string   `yaml:"manager,omitempty"`
	Roles    []string `yaml:"roles,omitempty"`
	Disabled bool     `yaml:"disabled,omitempty"`
}

// StaticDirectory is an in-memory Directory.
type StaticDirectory struct {
	mu    sync.RWMutex
	users map[string]DirectoryUser
}

// NewStaticDirectory creates a directory holding users.
func NewStaticDirectory(users map[string]DirectoryUser) *StaticDirectory {
	d := &StaticDirectory{users: make(map[string]DirectoryUser, len(users))}
	for id, u := range users {
		d.users[id] = u
	}
	return d
}

// DecodeDirectory reads a YAML document of the form
//
//	users:
//	  alice: {manager: carol, roles: [finance]}
func DecodeDirectory(r io.Reader) (*StaticDirectory, error) {
	var doc struct {
		Users map[string]DirectoryUser `yaml:"users"`
	}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && err != io.EOF {
		return nil, fmt.Errorf("approver: decoding directory: %w", err)
	}
	return NewStaticDirectory(doc.Users), nil
}

// LoadDirectory decodes the directory file at path.
func LoadDirectory(path string) (*StaticDirectory, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("approver: opening directory: %w", err)
	}
	defer f.Close()
	return DecodeDirectory(f)
}

// Put adds or replaces a user.
func (d *StaticDirectory) Put(id string, u DirectoryUser) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[id] = u
}

// ManagerOf implements Directory.
func (d *StaticDirectory) ManagerOf(ctx context.Context, userID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[userID]
	if !ok {
		return "", fmt.Errorf("approver: unknown user %q", userID)
	}
	return u.Manager, nil
}

// UsersInRole implements Directory. Disabled users are skipped.
func (d *StaticDirectory) UsersInRole(ctx context.Context, role string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []string
	for id, u := range d.users {
		if u.Disabled {
			continue
		}
		for _, r := range u.Roles {
			if r == role {
				out = append(out, id)
				break
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

// IsActive implements Directory.
func (d *StaticDirectory) IsActive(ctx context.Context, userID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[userID]
	return ok && !u.Disabled, nil
}
