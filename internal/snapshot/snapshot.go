// Package snapshot persists agent state between console runs: one file per
// agent under the XDG data directory, written atomically.
package snapshot

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/fakeyudi/agentconsole/internal/agent"
	"github.com/fakeyudi/agentconsole/internal/agentstore"
	"github.com/fakeyudi/agentconsole/internal/approvals"
)

// ErrNoSnapshot is returned by Load when no snapshot exists for the agent.
var ErrNoSnapshot = errors.New("no snapshot")

// Version is the current snapshot layout version.
const Version = 1

// Snapshot is what is persisted for one agent.
type Snapshot struct {
	Version   int                 `json:"version" cbor:"version"`
	SavedAtMs int64               `json:"savedAtMs" cbor:"savedAtMs"`
	Agent     *agent.State        `json:"agent" cbor:"agent"`
	Approvals []approvals.Pending `json:"approvals,omitempty" cbor:"approvals,omitempty"`
}

// Store persists snapshots.
type Store interface {
	Save(s *Snapshot) error
	Load(agentID string) (*Snapshot, error) // returns ErrNoSnapshot if none exists
	List() ([]string, error)
	Delete(agentID string) error
}

// diskStore writes one file per agent into dir.
type diskStore struct {
	dir    string
	format Format
}

// NewStore returns a Store backed by the XDG data directory.
// Path: $XDG_DATA_HOME/agentconsole/agents or ~/.local/share/agentconsole/agents
func NewStore(format Format) (Store, error) {
	dir, err := dataDir()
	if err != nil {
		return nil, fmt.Errorf("resolving data directory: %w", err)
	}
	return NewStoreAt(dir, format)
}

// NewStoreAt returns a Store that keeps its files in dir.
func NewStoreAt(dir string, format Format) (Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	if format == "" {
		format = FormatJSON
	}
	return &diskStore{dir: dir, format: format}, nil
}

func dataDir() (string, error) {
	base := os.Getenv("XDG_DATA_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(base, "agentconsole", "agents"), nil
}

func validID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("invalid agent id %q", id)
	}
	return nil
}

func (d *diskStore) path(agentID string, f Format) string {
	return filepath.Join(d.dir, agentID+f.ext())
}

// Save encodes s and writes it atomically via a temp file + os.Rename. A
// snapshot of the same agent in the other format is removed.
func (d *diskStore) Save(s *Snapshot) (err error) {
	if s == nil || s.Agent == nil {
		return errors.New("save snapshot: no agent state")
	}
	if err := validID(s.Agent.ID); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	s.Version = Version
	data, err := d.format.marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(d.dir, s.Agent.ID+"-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to persist snapshot: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			os.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to persist snapshot: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to persist snapshot: %w", err)
	}
	if err = os.Rename(tmpName, d.path(s.Agent.ID, d.format)); err != nil {
		return fmt.Errorf("failed to persist snapshot: %w", err)
	}
	other := FormatCBOR
	if d.format == FormatCBOR {
		other = FormatJSON
	}
	if rmErr := os.Remove(d.path(s.Agent.ID, other)); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
		return fmt.Errorf("removing stale snapshot: %w", rmErr)
	}
	return nil
}

// Load reads the agent's snapshot in whichever format it was saved.
// Returns ErrNoSnapshot if the file does not exist.
func (d *diskStore) Load(agentID string) (*Snapshot, error) {
	if err := validID(agentID); err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	for _, f := range []Format{d.format, FormatJSON, FormatCBOR} {
		data, err := os.ReadFile(d.path(agentID, f))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read snapshot: %w", err)
		}
		var s Snapshot
		if err := f.unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("failed to parse snapshot %s: %w", d.path(agentID, f), err)
		}
		if s.Agent == nil {
			return nil, fmt.Errorf("snapshot %s has no agent state", d.path(agentID, f))
		}
		return &s, nil
	}
	return nil, fmt.Errorf("agent %s: %w", agentID, ErrNoSnapshot)
}

// List returns the ids of every saved agent, sorted.
func (d *diskStore) List() ([]string, error) {
	dirEntries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	var ids []string
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		name := de.Name()
		for _, f := range []Format{FormatJSON, FormatCBOR} {
			if id, ok := strings.CutSuffix(name, f.ext()); ok && id != "" {
				ids = append(ids, id)
			}
		}
	}
	slices.Sort(ids)
	return slices.Compact(ids), nil
}

// Delete removes the agent's snapshot in every format.
func (d *diskStore) Delete(agentID string) error {
	if err := validID(agentID); err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	for _, f := range []Format{FormatJSON, FormatCBOR} {
		if err := os.Remove(d.path(agentID, f)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to delete snapshot: %w", err)
		}
	}
	return nil
}

// Capture builds one snapshot per agent in the agent store. Each carries
// the approvals scoped to that agent; unscoped approvals are not persisted.
func Capture(store *agentstore.Store, nowMs int64) []*Snapshot {
	set := store.Approvals()
	var out []*Snapshot
	for _, st := range store.Agents() {
		out = append(out, &Snapshot{
			Version:   Version,
			SavedAtMs: nowMs,
			Agent:     st,
			Approvals: set.ForAgent(st.ID),
		})
	}
	return out
}

// SaveAll captures and saves every agent in the agent store.
func SaveAll(s Store, store *agentstore.Store, nowMs int64) error {
	for _, snap := range Capture(store, nowMs) {
		if err := s.Save(snap); err != nil {
			return err
		}
	}
	return nil
}

// Restore loads the given agents (every saved agent when ids is empty) into
// the agent store, replacing its contents.
func Restore(s Store, store *agentstore.Store, ids ...string) error {
	if len(ids) == 0 {
		var err error
		if ids, err = s.List(); err != nil {
			return err
		}
	}
	var (
		states []*agent.State
		set    approvals.Set
	)
	for _, id := range ids {
		snap, err := s.Load(id)
		if err != nil {
			return err
		}
		states = append(states, snap.Agent)
		// Upsert prepends, so walk backwards to keep the saved order.
		for i := len(snap.Approvals) - 1; i >= 0; i-- {
			p := snap.Approvals[i]
			p.AgentID = snap.Agent.ID
			p.Resolving = false
			set = set.Upsert(p)
		}
	}
	store.Restore(states, set)
	return nil
}
