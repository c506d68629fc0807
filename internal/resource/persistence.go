package resource

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/nerrad567/gray-logic-resdb/internal/schema"
)

// ChangeKind tags a record in the resource log.
type ChangeKind int

const (
	ChangeNew     ChangeKind = 1
	ChangeDeleted ChangeKind = 2
	ChangeValue   ChangeKind = 3
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeNew:
		return "new"
	case ChangeDeleted:
		return "deleted"
	case ChangeValue:
		return "value"
	default:
		return "unknown"
	}
}

// Change marks a node as dirty for the persistence writer.
type Change struct {
	ID   int64
	Kind ChangeKind
}

// Snapshot is the persisted form of a node.
type Snapshot struct {
	ID          int64           `json:"id"`
	ParentID    int64           `json:"parent_id,omitempty"`
	Name        string          `json:"name"`
	Path        string          `json:"path"`
	Type        string          `json:"type"`
	Owner       string          `json:"owner,omitempty"`
	Active      bool            `json:"active,omitempty"`
	Decorator   bool            `json:"decorator,omitempty"`
	Required    bool            `json:"required,omitempty"`
	Element     bool            `json:"element,omitempty"`
	Reference   int64           `json:"reference,omitempty"`
	ElementType string          `json:"element_type,omitempty"`
	NextElement int             `json:"next_element,omitempty"`
	Value       json.RawMessage `json:"value,omitempty"`
}

// Image is the folded content of the durable logs.
type Image struct {
	Types     []schema.Descriptor
	Resources []Snapshot

	// MaxID is the largest node id seen in any record, deleted ones included.
	MaxID int64
}

// SnapshotSource gives the persistence writer read access to the tree.
type SnapshotSource interface {
	// Snapshots returns the current form of the given live, persistent nodes.
	// Absent ids are deleted or non-persistent.
	Snapshots(ids []int64) map[int64]Snapshot

	// AllSnapshots returns every live, persistent node in id order.
	AllSnapshots() []Snapshot

	// HighWaterID returns the largest node id handed out so far.
	HighWaterID() int64
}

// Persistence is the durable writer behind a Store.
// Implemented by persistence.Coordinator.
type Persistence interface {
	// Load replays the logs.
	Load(ctx context.Context) (*Image, error)

	// Start begins background flushing against src.
	Start(ctx context.Context, src SnapshotSource) error

	Record(c Change)
	RecordType(d schema.Descriptor)
	StartTransaction()
	FinishTransaction() error
	IsReady() bool
	Close(ctx context.Context) error
}

// Snapshots implements SnapshotSource.
func (s *Store) Snapshots(ids []int64) map[int64]Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[int64]Snapshot, len(ids))
	for _, id := range ids {
		n, ok := s.byID[id]
		if !ok || n.nonPersistent {
			continue
		}
		out[id] = s.snapshotLocked(n)
	}
	return out
}

// AllSnapshots implements SnapshotSource.
func (s *Store) AllSnapshots() []Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	nodes := s.sortedLocked(s.byID)
	out := make([]Snapshot, 0, len(nodes))
	for _, n := range nodes {
		if n.nonPersistent {
			continue
		}
		out = append(out, s.snapshotLocked(n))
	}
	return out
}

// HighWaterID implements SnapshotSource.
func (s *Store) HighWaterID() int64 {
	return s.nextID.Load()
}

// Snapshot returns the persisted form of n.
func (s *Store) Snapshot(n *Node) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkLocked(n); err != nil {
		return Snapshot{}, err
	}
	return s.snapshotLocked(n), nil
}

func (s *Store) snapshotLocked(n *Node) Snapshot {
	snap := Snapshot{
		ID:          n.id,
		ParentID:    n.parentID,
		Name:        n.name,
		Path:        n.path,
		Type:        n.typ.Name(),
		Owner:       n.owner,
		Active:      n.active,
		Decorator:   n.decorator,
		Required:    n.required,
		Element:     n.element,
		NextElement: n.nextElement,
	}
	if n.reference {
		snap.Reference = n.target
	}
	if n.elementType != nil {
		snap.ElementType = n.elementType.Name()
	}
	if n.value != nil {
		if raw, err := json.Marshal(n.value); err == nil {
			snap.Value = raw
		} else {
			s.logger.Error("encoding node value", "path", n.path, "error", err)
		}
	}
	return snap
}

// restoreLocked rebuilds the tree from a replayed image.
func (s *Store) restoreLocked(img *Image) error {
	if len(img.Types) > 0 {
		if _, err := s.schema.RegisterTypes(img.Types...); err != nil {
			return fmt.Errorf("registering logged types: %w", err)
		}
	}

	snaps := append([]Snapshot(nil), img.Resources...)
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].ID < snaps[j].ID })

	maxID := img.MaxID
	var refs []*Node
	var restored []*Node
	for _, snap := range snaps {
		if snap.ID > maxID {
			maxID = snap.ID
		}
		n, err := s.restoreNodeLocked(snap)
		if err != nil {
			s.logger.Warn("skipping logged resource", "id", snap.ID, "path", snap.Path, "error", err)
			continue
		}
		restored = append(restored, n)
		if snap.Reference != 0 {
			refs = append(refs, n)
		}
	}

	for _, n := range refs {
		s.linkLocked(n, n.target)
	}

	s.nextID.Store(maxID)

	// Non-persistent required children are never logged.
	var b batch
	for _, n := range restored {
		if !n.live || n.reference || !n.typ.IsComposite() {
			continue
		}
		if err := s.materializeMissingLocked(&b, n); err != nil {
			return err
		}
	}
	s.logger.Info("resources restored", "count", len(restored), "references", len(refs), "next_id", maxID+1)
	return nil
}

func (s *Store) restoreNodeLocked(snap Snapshot) (*Node, error) {
	typ, ok := s.schema.Lookup(snap.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidType, snap.Type)
	}
	var parent *Node
	if snap.ParentID != 0 {
		parent = s.byID[snap.ParentID]
		if parent == nil {
			return nil, fmt.Errorf("%w: parent %d", ErrNotFound, snap.ParentID)
		}
		if _, taken := parent.children[snap.Name]; taken {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, snap.Path)
		}
	} else if _, taken := s.toplevel[snap.Name]; taken {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, snap.Path)
	}

	n := &Node{
		store:       s,
		id:          snap.ID,
		name:        snap.Name,
		path:        snap.Path,
		owner:       snap.Owner,
		parentID:    snap.ParentID,
		typ:         typ,
		active:      snap.Active,
		decorator:   snap.Decorator,
		required:    snap.Required,
		element:     snap.Element,
		nextElement: snap.NextElement,
	}
	if snap.Reference != 0 {
		n.reference = true
		n.target = snap.Reference
	}
	if snap.ElementType != "" {
		if et, ok := s.schema.Lookup(snap.ElementType); ok {
			n.elementType = et
		}
	}
	if len(snap.Value) > 0 && !n.reference {
		v, err := decodeValue(typ.Kind(), snap.Value)
		if err != nil {
			return nil, err
		}
		n.value = v
	}

	s.indexLocked(n)
	if parent != nil {
		parent.addChild(n)
	}
	return n, nil
}
