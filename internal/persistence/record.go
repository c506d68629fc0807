package persistence

import (
	"context"

	"github.com/nerrad567/gray-logic-resdb/internal/resource"
	"github.com/nerrad567/gray-logic-resdb/internal/schema"
)

// TypeRecord is one entry of the type log.
type TypeRecord struct {
	Seq        int64
	Kind       resource.ChangeKind
	Descriptor schema.Descriptor
}

// ResourceRecord is one entry of the resource log. Snapshot is nil for
// DELETED records.
type ResourceRecord struct {
	Seq      int64
	ID       int64
	Kind     resource.ChangeKind
	Snapshot *resource.Snapshot
}

// RecordLog is the durable storage behind a Coordinator.
// Implemented by SQLiteLog.
type RecordLog interface {
	// ReadTypes returns the type log in write order.
	ReadTypes(ctx context.Context) ([]TypeRecord, error)

	// ReadResources returns the resource log in write order.
	ReadResources(ctx context.Context) ([]ResourceRecord, error)

	// Append writes both batches atomically and raises the stored id
	// high-water mark to maxID or the largest record id.
	Append(ctx context.Context, types []TypeRecord, resources []ResourceRecord, maxID int64) error

	// Rewrite atomically replaces the resource log with records. The
	// high-water mark never drops below the ids of the replaced records.
	Rewrite(ctx context.Context, records []ResourceRecord, maxID int64) error

	// MaxID returns the stored id high-water mark, 0 if none.
	MaxID(ctx context.Context) (int64, error)

	// ResourceCount returns the number of records in the resource log.
	ResourceCount(ctx context.Context) (int, error)

	Close() error
}

// fold replays both logs in write order.
func fold(types []TypeRecord, resources []ResourceRecord) *resource.Image {
	img := &resource.Image{}

	typeIdx := make(map[string]int)
	var descs []*schema.Descriptor
	for _, r := range types {
		name := r.Descriptor.Name
		switch r.Kind {
		case resource.ChangeDeleted:
			if i, ok := typeIdx[name]; ok {
				descs[i] = nil
				delete(typeIdx, name)
			}
		default:
			d := r.Descriptor
			if i, ok := typeIdx[name]; ok {
				descs[i] = &d
				continue
			}
			typeIdx[name] = len(descs)
			descs = append(descs, &d)
		}
	}
	for _, d := range descs {
		if d != nil {
			img.Types = append(img.Types, *d)
		}
	}

	snaps := make(map[int64]resource.Snapshot)
	var order []int64
	for _, r := range resources {
		if r.ID > img.MaxID {
			img.MaxID = r.ID
		}
		switch r.Kind {
		case resource.ChangeDeleted:
			delete(snaps, r.ID)
		default:
			if r.Snapshot == nil {
				continue
			}
			if _, seen := snaps[r.ID]; !seen {
				order = append(order, r.ID)
			}
			snaps[r.ID] = *r.Snapshot
		}
	}
	for _, id := range order {
		if snap, ok := snaps[id]; ok {
			img.Resources = append(img.Resources, snap)
			// order holds an id twice if the log re-adds it.
			delete(snaps, id)
		}
	}
	return img
}
