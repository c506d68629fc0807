// Package resource implements the hierarchical resource tree store.
//
// A Store owns every Node in an id-indexed table. Path, type, top-level and
// reverse-reference indices hold ids only, so a deleted node can never be
// reached through a stale pointer held by an index.
//
// Structure:
//   - Top-level resources are created with AddResource; their required
//     children are materialized from the schema immediately.
//   - Optional declared children are realized with CreateChild, extra
//     children with AddDecorator, list elements with AddElement.
//   - DeleteResource removes top-levels and list elements for good and
//     demotes other children, whose slots can be realized again.
//
// References:
//
// A node can alias another node with SetAsReference. Reads and writes on
// the alias go to the node at the end of its chain. A new edge always
// points at a data-holding node; chains only appear when a node that is a
// link target later becomes a reference itself, and are followed
// iteratively at read time. Deleting a target leaves its aliases dangling
// rather than removing them.
//
// Listeners:
//
// Listeners are attached through a Subscriber, which owns a FIFO queue and
// a delivery goroutine. Events are collected under the store lock and
// queued after it is released, so mutating calls never run listener code.
// Recursive registrations are copied onto every node attached below them.
//
// Persistence:
//
// When Options.Persistence is set, Open replays the record log and every
// mutation marks the affected nodes dirty. See package persistence.
//
// Usage:
//
//	store, err := resource.Open(ctx, resource.Options{Schema: reg, Logger: log})
//	if err != nil {
//	    return err
//	}
//	defer store.Close(ctx)
//
//	sw, err := store.AddResource("switch1", "devices.OnOffSwitch", "app.lighting")
//	state, err := store.CreateChild(sw, "stateControl")
//	err = store.SetValue(state, true)
package resource
