// Package sync mirrors relational writes into the graph store. The
// coordinator consumes change notifications emitted after commit and
// replays them against the mirror, tolerating duplicate and reordered
// delivery.
package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/grclabs/grcradar/internal/embed"
	"github.com/grclabs/grcradar/internal/graph"
	"github.com/grclabs/grcradar/internal/schema"
	"github.com/grclabs/grcradar/internal/tasks"
)

// Text fields assembled into the embedding input. They stay out of the
// mirrored properties; the graph carries scalars plus the vector.
var textFields = []struct {
	key   string
	label string
}{
	{"title", "Title"},
	{"description", "Description"},
	{"mitigation_plan", "Mitigation"},
}

// Coordinator applies entity and relation change events to the graph
// mirror and schedules embedding refreshes for text-bearing updates.
// All methods are idempotent; replaying an event converges to the same
// mirror state.
type Coordinator struct {
	store      graph.Store
	schema     *schema.Schema
	runner     *tasks.Runner
	encoder    embed.Encoder
	embedRetry tasks.RetryPolicy
	logger     *logrus.Logger
}

// NewCoordinator creates a coordinator. The runner and encoder may be
// nil for deployments that mirror without embeddings (tests, backfills).
func NewCoordinator(store graph.Store, sch *schema.Schema, runner *tasks.Runner, encoder embed.Encoder, embedRetry tasks.RetryPolicy, logger *logrus.Logger) *Coordinator {
	if logger == nil {
		logger = logrus.New()
	}
	return &Coordinator{
		store:      store,
		schema:     sch,
		runner:     runner,
		encoder:    encoder,
		embedRetry: embedRetry,
		logger:     logger,
	}
}

// EventKind discriminates change notifications.
type EventKind string

const (
	EventEntityUpserted   EventKind = "entity_upserted"
	EventEntityDeleted    EventKind = "entity_deleted"
	EventRelationUpserted EventKind = "relation_upserted"
	EventRelationDeleted  EventKind = "relation_deleted"
)

// Event is one relational change notification, emitted by the owning
// GRC application after commit. Entity fields apply to entity events,
// relation fields to relation events.
type Event struct {
	Kind EventKind `json:"event"`

	EntityType schema.NodeType `json:"entity_type,omitempty"`
	EntityID   string          `json:"entity_id,omitempty"`
	Attrs      map[string]any  `json:"attrs,omitempty"`

	Relation schema.RelationKind `json:"relation,omitempty"`
	FromType schema.NodeType     `json:"from_type,omitempty"`
	FromID   string              `json:"from_id,omitempty"`
	ToType   schema.NodeType     `json:"to_type,omitempty"`
	ToID     string              `json:"to_id,omitempty"`
}

// Apply dispatches one event to the mirror. Mirror failures are logged
// and absorbed here: the relational write already committed, so nothing
// upstream can act on an error anyway.
func (c *Coordinator) Apply(ctx context.Context, ev Event) {
	var err error
	switch ev.Kind {
	case EventEntityUpserted:
		err = c.EntityUpserted(ctx, ev.EntityType, ev.EntityID, ev.Attrs)
	case EventEntityDeleted:
		err = c.EntityDeleted(ctx, ev.EntityType, ev.EntityID)
	case EventRelationUpserted:
		err = c.RelationUpserted(ctx, ev.Relation,
			graph.NodeRef{Type: ev.FromType, ID: ev.FromID},
			graph.NodeRef{Type: ev.ToType, ID: ev.ToID})
	case EventRelationDeleted:
		err = c.RelationDeleted(ctx, ev.Relation,
			graph.NodeRef{Type: ev.FromType, ID: ev.FromID},
			graph.NodeRef{Type: ev.ToType, ID: ev.ToID})
	default:
		c.logger.WithField("event", ev.Kind).Warn("Unknown change event kind")
		return
	}
	if err != nil {
		c.logger.WithFields(logrus.Fields{
			"event": ev.Kind,
			"error": err,
		}).Error("Mirror update failed")
	}
}

// EntityUpserted mirrors a created or updated entity. Scalar attributes
// overwrite the node wholesale (last write wins); free-text attributes
// are folded into the embedding input instead of the node properties.
func (c *Coordinator) EntityUpserted(ctx context.Context, nodeType schema.NodeType, id string, attrs map[string]any) error {
	if !c.schema.TracksNode(nodeType) {
		c.logger.WithFields(logrus.Fields{
			"type": nodeType,
			"id":   id,
		}).Debug("Skipping untracked entity type")
		return nil
	}

	ref := graph.NodeRef{Type: nodeType, ID: id}
	if err := c.store.UpsertNode(ctx, ref, scalarProps(attrs)); err != nil {
		return fmt.Errorf("mirror upsert %s/%s: %w", nodeType, id, err)
	}

	c.scheduleEmbedding(ref, EmbedText(attrs))
	return nil
}

// EntityDeleted removes the mirrored node and its incident edges. An
// already-absent node is fine: a duplicate delete or a delete that
// outran its upsert leaves the mirror consistent either way.
func (c *Coordinator) EntityDeleted(ctx context.Context, nodeType schema.NodeType, id string) error {
	if !c.schema.TracksNode(nodeType) {
		return nil
	}
	ref := graph.NodeRef{Type: nodeType, ID: id}
	if err := c.store.DeleteNode(ctx, ref); err != nil {
		return fmt.Errorf("mirror delete %s/%s: %w", nodeType, id, err)
	}
	return nil
}

// RelationUpserted mirrors a relationship. When either endpoint has not
// been mirrored yet the edge is skipped and logged, not failed: the
// endpoint's own upsert event rewrites the relationship later.
func (c *Coordinator) RelationUpserted(ctx context.Context, kind schema.RelationKind, from, to graph.NodeRef) error {
	if _, ok := c.schema.EdgeTypeFor(from.Type, kind, to.Type); !ok {
		c.logger.WithFields(logrus.Fields{
			"relation": kind,
			"from":     fmt.Sprintf("%s/%s", from.Type, from.ID),
			"to":       fmt.Sprintf("%s/%s", to.Type, to.ID),
		}).Debug("Skipping untracked relation")
		return nil
	}

	err := c.store.MergeEdge(ctx, kind, from, to)
	if errors.Is(err, graph.ErrNodeMissing) {
		c.logger.WithFields(logrus.Fields{
			"relation": kind,
			"from":     fmt.Sprintf("%s/%s", from.Type, from.ID),
			"to":       fmt.Sprintf("%s/%s", to.Type, to.ID),
		}).Warn("Edge skipped: endpoint not mirrored yet")
		return nil
	}
	if err != nil {
		return fmt.Errorf("mirror edge %s %s/%s -> %s/%s: %w", kind, from.Type, from.ID, to.Type, to.ID, err)
	}
	return nil
}

// RelationDeleted removes a mirrored relationship if present. Untracked
// relations are skipped the same way RelationUpserted skips them.
func (c *Coordinator) RelationDeleted(ctx context.Context, kind schema.RelationKind, from, to graph.NodeRef) error {
	if _, ok := c.schema.EdgeTypeFor(from.Type, kind, to.Type); !ok {
		c.logger.WithFields(logrus.Fields{
			"relation": kind,
			"from":     fmt.Sprintf("%s/%s", from.Type, from.ID),
			"to":       fmt.Sprintf("%s/%s", to.Type, to.ID),
		}).Debug("Skipping untracked relation")
		return nil
	}
	if err := c.store.DeleteEdge(ctx, kind, from, to); err != nil {
		return fmt.Errorf("unmirror edge %s %s/%s -> %s/%s: %w", kind, from.Type, from.ID, to.Type, to.ID, err)
	}
	return nil
}

// scheduleEmbedding queues an embedding refresh. A full queue drops the
// refresh with a warning; the mirror write has already succeeded and
// must not block or fail on embedding backpressure.
func (c *Coordinator) scheduleEmbedding(ref graph.NodeRef, text string) {
	if c.runner == nil || c.encoder == nil || text == "" {
		return
	}

	job := &tasks.EmbeddingJob{Ref: ref, Text: text, Encoder: c.encoder, Store: c.store}
	if err := c.runner.Enqueue(job, c.embedRetry); err != nil {
		c.logger.WithFields(logrus.Fields{
			"type":  ref.Type,
			"id":    ref.ID,
			"error": err,
		}).Warn("Embedding refresh dropped")
	}
}

// EmbedText assembles the embedding input from an entity's free-text
// attributes. Returns "" when the entity carries no text, which keeps
// its feature vector zero-filled downstream.
func EmbedText(attrs map[string]any) string {
	var parts []string
	for _, f := range textFields {
		v, ok := attrs[f.key].(string)
		if !ok || v == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: %s.", f.label, strings.TrimSuffix(v, ".")))
	}
	return strings.Join(parts, " ")
}

// scalarProps returns the attributes mirrored onto the node, dropping
// the free-text fields that only feed the embedding.
func scalarProps(attrs map[string]any) map[string]any {
	props := make(map[string]any, len(attrs))
	for k, v := range attrs {
		if k == "description" || k == "mitigation_plan" {
			continue
		}
		props[k] = v
	}
	return props
}
