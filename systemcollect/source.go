// Package systemcollect is an illustrative CollectSource implementation
// over in-memory system tables (sys.* style introspection relations): a
// schema registry, typed table definitions, and a BatchIterator built
// from rows materialized at GetIterator time.
package systemcollect

import (
	"context"
	"fmt"
	"strings"

	collect "github.com/distsql/collect"
)

// Record is one row of a system table, keyed by column name for
// construction convenience; TableDefinition.Columns fixes the output cell
// order.
type Record map[string]any

// TableDefinition describes one relation: its column order and a function
// producing its current rows. Rows are recomputed on every GetIterator
// call so system tables reflect live state rather than a snapshot taken
// at registration time.
type TableDefinition struct {
	Columns []string
	Rows    func() []Record
}

// Schema is a named group of tables, mirroring how a schema groups
// relations in the SQL namespace (e.g. "sys").
type Schema struct {
	Name   string
	Tables map[string]TableDefinition
}

// Registry holds the known schemas a SystemCollectSource can serve.
type Registry struct {
	schemas map[string]Schema
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{schemas: make(map[string]Schema)}
}

// AddSchema registers schema under its own name, overwriting any schema
// previously registered with that name.
func (r *Registry) AddSchema(s Schema) {
	r.schemas[s.Name] = s
}

func (r *Registry) lookup(schemaName, relationName string) (TableDefinition, error) {
	schema, ok := r.schemas[schemaName]
	if !ok {
		return TableDefinition{}, &collect.SchemaUnknown{Schema: schemaName}
	}
	table, ok := schema.Tables[relationName]
	if !ok {
		return TableDefinition{}, &collect.RelationUnknown{Schema: schemaName, Relation: relationName}
	}
	return table, nil
}

// SystemCollectSource implements collect.CollectSource over a Registry:
// GetIterator resolves the phase's schema/relation, materializes its rows
// in the table's declared column order, and wraps them in a
// CollectingBatchIterator -- rewindable and cancellable the way the core
// expects a CollectSource's output to be.
type SystemCollectSource struct {
	registry *Registry
}

// NewSystemCollectSource builds a SystemCollectSource serving the tables
// in registry.
func NewSystemCollectSource(registry *Registry) *SystemCollectSource {
	return &SystemCollectSource{registry: registry}
}

var _ collect.CollectSource = (*SystemCollectSource)(nil)

// GetIterator resolves phase's schema/relation and materializes its rows.
// task is unused: system tables open no Searcher, so there is nothing to
// register for the task's kill teardown to close. supportMoveToStart is
// likewise accepted but not branched on -- CollectingBatchIterator is
// always rewindable, so the restartability guarantee holds unconditionally.
func (s *SystemCollectSource) GetIterator(ctx context.Context, phase collect.Phase, task *collect.CollectTask, supportMoveToStart bool) (collect.BatchIterator[collect.Row], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	table, err := s.registry.lookup(phase.Schema, phase.Relation)
	if err != nil {
		return nil, err
	}

	records := table.Rows()
	rows := make([]collect.Row, 0, len(records))
	for _, rec := range records {
		cells := make(collect.Rows, len(table.Columns))
		for i, col := range table.Columns {
			cells[i] = rec[col]
		}
		rows = append(rows, cells)
	}

	return collect.NewCollectingBatchIterator(rows), nil
}

// splitRelationName splits a "schema.relation" reference into its two
// parts, defaulting to the "sys" schema when no schema is given.
func splitRelationName(ref string) (schema, relation string) {
	if idx := strings.IndexByte(ref, '.'); idx >= 0 {
		return ref[:idx], ref[idx+1:]
	}
	return "sys", ref
}

// NewPhase builds a Phase targeting ref (either "relation" or
// "schema.relation") at ShardGranularity, which SelectPool routes to the
// short-request GET pool.
func NewPhase(ref string) collect.Phase {
	schema, relation := splitRelationName(ref)
	return collect.NewPhase(fmt.Sprintf("systemcollect(%s)", ref), schema, relation, collect.ShardGranularity)
}
