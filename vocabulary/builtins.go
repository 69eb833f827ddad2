package vocabulary

import (
	"context"
	"fmt"
)

// TypeSpec seeds one vocabulary entry.
type TypeSpec struct {
	RelType     string
	Category    string
	Description string
}

// BuiltinTypes is the seed vocabulary. Builtins are never pruned
// automatically, though curators may merge or deactivate them.
var BuiltinTypes = []TypeSpec{
	{"RELATES_TO", "structural", "generic association between concepts"},
	{"PART_OF", "structural", "component or member of a larger whole"},
	{"CONTAINS", "structural", "whole that includes the target as a part"},
	{"INSTANCE_OF", "structural", "specific example of a general concept"},
	{"SIMILAR_TO", "semantic", "resembles the target in meaning or form"},
	{"CONTRASTS_WITH", "semantic", "stands in opposition or tension with"},
	{"DERIVES_FROM", "semantic", "originates or develops from the target"},
	{"CAUSES", "causal", "produces the target as an effect"},
	{"ENABLES", "causal", "makes the target possible"},
	{"PREVENTS", "causal", "blocks or inhibits the target"},
	{"INFLUENCES", "causal", "affects the target without determining it"},
	{"PRECEDES", "temporal", "comes before the target in time"},
	{"FOLLOWS", "temporal", "comes after the target in time"},
	{"TEACHES", "social", "instructs or transmits knowledge to"},
	{"AUTHORED", "social", "created or wrote the target work"},
	{"MENTIONS", "social", "refers to the target"},
	{"SUPPORTS", "epistemic", "provides evidence or argument for"},
	{"REFUTES", "epistemic", "provides evidence or argument against"},
	{"EXEMPLIFIES", "epistemic", "serves as an illustrative case of"},
	{"DEFINES", "epistemic", "gives the meaning or criteria of"},
}

// Bootstrap inserts any missing builtin types. It is idempotent and safe
// to run at every startup.
func (m *Manager) Bootstrap(ctx context.Context, specs []TypeSpec) error {
	if specs == nil {
		specs = BuiltinTypes
	}
	for _, s := range specs {
		normalized := NormalizeType(s.RelType)
		var exists int
		err := m.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM vocabulary WHERE rel_type = ?`, normalized).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check builtin %s: %w", normalized, err)
		}
		if exists > 0 {
			continue
		}
		if err := m.AddType(ctx, normalized, s.Category, s.Description, true); err != nil {
			return err
		}
	}
	return nil
}
