// Package expr defines the structured predicate tree used for join conditions
// and query filters. Predicates are built with typed constructors; there is no
// runtime evaluation of caller-supplied strings.
package expr

// Op is a comparison or logical operator.
type Op string

const (
	OpEq     Op = "="
	OpNe     Op = "<>"
	OpGt     Op = ">"
	OpGte    Op = ">="
	OpLt     Op = "<"
	OpLte    Op = "<="
	OpIn     Op = "IN"
	OpIsNull Op = "IS NULL"
	OpLike   Op = "LIKE"
)

// Node is a predicate tree node. The concrete types are ColumnRef, Value,
// Param, List, Comparison, And, Or and Not.
type Node interface {
	isNode()
}

// ColumnRef names a column, optionally qualified by a table alias. When Alias
// is empty the column resolves against the statement's driving table.
type ColumnRef struct {
	Alias  string
	Column string
}

// Value is a literal bind value.
type Value struct {
	V any
}

// Param is a named placeholder bound at execution time, used by the lazy
// loader to parameterize a relationship's join predicate with the owning
// instance's key values.
type Param struct {
	Name string
}

// List is an ordered list of bind values, the right-hand side of IN.
type List struct {
	Values []any
}

// Comparison applies Op to a column and a right-hand operand. For OpIsNull
// the right side is nil.
type Comparison struct {
	Left  ColumnRef
	Op    Op
	Right Node
}

// And is the conjunction of its operands.
type And struct {
	Preds []Node
}

// Or is the disjunction of its operands.
type Or struct {
	Preds []Node
}

// Not negates its operand.
type Not struct {
	Pred Node
}

func (ColumnRef) isNode()  {}
func (Value) isNode()      {}
func (Param) isNode()      {}
func (List) isNode()       {}
func (Comparison) isNode() {}
func (And) isNode()        {}
func (Or) isNode()         {}
func (Not) isNode()        {}

// Col builds an unaliased column reference.
func Col(column string) ColumnRef {
	return ColumnRef{Column: column}
}

// AliasedCol builds a column reference scoped to a table alias.
func AliasedCol(alias, column string) ColumnRef {
	return ColumnRef{Alias: alias, Column: column}
}

// Eq compares a column to a literal value.
func Eq(left ColumnRef, v any) Comparison {
	return Comparison{Left: left, Op: OpEq, Right: Value{V: v}}
}

// EqCols compares two columns, the default join-condition term.
func EqCols(left, right ColumnRef) Comparison {
	return Comparison{Left: left, Op: OpEq, Right: right}
}

// EqParam compares a column to a named placeholder.
func EqParam(left ColumnRef, name string) Comparison {
	return Comparison{Left: left, Op: OpEq, Right: Param{Name: name}}
}

// Compare builds a comparison with an explicit operator and literal value.
func Compare(left ColumnRef, op Op, v any) Comparison {
	return Comparison{Left: left, Op: op, Right: Value{V: v}}
}

// InValues tests membership of a column in a literal list.
func InValues(left ColumnRef, values ...any) Comparison {
	return Comparison{Left: left, Op: OpIn, Right: List{Values: values}}
}

// IsNull tests a column for NULL.
func IsNull(left ColumnRef) Comparison {
	return Comparison{Left: left, Op: OpIsNull}
}

// AndOf folds predicates into a conjunction, flattening the degenerate cases:
// zero operands yield nil and a single operand is returned unchanged.
func AndOf(preds ...Node) Node {
	filtered := make([]Node, 0, len(preds))
	for _, p := range preds {
		if p != nil {
			filtered = append(filtered, p)
		}
	}
	switch len(filtered) {
	case 0:
		return nil
	case 1:
		return filtered[0]
	default:
		return And{Preds: filtered}
	}
}

// OrOf folds predicates into a disjunction with the same degenerate handling
// as AndOf.
func OrOf(preds ...Node) Node {
	filtered := make([]Node, 0, len(preds))
	for _, p := range preds {
		if p != nil {
			filtered = append(filtered, p)
		}
	}
	switch len(filtered) {
	case 0:
		return nil
	case 1:
		return filtered[0]
	default:
		return Or{Preds: filtered}
	}
}

// BindParams returns a copy of the tree with every Param replaced by the
// literal value bound under its name. Unbound params are left in place so the
// caller can detect them.
func BindParams(n Node, values map[string]any) Node {
	switch t := n.(type) {
	case nil:
		return nil
	case Comparison:
		if p, ok := t.Right.(Param); ok {
			if v, bound := values[p.Name]; bound {
				t.Right = Value{V: v}
			}
		}
		return t
	case And:
		preds := make([]Node, len(t.Preds))
		for i, p := range t.Preds {
			preds[i] = BindParams(p, values)
		}
		return And{Preds: preds}
	case Or:
		preds := make([]Node, len(t.Preds))
		for i, p := range t.Preds {
			preds[i] = BindParams(p, values)
		}
		return Or{Preds: preds}
	case Not:
		return Not{Pred: BindParams(t.Pred, values)}
	default:
		return n
	}
}
