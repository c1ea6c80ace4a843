package store

// Operator compares a field against a value.
type Operator string

const (
	OpEq         Operator = "eq"
	OpNe         Operator = "ne"
	OpLt         Operator = "lt"
	OpLte        Operator = "lte"
	OpGt         Operator = "gt"
	OpGte        Operator = "gte"
	OpIn         Operator = "in"
	OpNotIn      Operator = "not_in"
	OpContains   Operator = "contains"
	OpStartsWith Operator = "starts_with"
	OpEndsWith   Operator = "ends_with"
)

// Connector joins a condition to the rest of the clause.
type Connector string

const (
	And Connector = "AND"
	Or  Connector = "OR"
)

// Where is one condition of a filter. Every AND condition must hold and, if
// any OR conditions are present, at least one of them must hold. An empty
// Connector means AND.
type Where struct {
	Field     string
	Operator  Operator
	Value     any
	Connector Connector
}

func Eq(field string, v any) Where  { return Where{Field: field, Operator: OpEq, Value: v} }
func Ne(field string, v any) Where  { return Where{Field: field, Operator: OpNe, Value: v} }
func Lt(field string, v any) Where  { return Where{Field: field, Operator: OpLt, Value: v} }
func Lte(field string, v any) Where { return Where{Field: field, Operator: OpLte, Value: v} }
func Gt(field string, v any) Where  { return Where{Field: field, Operator: OpGt, Value: v} }
func Gte(field string, v any) Where { return Where{Field: field, Operator: OpGte, Value: v} }

// In matches when the field equals any of values.
func In[T any](field string, values ...T) Where {
	vs := make([]any, len(values))
	for i, v := range values {
		vs[i] = v
	}
	return Where{Field: field, Operator: OpIn, Value: vs}
}

// NotIn matches when the field equals none of values.
func NotIn[T any](field string, values ...T) Where {
	w := In(field, values...)
	w.Operator = OpNotIn
	return w
}

// AnyOf marks w as an OR condition.
func AnyOf(w Where) Where {
	w.Connector = Or
	return w
}

// Split partitions a clause into its AND and OR groups.
func Split(where []Where) (and, or []Where) {
	for _, w := range where {
		if w.Connector == Or {
			or = append(or, w)
		} else {
			and = append(and, w)
		}
	}
	return and, or
}
