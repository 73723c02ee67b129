package query

import (
	"github.com/migadu/livequery/store"
)

type OperationType int

const (
	OpQuery OperationType = iota + 1
	OpSubscription
)

func (o OperationType) String() string {
	switch o {
	case OpQuery:
		return "query"
	case OpSubscription:
		return "subscription"
	default:
		return "unknown"
	}
}

// Plan is the normalized form of one operation.
type Plan struct {
	Operation OperationType
	Name      string
	Roots     []*Selection
}

// Subscription returns the single root selection of a subscription plan.
func (p *Plan) Subscription() *Selection {
	if p.Operation != OpSubscription || len(p.Roots) == 0 {
		return nil
	}
	return p.Roots[0]
}

// Selection is one collection read with its ordering, bound, filters and
// requested output.
type Selection struct {
	// ResponseKey is the alias or, without one, the field name.
	ResponseKey string
	FieldName   string
	Collection  store.Collection
	// Single selections return one object (or null) instead of a list.
	Single bool
	// ParentField links a nested selection to the id of its parent record.
	ParentField string

	Filters []store.Filter
	Sort    []store.SortKey
	// Limit is store.Unlimited when no count was given.
	Limit int

	Output []OutputField
}

// OutputField is one requested entry of a result object, in request order.
type OutputField struct {
	Key string
	// Name is a schema field name, or "__typename".
	Name   string
	Nested *Selection
}

// TypeName is the GraphQL object type of the selection's records.
func (s *Selection) TypeName() string {
	return TypeNameOf(s.Collection)
}

// EntityFields returns the schema field names the selection renders.
func (s *Selection) EntityFields() []string {
	var out []string
	for _, f := range s.Output {
		if f.Nested == nil && f.Name != typenameField {
			out = append(out, f.Name)
		}
	}
	return out
}

// StoreSelection converts the selection into a store read. parentID is
// applied through ParentField for nested selections.
func (s *Selection) StoreSelection(parentID string) store.Selection {
	filters := make([]store.Filter, 0, len(s.Filters)+1)
	filters = append(filters, s.Filters...)
	if s.ParentField != "" {
		filters = append(filters, store.Filter{Field: s.ParentField, Values: []any{parentID}})
	}
	return store.Selection{
		Collection: s.Collection,
		Filters:    filters,
		Sort:       append([]store.SortKey(nil), s.Sort...),
		Limit:      s.Limit,
	}
}

// TypeNameOf maps a collection to its GraphQL object type.
func TypeNameOf(c store.Collection) string {
	switch c {
	case store.Stores:
		return "Store"
	case store.Folders:
		return "Folder"
	case store.Items:
		return "Item"
	}
	return ""
}

const typenameField = "__typename"
