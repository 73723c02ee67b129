// Package query compiles directive-annotated GraphQL operations into plans.
//
// Only a fixed vocabulary is understood:
//
//	@orderBy(sorts: [{property: {id: 13312}, type: BOOL, descending: true}])
//	@take(count: 10)
//	@filter(ids: ["a", "b"])
//
// plus the collection fields of the mail schema (stores, folders,
// specialFolders, items and their single-record forms). Compilation is a
// pure transformation: it never touches a store.
package query

import (
	"errors"
	"fmt"

	"github.com/migadu/livequery/store"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"
	"github.com/vektah/gqlparser/v2/parser"
)

// Options bounds what a query may request.
type Options struct {
	// MaxTake rejects @take counts above it. Zero disables the check.
	MaxTake int
	// DefaultTake bounds subscriptions that omit @take. Zero leaves them
	// unbounded.
	DefaultTake int
}

type Compiler struct {
	opts Options
}

func NewCompiler(opts Options) *Compiler {
	return &Compiler{opts: opts}
}

var defaultCompiler = NewCompiler(Options{})

// Compile compiles with default options.
func Compile(source, operationName, variablesJSON string) (*Plan, error) {
	return defaultCompiler.Compile(source, operationName, variablesJSON)
}

// compilation carries the state of one Compile call.
type compilation struct {
	opts    Options
	doc     *ast.QueryDocument
	vars    map[string]any
	defined map[string]bool
	op      OperationType
}

// Compile parses source, selects the operation and returns its plan. Every
// failure is a *CompileError.
func (c *Compiler) Compile(source, operationName, variablesJSON string) (*Plan, error) {
	doc, err := parser.ParseQuery(&ast.Source{Name: "query", Input: source})
	if err != nil {
		return nil, syntaxError(err)
	}

	op, err := selectOperation(doc, operationName)
	if err != nil {
		return nil, err
	}

	plan := &Plan{Name: op.Name}
	switch op.Operation {
	case ast.Query:
		plan.Operation = OpQuery
	case ast.Subscription:
		plan.Operation = OpSubscription
	default:
		return nil, errAt(Syntax, op.Position, "%s operations are not supported", op.Operation)
	}

	supplied, err := parseVariables(variablesJSON)
	if err != nil {
		return nil, err
	}

	comp := &compilation{
		opts:    c.opts,
		doc:     doc,
		defined: make(map[string]bool, len(op.VariableDefinitions)),
		op:      plan.Operation,
	}
	for _, def := range op.VariableDefinitions {
		comp.defined[def.Variable] = true
	}
	comp.vars, err = coerceVariables(op.VariableDefinitions, supplied, func(v *ast.Value) (any, error) {
		return literal(v, nil, nil)
	})
	if err != nil {
		return nil, err
	}

	if len(op.Directives) > 0 {
		return nil, errAt(InvalidDirectiveArgument, op.Directives[0].Position, "directive @%s is not allowed on operations", op.Directives[0].Name)
	}

	roots, err := comp.rootFields(op.SelectionSet, map[string]bool{})
	if err != nil {
		return nil, err
	}
	if len(roots) == 0 {
		return nil, errAt(Syntax, op.Position, "operation selects no fields")
	}
	if plan.Operation == OpSubscription && len(roots) != 1 {
		return nil, errAt(Syntax, op.Position, "subscriptions must select exactly one root field, got %d", len(roots))
	}

	seen := make(map[string]bool, len(roots))
	for _, f := range roots {
		key := responseKey(f)
		if seen[key] {
			continue
		}
		seen[key] = true
		sel, err := comp.collection(f, "")
		if err != nil {
			return nil, err
		}
		plan.Roots = append(plan.Roots, sel)
	}
	return plan, nil
}

func syntaxError(err error) *CompileError {
	var gqlErr *gqlerror.Error
	if errors.As(err, &gqlErr) {
		ce := &CompileError{Kind: Syntax, Message: gqlErr.Message}
		if len(gqlErr.Locations) > 0 {
			ce.Line = gqlErr.Locations[0].Line
			ce.Column = gqlErr.Locations[0].Column
		}
		return ce
	}
	return &CompileError{Kind: Syntax, Message: err.Error()}
}

func selectOperation(doc *ast.QueryDocument, name string) (*ast.OperationDefinition, error) {
	if len(doc.Operations) == 0 {
		return nil, &CompileError{Kind: Syntax, Message: "document contains no operations"}
	}
	if name == "" && len(doc.Operations) > 1 {
		return nil, &CompileError{Kind: Syntax, Message: "operation name is required when the document has several operations"}
	}
	op := doc.Operations.ForName(name)
	if op == nil {
		return nil, &CompileError{Kind: Syntax, Message: fmt.Sprintf("unknown operation %q", name)}
	}
	return op, nil
}

// rootFields flattens fragments at the operation level.
func (c *compilation) rootFields(set ast.SelectionSet, visiting map[string]bool) ([]*ast.Field, error) {
	var out []*ast.Field
	for _, s := range set {
		switch s := s.(type) {
		case *ast.Field:
			if s.Name == typenameField {
				continue
			}
			out = append(out, s)
		case *ast.InlineFragment:
			fields, err := c.rootFields(s.SelectionSet, visiting)
			if err != nil {
				return nil, err
			}
			out = append(out, fields...)
		case *ast.FragmentSpread:
			frag, err := c.fragment(s, visiting)
			if err != nil {
				return nil, err
			}
			visiting[frag.Name] = true
			fields, err := c.rootFields(frag.SelectionSet, visiting)
			delete(visiting, frag.Name)
			if err != nil {
				return nil, err
			}
			out = append(out, fields...)
		}
	}
	return out, nil
}

func (c *compilation) fragment(spread *ast.FragmentSpread, visiting map[string]bool) (*ast.FragmentDefinition, error) {
	frag := c.doc.Fragments.ForName(spread.Name)
	if frag == nil {
		return nil, errAt(UnknownField, spread.Position, "unknown fragment %q", spread.Name)
	}
	if visiting[frag.Name] {
		return nil, errAt(Syntax, spread.Position, "fragment %q spreads itself", frag.Name)
	}
	return frag, nil
}

func responseKey(f *ast.Field) string {
	if f.Alias != "" {
		return f.Alias
	}
	return f.Name
}

// collectionField describes a field that reads a collection.
type collectionField struct {
	collection  store.Collection
	single      bool
	parentField string
	special     bool
}

// resolveCollectionField maps a field name under a parent collection ("" for
// the operation root) to the collection it reads.
func resolveCollectionField(parent store.Collection, name string) (collectionField, bool) {
	switch parent {
	case "":
		switch name {
		case "stores":
			return collectionField{collection: store.Stores}, true
		case "store":
			return collectionField{collection: store.Stores, single: true}, true
		case "folders":
			return collectionField{collection: store.Folders}, true
		case "specialFolders":
			return collectionField{collection: store.Folders, special: true}, true
		case "folder":
			return collectionField{collection: store.Folders, single: true}, true
		case "items":
			return collectionField{collection: store.Items}, true
		case "item":
			return collectionField{collection: store.Items, single: true}, true
		}
	case store.Stores:
		switch name {
		case "folders":
			return collectionField{collection: store.Folders, parentField: store.FieldStoreID}, true
		case "specialFolders":
			return collectionField{collection: store.Folders, parentField: store.FieldStoreID, special: true}, true
		}
	case store.Folders:
		if name == "items" {
			return collectionField{collection: store.Items, parentField: store.FieldFolderID}, true
		}
	}
	return collectionField{}, false
}

func (c *compilation) collection(f *ast.Field, parent store.Collection) (*Selection, error) {
	cf, ok := resolveCollectionField(parent, f.Name)
	if !ok {
		owner := "Query"
		if c.op == OpSubscription {
			owner = "Subscription"
		}
		if parent != "" {
			owner = TypeNameOf(parent)
		}
		return nil, errAt(UnknownField, f.Position, "field %q is not defined on %s", f.Name, owner)
	}
	if len(f.SelectionSet) == 0 {
		return nil, errAt(Syntax, f.Position, "field %q must have a selection of subfields", f.Name)
	}

	sel := &Selection{
		ResponseKey: responseKey(f),
		FieldName:   f.Name,
		Collection:  cf.collection,
		Single:      cf.single,
		ParentField: cf.parentField,
		Limit:       store.Unlimited,
	}
	if cf.special {
		sel.Filters = append(sel.Filters, store.Filter{Field: store.FieldSpecialFolder, NotNull: true})
	}

	if err := c.arguments(f, cf, sel); err != nil {
		return nil, err
	}
	if err := c.directives(f.Directives, cf, sel); err != nil {
		return nil, err
	}
	if sel.Single {
		sel.Limit = 1
	}
	if c.op == OpSubscription && parent == "" && sel.Limit == store.Unlimited && c.opts.DefaultTake > 0 {
		sel.Limit = c.opts.DefaultTake
	}

	var err error
	if c.op == OpSubscription && parent == "" {
		err = c.diffOutput(f.SelectionSet, sel, map[string]bool{})
		if err == nil && len(sel.Output) == 0 {
			sel.Output = []OutputField{{Key: store.FieldID, Name: store.FieldID}}
		}
	} else {
		err = c.output(f.SelectionSet, sel, map[string]bool{}, map[string]bool{})
	}
	if err != nil {
		return nil, err
	}
	return sel, nil
}

func (c *compilation) arguments(f *ast.Field, cf collectionField, sel *Selection) error {
	for _, arg := range f.Arguments {
		v, err := literal(arg.Value, c.vars, c.defined)
		if err != nil {
			return err
		}
		switch {
		case arg.Name == "ids" && !cf.single:
			if err := c.idFilter(v, cf, sel, arg.Position); err != nil {
				return err
			}
		case arg.Name == "id" && cf.single:
			id, ok := asString(v)
			if !ok || id == "" {
				return errAt(InvalidDirectiveArgument, arg.Position, "argument id of %q must be an ID", f.Name)
			}
			sel.Filters = append(sel.Filters, store.Filter{Field: store.FieldID, Values: []any{id}})
		case arg.Name == "storeId" && cf.collection == store.Folders && cf.parentField == "":
			id, ok := asString(v)
			if !ok || id == "" {
				return errAt(InvalidDirectiveArgument, arg.Position, "argument storeId of %q must be an ID", f.Name)
			}
			sel.Filters = append(sel.Filters, store.Filter{Field: store.FieldStoreID, Values: []any{id}})
		case arg.Name == "folderId" && cf.collection == store.Items && cf.parentField == "" && !cf.single:
			if err := folderFilter(v, sel, arg.Position); err != nil {
				return err
			}
		default:
			return errAt(InvalidDirectiveArgument, arg.Position, "unknown argument %q on field %q", arg.Name, f.Name)
		}
	}
	return nil
}

// folderFilter accepts a bare folder id or {storeId, objectId}.
func folderFilter(v any, sel *Selection, pos *ast.Position) error {
	if obj, ok := v.(map[string]any); ok {
		for k := range obj {
			if k != "storeId" && k != "objectId" {
				return errAt(InvalidDirectiveArgument, pos, "unknown key %q in folderId", k)
			}
		}
		objectID, ok := asString(obj["objectId"])
		if !ok || objectID == "" {
			return errAt(InvalidDirectiveArgument, pos, "folderId.objectId must be an ID")
		}
		sel.Filters = append(sel.Filters, store.Filter{Field: store.FieldFolderID, Values: []any{objectID}})
		if raw, present := obj["storeId"]; present && raw != nil {
			storeID, ok := asString(raw)
			if !ok || storeID == "" {
				return errAt(InvalidDirectiveArgument, pos, "folderId.storeId must be an ID")
			}
			sel.Filters = append(sel.Filters, store.Filter{Field: store.FieldStoreID, Values: []any{storeID}})
		}
		return nil
	}
	id, ok := asString(v)
	if !ok || id == "" {
		return errAt(InvalidDirectiveArgument, pos, "folderId must be an ID or {storeId, objectId}")
	}
	sel.Filters = append(sel.Filters, store.Filter{Field: store.FieldFolderID, Values: []any{id}})
	return nil
}

// idFilter restricts a collection to a set of ids. On specialFolders the
// ids are special folder identifiers.
func (c *compilation) idFilter(v any, cf collectionField, sel *Selection, pos *ast.Position) error {
	if v == nil {
		return nil
	}
	list := asList(v)
	values := make([]any, 0, len(list))
	for _, e := range list {
		s, ok := asString(e)
		if !ok {
			return errAt(InvalidDirectiveArgument, pos, "ids must be a list of IDs, got %s", describe(e))
		}
		if cf.special && !isSpecialFolder(s) {
			return errAt(InvalidDirectiveArgument, pos, "%q is not a special folder", s)
		}
		values = append(values, s)
	}
	field := store.FieldID
	if cf.special {
		field = store.FieldSpecialFolder
	}
	// An empty list selects nothing.
	if len(values) == 0 {
		sel.Limit = 0
		return nil
	}
	sel.Filters = append(sel.Filters, store.Filter{Field: field, Values: values})
	return nil
}

func (c *compilation) directives(list ast.DirectiveList, cf collectionField, sel *Selection) error {
	seen := make(map[string]bool, len(list))
	for _, d := range list {
		if seen[d.Name] {
			return errAt(InvalidDirectiveArgument, d.Position, "directive @%s given more than once", d.Name)
		}
		seen[d.Name] = true

		var err error
		switch d.Name {
		case "orderBy":
			sel.Sort, err = c.orderBy(d, sel.Collection)
		case "take":
			err = c.take(d, sel)
		case "filter":
			err = c.filterDirective(d, cf, sel)
		default:
			err = errAt(InvalidDirectiveArgument, d.Position, "unknown directive @%s", d.Name)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *compilation) orderBy(d *ast.Directive, coll store.Collection) ([]store.SortKey, error) {
	var sortsArg *ast.Argument
	for _, arg := range d.Arguments {
		if arg.Name != "sorts" {
			return nil, errAt(InvalidDirectiveArgument, arg.Position, "unknown argument %q on @orderBy", arg.Name)
		}
		sortsArg = arg
	}
	if sortsArg == nil {
		return nil, errAt(InvalidDirectiveArgument, d.Position, "@orderBy requires a sorts argument")
	}
	v, err := literal(sortsArg.Value, c.vars, c.defined)
	if err != nil {
		return nil, err
	}

	var keys []store.SortKey
	for i, e := range asList(v) {
		entry, ok := e.(map[string]any)
		if !ok {
			return nil, errAt(InvalidDirectiveArgument, sortsArg.Position, "sorts[%d] must be an object, got %s", i, describe(e))
		}
		key, err := sortKey(entry, coll)
		if err != nil {
			err.Message = fmt.Sprintf("sorts[%d]: %s", i, err.Message)
			if err.Line == 0 && sortsArg.Position != nil {
				err.Line, err.Column = sortsArg.Position.Line, sortsArg.Position.Column
			}
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func sortKey(entry map[string]any, coll store.Collection) (store.SortKey, *CompileError) {
	var key store.SortKey
	for k := range entry {
		switch k {
		case "property", "type", "descending":
		default:
			return key, &CompileError{Kind: InvalidDirectiveArgument, Message: fmt.Sprintf("unknown key %q", k)}
		}
	}

	prop, ok := entry["property"].(map[string]any)
	if !ok {
		return key, &CompileError{Kind: InvalidDirectiveArgument, Message: "property must be an object with id or name"}
	}
	var field store.Field
	switch {
	case prop["id"] != nil:
		id, ok := asInt(prop["id"])
		if !ok || id <= 0 || id > 0xFFFF {
			return key, &CompileError{Kind: InvalidDirectiveArgument, Message: "property.id must be a positive 16-bit integer"}
		}
		field, ok = store.LookupProp(coll, uint32(id))
		if !ok {
			return key, &CompileError{Kind: UnknownField, Message: fmt.Sprintf("property id %d is not defined on %s", id, TypeNameOf(coll))}
		}
	case prop["name"] != nil:
		name, ok := asString(prop["name"])
		if !ok {
			return key, &CompileError{Kind: InvalidDirectiveArgument, Message: "property.name must be a string"}
		}
		field, ok = store.LookupField(coll, name)
		if !ok {
			return key, &CompileError{Kind: UnknownField, Message: fmt.Sprintf("field %q is not defined on %s", name, TypeNameOf(coll))}
		}
	default:
		return key, &CompileError{Kind: InvalidDirectiveArgument, Message: "property requires id or name"}
	}

	if raw, present := entry["type"]; present && raw != nil {
		hint, ok := asString(raw)
		if !ok {
			return key, &CompileError{Kind: InvalidDirectiveArgument, Message: "type must be a type name"}
		}
		t, known := store.ParseFieldType(hint)
		if !known {
			return key, &CompileError{Kind: InvalidDirectiveArgument, Message: fmt.Sprintf("unknown type %q", hint)}
		}
		if !compatibleTypes(t, field.Type) {
			return key, &CompileError{Kind: InvalidDirectiveArgument, Message: fmt.Sprintf("type %s does not match %s field %q", t, field.Type, field.Name)}
		}
	}

	if raw, present := entry["descending"]; present && raw != nil {
		desc, ok := asBool(raw)
		if !ok {
			return key, &CompileError{Kind: InvalidDirectiveArgument, Message: "descending must be a boolean"}
		}
		key.Descending = desc
	}
	key.Field = field.Name
	return key, nil
}

func compatibleTypes(hint, actual store.FieldType) bool {
	if hint == actual {
		return true
	}
	str := func(t store.FieldType) bool { return t == store.TypeID || t == store.TypeString }
	return str(hint) && str(actual)
}

func (c *compilation) take(d *ast.Directive, sel *Selection) error {
	var countArg *ast.Argument
	for _, arg := range d.Arguments {
		if arg.Name != "count" {
			return errAt(InvalidDirectiveArgument, arg.Position, "unknown argument %q on @take", arg.Name)
		}
		countArg = arg
	}
	if countArg == nil {
		return errAt(InvalidDirectiveArgument, d.Position, "@take requires a count argument")
	}
	v, err := literal(countArg.Value, c.vars, c.defined)
	if err != nil {
		return err
	}
	n, ok := v.(int64)
	if !ok {
		return errAt(InvalidDirectiveArgument, countArg.Position, "@take count must be an integer, got %s", describe(v))
	}
	if n < 0 {
		return errAt(InvalidDirectiveArgument, countArg.Position, "@take count must not be negative, got %d", n)
	}
	if c.opts.MaxTake > 0 && n > int64(c.opts.MaxTake) {
		return errAt(InvalidDirectiveArgument, countArg.Position, "@take count %d exceeds the maximum of %d", n, c.opts.MaxTake)
	}
	// An empty id filter already forced the selection empty.
	if sel.Limit != 0 {
		sel.Limit = int(n)
	}
	return nil
}

func (c *compilation) filterDirective(d *ast.Directive, cf collectionField, sel *Selection) error {
	if cf.single {
		return errAt(InvalidDirectiveArgument, d.Position, "@filter is not allowed on single-record fields")
	}
	var idsArg *ast.Argument
	for _, arg := range d.Arguments {
		if arg.Name != "ids" {
			return errAt(InvalidDirectiveArgument, arg.Position, "unknown argument %q on @filter", arg.Name)
		}
		idsArg = arg
	}
	if idsArg == nil {
		return errAt(InvalidDirectiveArgument, d.Position, "@filter requires an ids argument")
	}
	v, err := literal(idsArg.Value, c.vars, c.defined)
	if err != nil {
		return err
	}
	return c.idFilter(v, cf, sel, idsArg.Position)
}

// output compiles the entity selection of a collection field.
func (c *compilation) output(set ast.SelectionSet, sel *Selection, keys map[string]bool, visiting map[string]bool) error {
	for _, s := range set {
		switch s := s.(type) {
		case *ast.Field:
			if err := c.outputField(s, sel, keys); err != nil {
				return err
			}
		case *ast.InlineFragment:
			if s.TypeCondition != "" && s.TypeCondition != sel.TypeName() {
				return errAt(UnknownField, s.Position, "type %q does not apply to %s", s.TypeCondition, sel.TypeName())
			}
			if err := c.output(s.SelectionSet, sel, keys, visiting); err != nil {
				return err
			}
		case *ast.FragmentSpread:
			frag, err := c.fragment(s, visiting)
			if err != nil {
				return err
			}
			if frag.TypeCondition != sel.TypeName() {
				return errAt(UnknownField, s.Position, "fragment %q on %s does not apply to %s", frag.Name, frag.TypeCondition, sel.TypeName())
			}
			visiting[frag.Name] = true
			err = c.output(frag.SelectionSet, sel, keys, visiting)
			delete(visiting, frag.Name)
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *compilation) outputField(f *ast.Field, sel *Selection, keys map[string]bool) error {
	key := responseKey(f)
	if keys[key] {
		return nil
	}
	if len(f.Directives) > 0 {
		return errAt(InvalidDirectiveArgument, f.Directives[0].Position, "directive @%s is not allowed on field %q", f.Directives[0].Name, f.Name)
	}

	if f.Name == typenameField {
		keys[key] = true
		sel.Output = append(sel.Output, OutputField{Key: key, Name: typenameField})
		return nil
	}
	if _, ok := store.LookupField(sel.Collection, f.Name); ok {
		if len(f.SelectionSet) > 0 {
			return errAt(Syntax, f.Position, "scalar field %q cannot have a selection", f.Name)
		}
		if len(f.Arguments) > 0 {
			return errAt(InvalidDirectiveArgument, f.Arguments[0].Position, "field %q takes no arguments", f.Name)
		}
		keys[key] = true
		sel.Output = append(sel.Output, OutputField{Key: key, Name: f.Name})
		return nil
	}
	if _, ok := resolveCollectionField(sel.Collection, f.Name); ok {
		if c.op == OpSubscription {
			return errAt(Syntax, f.Position, "nested collection %q is not supported in subscriptions", f.Name)
		}
		nested, err := c.collection(f, sel.Collection)
		if err != nil {
			return err
		}
		keys[key] = true
		sel.Output = append(sel.Output, OutputField{Key: key, Name: f.Name, Nested: nested})
		return nil
	}
	return errAt(UnknownField, f.Position, "field %q is not defined on %s", f.Name, sel.TypeName())
}

// Diff event type names usable as fragment conditions in subscriptions.
const (
	TypeItemAdded     = "ItemAdded"
	TypeItemUpdated   = "ItemUpdated"
	TypeItemRemoved   = "ItemRemoved"
	TypeItemsReloaded = "ItemsReloaded"
)

func isDiffType(name string) bool {
	switch name {
	case TypeItemAdded, TypeItemUpdated, TypeItemRemoved, TypeItemsReloaded:
		return true
	}
	return false
}

// diffOutput compiles the selection of a subscription root field. Entity
// fields may be listed directly or inside diff event fragments; the result
// is their union.
func (c *compilation) diffOutput(set ast.SelectionSet, sel *Selection, visiting map[string]bool) error {
	keys := make(map[string]bool)
	for _, s := range set {
		switch s := s.(type) {
		case *ast.Field:
			if err := c.outputField(s, sel, keys); err != nil {
				return err
			}
		case *ast.InlineFragment:
			if isDiffType(s.TypeCondition) {
				if err := c.diffFragment(s.TypeCondition, s.SelectionSet, sel, keys, visiting); err != nil {
					return err
				}
				continue
			}
			if s.TypeCondition != "" && s.TypeCondition != sel.TypeName() {
				return errAt(UnknownField, s.Position, "type %q does not apply to subscription field %q", s.TypeCondition, sel.FieldName)
			}
			if err := c.output(s.SelectionSet, sel, keys, visiting); err != nil {
				return err
			}
		case *ast.FragmentSpread:
			frag, err := c.fragment(s, visiting)
			if err != nil {
				return err
			}
			visiting[frag.Name] = true
			switch {
			case isDiffType(frag.TypeCondition):
				err = c.diffFragment(frag.TypeCondition, frag.SelectionSet, sel, keys, visiting)
			case frag.TypeCondition == sel.TypeName():
				err = c.output(frag.SelectionSet, sel, keys, visiting)
			default:
				err = errAt(UnknownField, s.Position, "fragment %q on %s does not apply to subscription field %q", frag.Name, frag.TypeCondition, sel.FieldName)
			}
			delete(visiting, frag.Name)
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *compilation) diffFragment(typ string, set ast.SelectionSet, sel *Selection, keys map[string]bool, visiting map[string]bool) error {
	for _, s := range set {
		switch s := s.(type) {
		case *ast.Field:
			switch {
			case s.Name == typenameField:
			case s.Name == "index" && typ != TypeItemsReloaded:
			case s.Name == "removed" && typ == TypeItemRemoved:
			case s.Name == "added" && typ == TypeItemAdded,
				s.Name == "updated" && typ == TypeItemUpdated,
				s.Name == "reloaded" && typ == TypeItemsReloaded:
				if len(s.SelectionSet) == 0 {
					return errAt(Syntax, s.Position, "field %q must have a selection of subfields", s.Name)
				}
				if err := c.output(s.SelectionSet, sel, keys, visiting); err != nil {
					return err
				}
			default:
				return errAt(UnknownField, s.Position, "field %q is not defined on %s", s.Name, typ)
			}
		case *ast.InlineFragment:
			if s.TypeCondition != "" && s.TypeCondition != typ {
				return errAt(UnknownField, s.Position, "type %q does not apply to %s", s.TypeCondition, typ)
			}
			if err := c.diffFragment(typ, s.SelectionSet, sel, keys, visiting); err != nil {
				return err
			}
		case *ast.FragmentSpread:
			frag, err := c.fragment(s, visiting)
			if err != nil {
				return err
			}
			if frag.TypeCondition != typ {
				return errAt(UnknownField, s.Position, "fragment %q on %s does not apply to %s", frag.Name, frag.TypeCondition, typ)
			}
			visiting[frag.Name] = true
			err = c.diffFragment(typ, frag.SelectionSet, sel, keys, visiting)
			delete(visiting, frag.Name)
			if err != nil {
				return err
			}
		}
	}
	return nil
}
