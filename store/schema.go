package store

import (
	"fmt"
	"time"
)

// FieldType is the value type of a field. The names match the type hints
// accepted by the ordering directive.
type FieldType int

const (
	TypeID FieldType = iota
	TypeString
	TypeBool
	TypeInt
	TypeTime
)

func (t FieldType) String() string {
	switch t {
	case TypeID:
		return "ID"
	case TypeString:
		return "STRING"
	case TypeBool:
		return "BOOL"
	case TypeInt:
		return "INT"
	case TypeTime:
		return "TIME"
	default:
		return "UNKNOWN"
	}
}

// ParseFieldType parses a type hint name.
func ParseFieldType(name string) (FieldType, bool) {
	switch name {
	case "ID":
		return TypeID, true
	case "STRING":
		return TypeString, true
	case "BOOL":
		return TypeBool, true
	case "INT":
		return TypeInt, true
	case "TIME":
		return TypeTime, true
	}
	return 0, false
}

// Field describes one field of a collection. PropID is the numeric property
// tag clients may use instead of the name; zero means none.
type Field struct {
	Name     string
	Column   string
	PropID   uint32
	Type     FieldType
	Nullable bool
}

const (
	FieldID            = "id"
	FieldName          = "name"
	FieldDefaultStore  = "defaultStore"
	FieldStoreID       = "storeId"
	FieldParentID      = "parentId"
	FieldSpecialFolder = "specialFolder"
	FieldCount         = "count"
	FieldUnread        = "unread"
	FieldFolderID      = "folderId"
	FieldSubject       = "subject"
	FieldRead          = "read"
	FieldReceived      = "received"
	FieldModified      = "modified"
	FieldSender        = "sender"
	FieldTo            = "to"
	FieldCc            = "cc"
	FieldPreview       = "preview"
	FieldSize          = "size"
)

// Special folder identifiers.
const (
	SpecialInbox    = "INBOX"
	SpecialDrafts   = "DRAFTS"
	SpecialSent     = "SENT"
	SpecialOutbox   = "OUTBOX"
	SpecialDeleted  = "DELETED"
	SpecialJunk     = "JUNK"
	SpecialArchive  = "ARCHIVE"
	SpecialContacts = "CONTACTS"
)

// SpecialFolders lists the special folder identifiers in display order.
var SpecialFolders = []string{
	SpecialInbox, SpecialDrafts, SpecialSent, SpecialOutbox,
	SpecialDeleted, SpecialJunk, SpecialArchive, SpecialContacts,
}

var schema = map[Collection][]Field{
	Stores: {
		{Name: FieldID, Column: "id", Type: TypeID},
		{Name: FieldName, Column: "name", PropID: 0x3001, Type: TypeString},
		{Name: FieldDefaultStore, Column: "default_store", PropID: 0x3400, Type: TypeBool},
	},
	Folders: {
		{Name: FieldID, Column: "id", Type: TypeID},
		{Name: FieldStoreID, Column: "store_id", Type: TypeID},
		{Name: FieldParentID, Column: "parent_id", Type: TypeID, Nullable: true},
		{Name: FieldName, Column: "name", PropID: 0x3001, Type: TypeString},
		{Name: FieldSpecialFolder, Column: "special_folder", Type: TypeString, Nullable: true},
		{Name: FieldCount, Column: "item_count", PropID: 0x3602, Type: TypeInt},
		{Name: FieldUnread, Column: "unread_count", PropID: 0x3603, Type: TypeInt},
	},
	Items: {
		{Name: FieldID, Column: "id", Type: TypeID},
		{Name: FieldStoreID, Column: "store_id", Type: TypeID},
		{Name: FieldFolderID, Column: "folder_id", Type: TypeID},
		{Name: FieldSubject, Column: "subject", PropID: 0x0037, Type: TypeString},
		{Name: FieldRead, Column: "is_read", PropID: 0x0E69, Type: TypeBool},
		{Name: FieldReceived, Column: "received_at", PropID: 0x0E06, Type: TypeTime},
		{Name: FieldModified, Column: "modified_at", PropID: 0x3008, Type: TypeTime},
		{Name: FieldSender, Column: "sender", PropID: 0x0C1A, Type: TypeString},
		{Name: FieldTo, Column: "to_addrs", PropID: 0x0E04, Type: TypeString},
		{Name: FieldCc, Column: "cc_addrs", PropID: 0x0E03, Type: TypeString},
		{Name: FieldPreview, Column: "preview", PropID: 0x3FD9, Type: TypeString},
		{Name: FieldSize, Column: "size", PropID: 0x0E08, Type: TypeInt},
	},
}

// Collections returns all known collections.
func Collections() []Collection {
	return []Collection{Stores, Folders, Items}
}

// ValidCollection reports whether c is part of the schema.
func ValidCollection(c Collection) bool {
	_, ok := schema[c]
	return ok
}

// Fields returns the field definitions of a collection in schema order.
func Fields(c Collection) []Field {
	return schema[c]
}

// LookupField finds a field by name.
func LookupField(c Collection, name string) (Field, bool) {
	for _, f := range schema[c] {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// LookupProp finds a field by its numeric property tag.
func LookupProp(c Collection, propID uint32) (Field, bool) {
	if propID == 0 {
		return Field{}, false
	}
	for _, f := range schema[c] {
		if f.PropID == propID {
			return f, true
		}
	}
	return Field{}, false
}

// Validate checks a record against its collection schema and normalizes
// integer values to int64.
func Validate(rec *Record) error {
	fields, ok := schema[rec.Collection]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownCollection, rec.Collection)
	}
	if rec.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidRecord)
	}
	if rec.Fields == nil {
		rec.Fields = make(map[string]any)
	}
	for name := range rec.Fields {
		if _, ok := LookupField(rec.Collection, name); !ok || name == FieldID {
			return fmt.Errorf("%w: unknown field %q on %s", ErrInvalidRecord, name, rec.Collection)
		}
	}
	for _, f := range fields {
		if f.Name == FieldID {
			continue
		}
		v := Normalize(rec.Fields[f.Name])
		if v == nil {
			if !f.Nullable {
				rec.Fields[f.Name] = zeroValue(f.Type)
			} else {
				rec.Fields[f.Name] = nil
			}
			continue
		}
		if !typeMatches(f.Type, v) {
			return fmt.Errorf("%w: field %q expects %s, got %T", ErrInvalidRecord, f.Name, f.Type, v)
		}
		rec.Fields[f.Name] = v
	}
	return nil
}

func zeroValue(t FieldType) any {
	switch t {
	case TypeBool:
		return false
	case TypeInt:
		return int64(0)
	case TypeTime:
		return time.Time{}
	default:
		return ""
	}
}

func typeMatches(t FieldType, v any) bool {
	switch v.(type) {
	case string:
		return t == TypeString || t == TypeID
	case bool:
		return t == TypeBool
	case int64:
		return t == TypeInt
	case time.Time:
		return t == TypeTime
	}
	return false
}
