package parser

// FieldName is the name of an event stream field.
type FieldName string

// A Field represents an unprocessed field of a single event. The Name is the field's identifier, which is used to
// process the fields afterwards.
type Field struct {
	Name  FieldName
	Value string
}

const (
	FieldNameData  = FieldName("data")
	FieldNameEvent = FieldName("event")
	FieldNameRetry = FieldName("retry")
	FieldNameID    = FieldName("id")
)

// EventEnd is not an actual field. If a parser's Next method yields an EventEnd
// field it means that all the fields parsed before this one are part of a single event.
//
// The EventEnd field has no meaning outside parsing.
var EventEnd = Field{}

func fieldName(s string) (FieldName, bool) {
	switch name := FieldName(s); name {
	case FieldNameData, FieldNameEvent, FieldNameRetry, FieldNameID:
		return name, true
	default:
		return "", false
	}
}
