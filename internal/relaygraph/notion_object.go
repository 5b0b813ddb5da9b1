package relaygraph

import (
	"bytes"
	"errors"
	"strings"
	"sync"

	"github.com/mitchellh/mapstructure"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

const notionObjectSchemaURL = "mem://relaygraph/notion-object.json"

// Only the fields the graph depends on are constrained; everything else in a Notion
// object is allowed through and ignored. A property's "title" is rich text on pages
// but an empty configuration object on databases, so only pages constrain it.
const notionObjectSchema = `{
	"type": "object",
	"required": ["object", "id"],
	"properties": {
		"object": {"enum": ["page", "database"]},
		"id": {"type": "string", "minLength": 1},
		"archived": {"type": "boolean"},
		"in_trash": {"type": "boolean"},
		"parent": {
			"type": "object",
			"required": ["type"],
			"properties": {
				"type": {"type": "string"},
				"page_id": {"type": "string"},
				"database_id": {"type": "string"},
				"block_id": {"type": "string"}
			}
		},
		"title": {"type": "array", "items": {"$ref": "#/$defs/richText"}},
		"properties": {
			"type": "object",
			"additionalProperties": {
				"type": "object",
				"properties": {
					"type": {"type": "string"}
				}
			}
		}
	},
	"if": {
		"required": ["object"],
		"properties": {"object": {"const": "page"}}
	},
	"then": {
		"properties": {
			"properties": {
				"additionalProperties": {
					"properties": {
						"title": {"type": "array", "items": {"$ref": "#/$defs/richText"}}
					}
				}
			}
		}
	},
	"$defs": {
		"richText": {
			"type": "object",
			"properties": {"plain_text": {"type": "string"}}
		}
	}
}`

var (
	notionSchemaOnce sync.Once
	notionSchema     *jsonschema.Schema
	notionSchemaErr  error
)

func compiledNotionSchema() (*jsonschema.Schema, error) {
	notionSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(notionObjectSchema))
		if err != nil {
			notionSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(notionObjectSchemaURL, doc); err != nil {
			notionSchemaErr = err
			return
		}
		notionSchema, notionSchemaErr = compiler.Compile(notionObjectSchemaURL)
	})
	return notionSchema, notionSchemaErr
}

type notionRichText struct {
	PlainText string `mapstructure:"plain_text"`
}

type notionProperty struct {
	Type  string `mapstructure:"type"`
	Title any    `mapstructure:"title"`
}

type notionParent struct {
	Type       string `mapstructure:"type"`
	PageID     string `mapstructure:"page_id"`
	DatabaseID string `mapstructure:"database_id"`
	BlockID    string `mapstructure:"block_id"`
}

type notionObject struct {
	Object     string                    `mapstructure:"object"`
	ID         string                    `mapstructure:"id"`
	Archived   bool                      `mapstructure:"archived"`
	InTrash    bool                      `mapstructure:"in_trash"`
	Parent     notionParent              `mapstructure:"parent"`
	Title      []notionRichText          `mapstructure:"title"`
	Properties map[string]notionProperty `mapstructure:"properties"`
}

// decodeNotionObject validates one search result and maps it to a RemoteNode. The
// second return is false for objects that are skipped rather than reported, such as
// archived pages.
func decodeNotionObject(raw []byte) (RemoteNode, bool) {
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return RemoteNode{Invalid: "invalid json: " + err.Error()}, true
	}
	id := ""
	if fields, ok := instance.(map[string]any); ok {
		id, _ = fields["id"].(string)
	}
	schema, err := compiledNotionSchema()
	if err != nil {
		return RemoteNode{ID: id, Invalid: "schema unavailable: " + err.Error()}, true
	}
	if err := schema.Validate(instance); err != nil {
		return RemoteNode{ID: id, Invalid: validationReason(err)}, true
	}

	var object notionObject
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName: "mapstructure",
		Result:  &object,
	})
	if err != nil {
		return RemoteNode{ID: id, Invalid: err.Error()}, true
	}
	if err := decoder.Decode(instance); err != nil {
		return RemoteNode{ID: id, Invalid: firstLine(err.Error())}, true
	}
	if object.Archived || object.InTrash {
		return RemoteNode{}, false
	}
	return RemoteNode{
		ID:       object.ID,
		Title:    object.title(),
		Kind:     object.Object,
		ParentID: object.Parent.id(),
	}, true
}

func (o notionObject) title() string {
	if o.Object == string(KindDatabase) {
		return joinPlainText(o.Title)
	}
	for _, property := range o.Properties {
		if property.Type != "title" {
			continue
		}
		var parts []notionRichText
		if err := mapstructure.Decode(property.Title, &parts); err != nil {
			return ""
		}
		return joinPlainText(parts)
	}
	return ""
}

// id returns the parent node id; workspace-level parents have none.
func (p notionParent) id() string {
	switch p.Type {
	case "page_id":
		return p.PageID
	case "database_id":
		return p.DatabaseID
	case "block_id":
		return p.BlockID
	default:
		return ""
	}
}

func joinPlainText(parts []notionRichText) string {
	var b strings.Builder
	for _, part := range parts {
		b.WriteString(part.PlainText)
	}
	return b.String()
}

// validationReason reports the deepest failing keyword, e.g.
// "at '/properties/Name/title': got object, want array".
func validationReason(err error) string {
	var validationErr *jsonschema.ValidationError
	if !errors.As(err, &validationErr) {
		return firstLine(err.Error())
	}
	for len(validationErr.Causes) > 0 {
		validationErr = validationErr.Causes[0]
	}
	return firstLine(validationErr.Error())
}

func firstLine(message string) string {
	if idx := strings.IndexByte(message, '\n'); idx >= 0 {
		message = message[:idx]
	}
	return strings.TrimSpace(message)
}
