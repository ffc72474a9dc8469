// Package openapi provides reflective OpenAPI 3.0 specification generation.
package openapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// Generator
// =============================================================================

// Generator produces OpenAPI 3.0 specifications by reflecting on registered resources.
type Generator struct {
	title       string
	version     string
	description string
	basePath    string
	servers     []string
	resources   []ResourceInfo
	mu          sync.RWMutex
	cachedSpec  *openapi3.T
}

// ResourceInfo holds information about a registered resource for OpenAPI generation.
// Nil request models disable the matching operation.
type ResourceInfo struct {
	Name          string // Collection name (e.g., "deployments")
	Model         any    // Response body for a single resource
	CreateRequest any    // POST /{name}
	UpdateRequest any    // PATCH /{name}/{id}
	ListMeta      any    // Page metadata returned next to "data"
	ListFilters   []string
	SupportsFind  bool // GET /{name} and GET /{name}/{id}
}

// Option configures the generator.
type Option func(*Generator)

// WithTitle sets the API title.
func WithTitle(title string) Option {
	return func(g *Generator) {
		g.title = title
	}
}

// WithVersion sets the API version.
func WithVersion(version string) Option {
	return func(g *Generator) {
		g.version = version
	}
}

// WithDescription sets the API description.
func WithDescription(description string) Option {
	return func(g *Generator) {
		g.description = description
	}
}

// WithServer adds a server URL.
func WithServer(url string) Option {
	return func(g *Generator) {
		g.servers = append(g.servers, url)
	}
}

// WithBasePath sets the prefix resource paths are mounted under.
func WithBasePath(path string) Option {
	return func(g *Generator) {
		g.basePath = strings.TrimSuffix(path, "/")
	}
}

// NewGenerator creates a new OpenAPI generator.
func NewGenerator(opts ...Option) *Generator {
	g := &Generator{
		title:       "Atlas API",
		version:     "1.0.0",
		description: "Deployment tracking for the Atlas catalog",
		basePath:    "/api/v1",
		resources:   make([]ResourceInfo, 0),
	}

	for _, opt := range opts {
		opt(g)
	}

	return g
}

// RegisterResource adds a resource to the generator for spec generation.
func (g *Generator) RegisterResource(info ResourceInfo) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resources = append(g.resources, info)
	g.cachedSpec = nil
}

// Generate produces the complete OpenAPI 3.0 specification.
func (g *Generator) Generate() *openapi3.T {
	g.mu.RLock()
	if g.cachedSpec != nil {
		spec := g.cachedSpec
		g.mu.RUnlock()
		return spec
	}
	g.mu.RUnlock()

	g.mu.Lock()
	defer g.mu.Unlock()

	// Double-check after acquiring write lock
	if g.cachedSpec != nil {
		return g.cachedSpec
	}

	spec := &openapi3.T{
		OpenAPI: "3.0.3",
		Info: &openapi3.Info{
			Title:       g.title,
			Version:     g.version,
			Description: g.description,
		},
		Servers: make(openapi3.Servers, 0, len(g.servers)),
		Paths:   &openapi3.Paths{},
		Components: &openapi3.Components{
			Schemas: make(openapi3.Schemas),
		},
	}

	for _, url := range g.servers {
		spec.Servers = append(spec.Servers, &openapi3.Server{URL: url})
	}

	g.addCommonSchemas(spec)

	for _, res := range g.resources {
		g.addResourceToSpec(spec, res)
	}

	g.cachedSpec = spec
	return spec
}

// JSON renders the document as JSON.
func (g *Generator) JSON() ([]byte, error) {
	return json.Marshal(g.Generate())
}

// YAML renders the document as YAML. The JSON form is decoded into a
// yaml.Node first so key order follows the JSON encoding.
func (g *Generator) YAML() ([]byte, error) {
	data, err := g.JSON()
	if err != nil {
		return nil, err
	}
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("convert openapi spec to yaml: %w", err)
	}
	return yaml.Marshal(&node)
}

// Handler returns an HTTP handler that serves the OpenAPI specification as JSON.
func (g *Generator) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		spec := g.Generate()

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "*")

		if err := json.NewEncoder(w).Encode(spec); err != nil {
			http.Error(w, "Failed to encode OpenAPI spec", http.StatusInternalServerError)
		}
	}
}

// YAMLHandler returns an HTTP handler that serves the OpenAPI specification as YAML.
func (g *Generator) YAMLHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := g.YAML()
		if err != nil {
			http.Error(w, "Failed to encode OpenAPI spec", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/yaml")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Write(data)
	}
}

// =============================================================================
// Schema Generation
// =============================================================================

func schemaRef(name string) *openapi3.SchemaRef {
	return &openapi3.SchemaRef{Ref: "#/components/schemas/" + name}
}

// addCommonSchemas adds the error schema shared by every operation.
func (g *Generator) addCommonSchemas(spec *openapi3.T) {
	spec.Components.Schemas["Error"] = &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type: &openapi3.Types{"object"},
			Properties: openapi3.Schemas{
				"error": &openapi3.SchemaRef{
					Value: &openapi3.Schema{Type: &openapi3.Types{"string"}},
				},
				"code": &openapi3.SchemaRef{
					Value: &openapi3.Schema{Type: &openapi3.Types{"string"}},
				},
				"fields": &openapi3.SchemaRef{
					Value: &openapi3.Schema{
						Type: &openapi3.Types{"object"},
						AdditionalProperties: openapi3.AdditionalProperties{
							Schema: &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}}},
						},
					},
				},
			},
			Required: []string{"error", "code"},
		},
	}
}

// addResourceToSpec adds paths and schemas for a resource.
func (g *Generator) addResourceToSpec(spec *openapi3.T, res ResourceInfo) {
	basePath := g.basePath + "/" + res.Name
	schemaName := capitalize(singularize(res.Name))

	spec.Components.Schemas[schemaName] = g.extractSchema(res.Model)

	collectionPath := &openapi3.PathItem{}
	itemPath := &openapi3.PathItem{
		Parameters: openapi3.Parameters{
			&openapi3.ParameterRef{
				Value: openapi3.NewPathParameter("id").
					WithSchema(&openapi3.Schema{Type: &openapi3.Types{"integer"}, Format: "int64"}),
			},
		},
	}

	if res.SupportsFind {
		listName := schemaName + "List"
		list := &openapi3.Schema{
			Type: &openapi3.Types{"object"},
			Properties: openapi3.Schemas{
				"data": &openapi3.SchemaRef{
					Value: &openapi3.Schema{
						Type:  &openapi3.Types{"array"},
						Items: schemaRef(schemaName),
					},
				},
			},
			Required: []string{"data"},
		}
		if res.ListMeta != nil {
			spec.Components.Schemas["PageMeta"] = g.extractSchema(res.ListMeta)
			list.Properties["meta"] = schemaRef("PageMeta")
			list.Required = append(list.Required, "meta")
		}
		spec.Components.Schemas[listName] = &openapi3.SchemaRef{Value: list}

		collectionPath.Get = g.createListOperation(res, listName)
		itemPath.Get = g.createGetOperation(res, schemaName)
	}
	if res.CreateRequest != nil {
		spec.Components.Schemas["Create"+schemaName+"Request"] = g.extractSchema(res.CreateRequest)
		collectionPath.Post = g.createCreateOperation(res, schemaName)
	}
	if res.UpdateRequest != nil {
		spec.Components.Schemas["Update"+schemaName+"Request"] = g.extractSchema(res.UpdateRequest)
		itemPath.Patch = g.createUpdateOperation(res, schemaName)
	}

	spec.Paths.Set(basePath, collectionPath)
	spec.Paths.Set(basePath+"/{id}", itemPath)
}

var (
	timeType       = reflect.TypeOf(time.Time{})
	rawMessageType = reflect.TypeOf(json.RawMessage{})
)

// extractSchema extracts an OpenAPI schema from a Go struct.
func (g *Generator) extractSchema(model any) *openapi3.SchemaRef {
	t := reflect.TypeOf(model)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	schema := &openapi3.Schema{
		Type:       &openapi3.Types{"object"},
		Properties: make(openapi3.Schemas),
	}

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)

		if !field.IsExported() {
			continue
		}

		jsonTag := field.Tag.Get("json")
		if jsonTag == "-" {
			continue
		}

		name := field.Name
		if jsonTag != "" {
			parts := strings.Split(jsonTag, ",")
			if parts[0] != "" {
				name = parts[0]
			}
		}

		propSchema := g.goTypeToSchema(field.Type)
		if propSchema != nil {
			schema.Properties[name] = propSchema
		}
	}

	return &openapi3.SchemaRef{Value: schema}
}

// goTypeToSchema converts a Go type to an OpenAPI schema.
func (g *Generator) goTypeToSchema(t reflect.Type) *openapi3.SchemaRef {
	// Raw JSON fields on this API always carry objects.
	if t == rawMessageType {
		return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"object"}, Nullable: true}}
	}

	switch t.Kind() {
	case reflect.String:
		return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}}}

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32:
		return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}, Format: "int32"}}

	case reflect.Int64:
		return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}, Format: "int64"}}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}}}

	case reflect.Float32:
		return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"number"}, Format: "float"}}

	case reflect.Float64:
		return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"number"}, Format: "double"}}

	case reflect.Bool:
		return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"boolean"}}}

	case reflect.Slice, reflect.Array:
		elemSchema := g.goTypeToSchema(t.Elem())
		return &openapi3.SchemaRef{
			Value: &openapi3.Schema{
				Type:  &openapi3.Types{"array"},
				Items: elemSchema,
			},
		}

	case reflect.Map:
		valueSchema := g.goTypeToSchema(t.Elem())
		return &openapi3.SchemaRef{
			Value: &openapi3.Schema{
				Type:                 &openapi3.Types{"object"},
				Nullable:             true,
				AdditionalProperties: openapi3.AdditionalProperties{Schema: valueSchema},
			},
		}

	case reflect.Ptr:
		schema := g.goTypeToSchema(t.Elem())
		if schema != nil && schema.Value != nil {
			schema.Value.Nullable = true
		}
		return schema

	case reflect.Interface:
		// Any JSON value.
		return &openapi3.SchemaRef{Value: &openapi3.Schema{}}

	case reflect.Struct:
		if t == timeType {
			return &openapi3.SchemaRef{
				Value: &openapi3.Schema{Type: &openapi3.Types{"string"}, Format: "date-time"},
			}
		}
		return g.extractSchema(reflect.New(t).Interface())

	default:
		return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"object"}}}
	}
}

// =============================================================================
// Operation Generation
// =============================================================================

func jsonResponse(description, schema string) *openapi3.ResponseRef {
	return &openapi3.ResponseRef{
		Value: openapi3.NewResponse().
			WithDescription(description).
			WithJSONSchemaRef(schemaRef(schema)),
	}
}

func responses(entries map[int]*openapi3.ResponseRef) *openapi3.Responses {
	r := &openapi3.Responses{}
	for status, ref := range entries {
		r.Set(fmt.Sprint(status), ref)
	}
	return r
}

func jsonBody(schema string, required bool) *openapi3.RequestBodyRef {
	return &openapi3.RequestBodyRef{
		Value: &openapi3.RequestBody{
			Required: required,
			Content:  openapi3.NewContentWithJSONSchemaRef(schemaRef(schema)),
		},
	}
}

func integerQuery(name string, def any) *openapi3.ParameterRef {
	schema := &openapi3.Schema{Type: &openapi3.Types{"integer"}, Default: def}
	return &openapi3.ParameterRef{Value: openapi3.NewQueryParameter(name).WithSchema(schema)}
}

func (g *Generator) createListOperation(res ResourceInfo, listName string) *openapi3.Operation {
	params := openapi3.Parameters{
		integerQuery("page", 1),
		integerQuery("per_page", nil),
	}
	for _, filter := range res.ListFilters {
		params = append(params, integerQuery(filter, nil))
	}

	return &openapi3.Operation{
		OperationID: "list" + capitalize(res.Name),
		Summary:     "List " + res.Name,
		Tags:        []string{capitalize(res.Name)},
		Parameters:  params,
		Responses: responses(map[int]*openapi3.ResponseRef{
			http.StatusOK:                  jsonResponse("One page of "+res.Name, listName),
			http.StatusUnprocessableEntity: jsonResponse("Invalid query parameters", "Error"),
		}),
	}
}

func (g *Generator) createGetOperation(res ResourceInfo, schemaName string) *openapi3.Operation {
	return &openapi3.Operation{
		OperationID: "get" + schemaName,
		Summary:     "Get a " + singularize(res.Name),
		Tags:        []string{capitalize(res.Name)},
		Responses: responses(map[int]*openapi3.ResponseRef{
			http.StatusOK:       jsonResponse("The "+singularize(res.Name), schemaName),
			http.StatusNotFound: jsonResponse("Unknown id", "Error"),
		}),
	}
}

func (g *Generator) createCreateOperation(res ResourceInfo, schemaName string) *openapi3.Operation {
	return &openapi3.Operation{
		OperationID: "create" + schemaName,
		Summary:     "Create a " + singularize(res.Name),
		Tags:        []string{capitalize(res.Name)},
		RequestBody: jsonBody("Create"+schemaName+"Request", true),
		Responses: responses(map[int]*openapi3.ResponseRef{
			http.StatusCreated:             jsonResponse("Created", schemaName),
			http.StatusBadRequest:          jsonResponse("Malformed JSON", "Error"),
			http.StatusUnprocessableEntity: jsonResponse("Validation failed", "Error"),
		}),
	}
}

func (g *Generator) createUpdateOperation(res ResourceInfo, schemaName string) *openapi3.Operation {
	return &openapi3.Operation{
		OperationID: "update" + schemaName,
		Summary:     "Update a " + singularize(res.Name),
		Tags:        []string{capitalize(res.Name)},
		RequestBody: jsonBody("Update"+schemaName+"Request", false),
		Responses: responses(map[int]*openapi3.ResponseRef{
			http.StatusOK:                  jsonResponse("Updated", schemaName),
			http.StatusBadRequest:          jsonResponse("Malformed JSON", "Error"),
			http.StatusNotFound:            jsonResponse("Unknown id", "Error"),
			http.StatusUnprocessableEntity: jsonResponse("Validation failed", "Error"),
		}),
	}
}

// =============================================================================
// Helpers
// =============================================================================

// capitalize returns the string with the first letter capitalized.
func capitalize(s string) string {
	if s == "" {
		return ""
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// singularize performs basic singularization (removes trailing 's').
func singularize(s string) string {
	if strings.HasSuffix(s, "ies") {
		return s[:len(s)-3] + "y"
	}
	if strings.HasSuffix(s, "s") {
		return s[:len(s)-1]
	}
	return s
}
