package apidesign

import "reqline/internal/domain"

const (
	ItemsPath      = "/items"
	defaultTitle   = "resource"
	openAPIVersion = "3.0.0"
)

type route struct {
	action domain.Action
	method string
	op     domain.Operation
}

// routes lists which actions map onto /items. update and archive have no
// method yet; see Unmapped.
var routes = []route{
	{domain.ActionCreate, "post", domain.Operation{
		Description: "Create item",
		Responses:   map[string]domain.Response{"201": {Description: "Created"}},
	}},
	{domain.ActionRead, "get", domain.Operation{
		Description: "List items",
		Responses:   map[string]domain.Response{"200": {Description: "OK"}},
	}},
	{domain.ActionDelete, "delete", domain.Operation{
		Description: "Delete item",
		Responses:   map[string]domain.Response{"204": {Description: "No Content"}},
	}},
}

// Synthesize builds the minimal API description implied by the detected actions.
func Synthesize(p domain.ParsedRequirement) domain.APISpec {
	spec := domain.APISpec{
		OpenAPI: openAPIVersion,
		Info:    domain.APIInfo{Title: "Generated API", Version: "0.1"},
		Title:   defaultTitle,
		Paths:   map[string]domain.PathItem{},
	}
	if len(p.Actions) > 0 {
		spec.Title = string(p.Actions[0]) + "_resource"
	}
	for _, r := range routes {
		if !p.HasAction(r.action) {
			continue
		}
		item, ok := spec.Paths[ItemsPath]
		if !ok {
			item = domain.PathItem{}
			spec.Paths[ItemsPath] = item
		}
		item[r.method] = copyOperation(r.op)
	}
	return spec
}

// Unmapped returns the detected actions that produce no API operation.
func Unmapped(p domain.ParsedRequirement) []domain.Action {
	var out []domain.Action
	for _, a := range p.Actions {
		mapped := false
		for _, r := range routes {
			if r.action == a {
				mapped = true
				break
			}
		}
		if !mapped {
			out = append(out, a)
		}
	}
	return out
}

func copyOperation(op domain.Operation) domain.Operation {
	responses := make(map[string]domain.Response, len(op.Responses))
	for code, resp := range op.Responses {
		responses[code] = resp
	}
	return domain.Operation{Description: op.Description, Responses: responses}
}
