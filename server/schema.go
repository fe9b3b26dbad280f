package server

import "context"

// schemaHandler serves the built-in introspection route. The reply lists
// every registered command with its declared request shape and schema,
// excluding the introspection route itself.
func (r *Router) schemaHandler(ctx context.Context, req *Request) (any, error) {
	return r.specification(), nil
}

// APISpecification returns the route table as generic containers, the same
// value the introspection route serves remotely.
func (r *Router) APISpecification() map[string]any {
	var spec map[string]any
	r.runOnLoop(func() { spec = r.specification() })
	return spec
}

// specification must run on the event loop.
func (r *Router) specification() map[string]any {
	commands := make(map[string]any, len(r.routes))
	for name, rt := range r.routes {
		if name == SchemaCommand {
			continue
		}
		entry := map[string]any{}
		if rt.requestShape != nil {
			entry["request_shape"] = rt.requestShape.Label()
		}
		if rt.schema != nil {
			entry["schema"] = rt.schema.Describe()
		}
		commands[name] = entry
	}
	return map[string]any{"commands": commands}
}
