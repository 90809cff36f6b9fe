package projection

import "reflect"

// Serialize flattens an aggregate into a tree suitable for document storage.
// Reference cycles are broken by omitting any container already on the
// current path; the omitted key is the back-reference.
func Serialize(doc map[string]interface{}) map[string]interface{} {
	visited := make(map[interface{}]bool)
	out, _ := serializeMap(doc, visited)
	return out
}

func serializeMap(m map[string]interface{}, visited map[interface{}]bool) (map[string]interface{}, bool) {
	key := identity(m)
	if key != nil {
		if visited[key] {
			return nil, false
		}
		visited[key] = true
		defer delete(visited, key)
	}

	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if serialized, ok := serializeValue(v, visited); ok {
			out[k] = serialized
		}
	}
	return out, true
}

func serializeValue(v interface{}, visited map[interface{}]bool) (interface{}, bool) {
	switch val := v.(type) {
	case map[string]interface{}:
		return firstClass(serializeMap(val, visited))
	case []interface{}:
		key := identity(val)
		if key != nil {
			if visited[key] {
				return nil, false
			}
			visited[key] = true
			defer delete(visited, key)
		}
		out := make([]interface{}, 0, len(val))
		for _, item := range val {
			if serialized, ok := serializeValue(item, visited); ok {
				out = append(out, serialized)
			}
		}
		return out, true
	default:
		return v, true
	}
}

func firstClass(m map[string]interface{}, ok bool) (interface{}, bool) {
	if !ok {
		return nil, false
	}
	return m, true
}

// identity returns a comparable handle for a container so revisits along the
// same path can be detected. Empty containers may share backing storage and
// are skipped.
func identity(v interface{}) interface{} {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice:
		if rv.Len() == 0 {
			return nil
		}
		return rv.Pointer()
	}
	return nil
}

// tenantFieldNames is the documented field-name convention for extracting
// the tenant identifier from an aggregate.
var tenantFieldNames = []string{"TenantId", "tenantId", "tenant_id"}

// ExtractTenantID returns the tenant identifier of an aggregate document,
// or "" when none of the conventional fields is present.
func ExtractTenantID(doc map[string]interface{}) string {
	for _, name := range tenantFieldNames {
		if v, ok := doc[name]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}
