package tune

import (
	"fmt"
	"strconv"
	"strings"
)

// SetConfig writes v at a dotted path such as "BackendConfig.ModelConfig.0.worldSize".
// Missing maps and lists along the path are created; numeric segments index lists,
// which grow as needed.
func SetConfig(doc map[string]interface{}, path string, v interface{}) error {
	if path == "" {
		return fmt.Errorf("set config: empty path")
	}
	parts := strings.Split(path, ".")
	var cur interface{} = doc
	var setParent func(interface{})
	for i, key := range parts {
		last := i == len(parts)-1
		nextIsIndex := !last && isIndex(parts[i+1])
		switch node := cur.(type) {
		case map[string]interface{}:
			if last {
				node[key] = v
				return nil
			}
			child, ok := node[key]
			if !ok || !containerMatches(child, nextIsIndex) {
				child = newContainer(nextIsIndex)
				node[key] = child
			}
			m, k := node, key
			setParent = func(c interface{}) { m[k] = c }
			cur = child
		case []interface{}:
			idx, err := strconv.Atoi(key)
			if err != nil || idx < 0 {
				return fmt.Errorf("set config %q: segment %q is not a list index", path, key)
			}
			if idx >= len(node) {
				grown := make([]interface{}, idx+1)
				copy(grown, node)
				node = grown
				setParent(node)
			}
			if last {
				node[idx] = v
				return nil
			}
			child := node[idx]
			if child == nil || !containerMatches(child, nextIsIndex) {
				child = newContainer(nextIsIndex)
				node[idx] = child
			}
			l, n := node, idx
			setParent = func(c interface{}) { l[n] = c }
			cur = child
		default:
			return fmt.Errorf("set config %q: cannot descend into %T", path, cur)
		}
	}
	return nil
}

// GetConfig reads the value at a dotted path.
func GetConfig(doc map[string]interface{}, path string) (interface{}, bool) {
	var cur interface{} = doc
	for _, key := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]interface{}:
			v, ok := node[key]
			if !ok {
				return nil, false
			}
			cur = v
		case []interface{}:
			idx, err := strconv.Atoi(key)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

func isIndex(s string) bool {
	_, err := strconv.Atoi(s)
	return err == nil
}

func newContainer(list bool) interface{} {
	if list {
		return []interface{}{}
	}
	return map[string]interface{}{}
}

func containerMatches(v interface{}, list bool) bool {
	if list {
		_, ok := v.([]interface{})
		return ok
	}
	_, ok := v.(map[string]interface{})
	return ok
}
