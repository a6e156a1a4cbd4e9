package container

import "strings"

// SplitPath splits a path into its components.
// Leading and trailing slashes are handled, empty components are removed.
//
// Examples:
//   - "/" -> []string{}
//   - "/foo" -> []string{"foo"}
//   - "/foo/bar" -> []string{"foo", "bar"}
func SplitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return []string{}
	}
	return strings.Split(path, "/")
}

// CleanPath normalizes a path, ensuring it starts with "/" and has no
// trailing slash.
func CleanPath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}

	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	return strings.TrimSuffix(path, "/")
}

// JoinPath joins a parent path and a child name.
func JoinPath(parent, name string) string {
	parent = CleanPath(parent)
	if parent == "/" {
		return "/" + name
	}
	return parent + "/" + name
}

// ParentPath returns the path of the containing group, or "/" for
// root-level objects and the root itself.
func ParentPath(path string) string {
	path = CleanPath(path)
	if path == "/" {
		return "/"
	}
	idx := strings.LastIndex(path, "/")
	if idx <= 0 {
		return "/"
	}
	return path[:idx]
}

// BaseName returns the last component of a path, or "" for the root.
func BaseName(path string) string {
	path = CleanPath(path)
	if path == "/" {
		return ""
	}
	idx := strings.LastIndex(path, "/")
	return path[idx+1:]
}

// Depth returns the number of components in a path. The root has depth 0.
func Depth(path string) int {
	return len(SplitPath(path))
}
