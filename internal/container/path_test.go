package container

import (
	"reflect"
	"testing"
)

func TestCleanPath(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "/"},
		{"/", "/"},
		{"foo", "/foo"},
		{"/foo", "/foo"},
		{"/foo/", "/foo"},
		{"/foo/bar", "/foo/bar"},
	}

	for _, tt := range tests {
		if got := CleanPath(tt.in); got != tt.want {
			t.Errorf("CleanPath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSplitPath(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"/", []string{}},
		{"/foo", []string{"foo"}},
		{"/foo/bar", []string{"foo", "bar"}},
		{"foo/bar/", []string{"foo", "bar"}},
	}

	for _, tt := range tests {
		if got := SplitPath(tt.in); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("SplitPath(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestJoinParentBase(t *testing.T) {
	tests := []struct {
		parent, name string
		join         string
		back         string
		base         string
	}{
		{"/", "a", "/a", "/", "a"},
		{"/a", "b", "/a/b", "/a", "b"},
		{"/a/b", "c", "/a/b/c", "/a/b", "c"},
	}

	for _, tt := range tests {
		if got := JoinPath(tt.parent, tt.name); got != tt.join {
			t.Errorf("JoinPath(%q, %q) = %q, want %q", tt.parent, tt.name, got, tt.join)
		}
		if got := ParentPath(tt.join); got != tt.back {
			t.Errorf("ParentPath(%q) = %q, want %q", tt.join, got, tt.back)
		}
		if got := BaseName(tt.join); got != tt.base {
			t.Errorf("BaseName(%q) = %q, want %q", tt.join, got, tt.base)
		}
	}
}
