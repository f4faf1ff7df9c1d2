package common

import (
	"slices"
	"strings"
)

// Scope is the set of records a caller is already authorized to see. The
// zero value denies everything.
//
// SourceFiles entries ending in "/" match every file below that prefix, all
// other entries match a file exactly.
type Scope struct {
	All         bool         `json:"all"`
	SourceFiles []string     `json:"source_files,omitempty"`
	RecordTypes []RecordType `json:"record_types,omitempty"`
}

// AllowAll returns a scope that admits every record.
func AllowAll() Scope {
	return Scope{All: true}
}

// ScopeForFiles returns a scope limited to the given source files or
// directory prefixes.
func ScopeForFiles(files ...string) Scope {
	return Scope{SourceFiles: files}
}

// Allows reports whether r is visible under s.
func (s Scope) Allows(r *Record) bool {
	if r == nil {
		return false
	}
	if len(s.RecordTypes) > 0 && !slices.Contains(s.RecordTypes, r.Type) {
		return false
	}
	if s.All {
		return true
	}
	for _, f := range s.SourceFiles {
		if f == "" {
			continue
		}
		if strings.HasSuffix(f, "/") {
			if strings.HasPrefix(r.SourceFile, f) {
				return true
			}
			continue
		}
		if r.SourceFile == f {
			return true
		}
	}
	return false
}

// Empty reports whether the scope can admit no record at all.
func (s Scope) Empty() bool {
	if s.All {
		return false
	}
	for _, f := range s.SourceFiles {
		if f != "" {
			return false
		}
	}
	return true
}
