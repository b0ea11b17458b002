package storage

import "strings"

// SearchQuery carries the optional filters, wildcard patterns, date
// range, and pagination shared by every search_* operation in
// spec.md §4.4.
type SearchQuery struct {
	Filters   map[string]string // column -> pattern, '*' maps to SQL LIKE '%'
	DateFrom  string
	DateTo    string
	DateField string
	Limit     int
	Offset    int
}

// likePattern converts a user-supplied wildcard pattern into the SQL
// LIKE form. A pattern with no '*' is returned unchanged so callers
// compare it by equality rather than prefix.
func likePattern(pattern string) (value string, isWildcard bool) {
	if !strings.Contains(pattern, "*") {
		return pattern, false
	}
	return strings.ReplaceAll(pattern, "*", "%"), true
}

// StorageStats summarizes index population, returned by GetStorageStats.
type StorageStats struct {
	PatientCount  int64
	StudyCount    int64
	SeriesCount   int64
	InstanceCount int64
	TotalBytes    int64
}
