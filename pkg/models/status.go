package models

// PageStatus represents the processing status of a page in the database
type PageStatus string

const (
	PageStatusUnset    PageStatus = ""          // Zero value = unset/unknown
	PageStatusPending  PageStatus = "pending"   // Marked seen, fetch not finished
	PageStatusSuccess  PageStatus = "success"   // Fetched with status <= 300
	PageStatusFailure  PageStatus = "failure"   // Transport error or status > 300
	PageStatusNotFound PageStatus = "not_found" // Page not in database
	PageStatusDBError  PageStatus = "db_error"  // Database error occurred
)

// String implements fmt.Stringer for logging
func (s PageStatus) String() string {
	if s == "" {
		return "unset"
	}
	return string(s)
}

// IsValid returns true if the status is a known operational value
func (s PageStatus) IsValid() bool {
	switch s {
	case PageStatusPending, PageStatusSuccess, PageStatusFailure:
		return true
	}
	return false
}

// IsSeen reports whether a page with this status counts as visited
func (s PageStatus) IsSeen() bool {
	return s.IsValid()
}
