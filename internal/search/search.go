package search

// Result is a single search hit returned to the caller.
type Result struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
	Tenant  string `json:"tenant"`
	Stage   string `json:"stage"`
}

// Query describes a search request. FilterTenant is mandatory in practice:
// callers scope every search to the session's active organization.
type Query struct {
	Text         string
	FilterTenant string
	FilterStage  string
	Limit        int
	Offset       int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// DocumentRecord is the data we index for a document.
type DocumentRecord struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Tenant string `json:"tenant"`
	Stage  string `json:"stage"`
}
