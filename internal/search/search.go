package search

// Result is a single repository search hit returned to the caller.
type Result struct {
	ID          string `json:"id"`
	FullName    string `json:"fullName"`
	Owner       string `json:"owner"`
	Description string `json:"description"`
	Language    string `json:"language,omitempty"`
	AIProvider  string `json:"aiProvider,omitempty"`
	Snippet     string `json:"snippet,omitempty"`
	VotesCount  int    `json:"votesCount"`
}

// Query describes a repository search request.
type Query struct {
	Text       string
	Language   string
	AIProvider string
	Limit      int
	Offset     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search over the repository catalogue.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push repositories into a search index.
type Indexer interface {
	IndexRepository(rec RepositoryRecord) error
	DeleteRepository(id string) error
}

// RepositoryRecord is the data we index for a repository.
type RepositoryRecord struct {
	ID          string `json:"id"`
	FullName    string `json:"fullName"`
	Owner       string `json:"owner"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Language    string `json:"language"`
	AIProvider  string `json:"aiProvider"`
	IsPublic    bool   `json:"isPublic"`
	VotesCount  int    `json:"votesCount"`
}
