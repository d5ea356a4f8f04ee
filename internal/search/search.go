package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultContract ResultType = "contract"
	ResultVersion  ResultType = "version"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type          ResultType `json:"type"`
	ID            string     `json:"id"`
	Title         string     `json:"title"`
	Snippet       string     `json:"snippet"`
	ContractID    string     `json:"contractId"`
	VersionNumber int        `json:"versionNumber,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text             string
	FilterType       ResultType // empty = all types
	FilterContractID string
	Limit            int
	Offset           int
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

// ContractRecord is the data we index for a contract.
type ContractRecord struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Status string `json:"status"`
	Owner  string `json:"owner"`
}

// VersionRecord is the data we index for a saved version.
type VersionRecord struct {
	ID            string `json:"id"`
	ContractID    string `json:"contractId"`
	VersionNumber int    `json:"versionNumber"`
	Text          string `json:"text"`
	CreatedBy     string `json:"createdBy"`
}
