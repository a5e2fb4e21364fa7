package search

// Result is a single search hit returned to the caller.
type Result struct {
	ID       string  `json:"id"`
	Title    string  `json:"title"`
	Snippet  string  `json:"snippet"`
	SellerID string  `json:"sellerId"`
	Price    float64 `json:"price"`
}

// Query describes a search request over active listings.
type Query struct {
	Text   string
	Limit  int
	Offset int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// ListingRecord is the data we index for a product listing.
type ListingRecord struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	SellerID    string  `json:"sellerId"`
	Price       float64 `json:"price"`
	Status      string  `json:"status"`
}
