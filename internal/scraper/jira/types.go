package jira

// searchResponse is the response from GET /rest/api/2/search.
type searchResponse struct {
	StartAt    int     `json:"startAt"`
	MaxResults int     `json:"maxResults"`
	Total      int     `json:"total"`
	Issues     []issue `json:"issues"`
}

type issue struct {
	ID     string      `json:"id"`
	Key    string      `json:"key"`
	Fields issueFields `json:"fields"`
}

type issueFields struct {
	Summary     string   `json:"summary"`
	Description string   `json:"description"`
	DueDate     string   `json:"duedate"`
	Priority    *named   `json:"priority"`
	IssueType   *named   `json:"issuetype"`
	Labels      []string `json:"labels"`
}

type named struct {
	Name string `json:"name"`
}

// version is a project release from /rest/api/2/project/{key}/versions.
type version struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Released    bool   `json:"released"`
	Archived    bool   `json:"archived"`
	ReleaseDate string `json:"releaseDate"`
}
