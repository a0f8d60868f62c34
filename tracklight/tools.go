package tracklight

import (
	"context"
	"encoding/json"

	"github.com/tracklight/tracklight-mcp/mcp"
	"github.com/tracklight/tracklight-mcp/mcpserver"
)

// Issue is the wire shape shared by the issue tools.
type Issue struct {
	ID         string `json:"id"`
	Identifier string `json:"identifier"`
	Title      string `json:"title"`
	State      string `json:"state"`
	Assignee   string `json:"assignee,omitempty"`
	URL        string `json:"url,omitempty"`
}

// Project is the wire shape returned by the project tools.
type Project struct {
	ID   string `json:"id"`
	Key  string `json:"key"`
	Name string `json:"name"`
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return mcpserver.TextResult(string(b)), nil
}

type searchIssuesArgs struct {
	Query   string `json:"query" jsonschema:"description=Full-text search over issue titles and descriptions"`
	Project string `json:"project,omitempty" jsonschema:"description=Restrict results to a project key"`
	State   string `json:"state,omitempty" jsonschema:"description=Filter by workflow state name"`
	Limit   int    `json:"limit,omitempty" jsonschema:"description=Maximum number of issues to return (default 20)"`
}

const searchIssuesQuery = `query SearchIssues($query: String!, $project: String, $state: String, $limit: Int) {
  issues(search: $query, projectKey: $project, state: $state, first: $limit) {
    nodes { id identifier title state assignee url }
  }
}`

func searchIssuesTool(c *Client) mcpserver.Tool {
	return mcpserver.NewTool("tracklight_search_issues", func(ctx context.Context, args searchIssuesArgs) (*mcp.CallToolResult, error) {
		limit := args.Limit
		if limit <= 0 {
			limit = 20
		}
		var out struct {
			Issues struct {
				Nodes []Issue `json:"nodes"`
			} `json:"issues"`
		}
		err := c.Do(ctx, searchIssuesQuery, map[string]any{
			"query":   args.Query,
			"project": args.Project,
			"state":   args.State,
			"limit":   limit,
		}, &out)
		if err != nil {
			return mcpserver.Errorf("search failed: %v", err), nil
		}
		return jsonResult(out.Issues.Nodes)
	}, mcpserver.WithToolDescription("Search Tracklight issues by text, optionally filtered by project and state."))
}

type createIssueArgs struct {
	Project     string `json:"project" jsonschema:"description=Project key the issue belongs to"`
	Title       string `json:"title" jsonschema:"description=Issue title"`
	Description string `json:"description,omitempty" jsonschema:"description=Markdown description"`
	Priority    string `json:"priority,omitempty" jsonschema:"description=One of: urgent, high, medium, low"`
}

const createIssueQuery = `mutation CreateIssue($project: String!, $title: String!, $description: String, $priority: String) {
  issueCreate(input: {projectKey: $project, title: $title, description: $description, priority: $priority}) {
    issue { id identifier title state url }
  }
}`

func createIssueTool(c *Client) mcpserver.Tool {
	return mcpserver.NewTool("tracklight_create_issue", func(ctx context.Context, args createIssueArgs) (*mcp.CallToolResult, error) {
		if args.Project == "" || args.Title == "" {
			return mcpserver.Errorf("project and title are required"), nil
		}
		var out struct {
			IssueCreate struct {
				Issue Issue `json:"issue"`
			} `json:"issueCreate"`
		}
		err := c.Do(ctx, createIssueQuery, map[string]any{
			"project":     args.Project,
			"title":       args.Title,
			"description": args.Description,
			"priority":    args.Priority,
		}, &out)
		if err != nil {
			return mcpserver.Errorf("create failed: %v", err), nil
		}
		return jsonResult(out.IssueCreate.Issue)
	}, mcpserver.WithToolDescription("Create a new Tracklight issue in a project."))
}

type updateIssueArgs struct {
	ID          string `json:"id" jsonschema:"description=Issue id or identifier (e.g. TRK-42)"`
	State       string `json:"state,omitempty" jsonschema:"description=New workflow state name"`
	Title       string `json:"title,omitempty" jsonschema:"description=New title"`
	Description string `json:"description,omitempty" jsonschema:"description=New markdown description"`
	Assignee    string `json:"assignee,omitempty" jsonschema:"description=Assignee login or email"`
}

const updateIssueQuery = `mutation UpdateIssue($id: String!, $state: String, $title: String, $description: String, $assignee: String) {
  issueUpdate(id: $id, input: {state: $state, title: $title, description: $description, assignee: $assignee}) {
    issue { id identifier title state assignee url }
  }
}`

func updateIssueTool(c *Client) mcpserver.Tool {
	return mcpserver.NewTool("tracklight_update_issue", func(ctx context.Context, args updateIssueArgs) (*mcp.CallToolResult, error) {
		if args.ID == "" {
			return mcpserver.Errorf("id is required"), nil
		}
		var out struct {
			IssueUpdate struct {
				Issue Issue `json:"issue"`
			} `json:"issueUpdate"`
		}
		err := c.Do(ctx, updateIssueQuery, map[string]any{
			"id":          args.ID,
			"state":       args.State,
			"title":       args.Title,
			"description": args.Description,
			"assignee":    args.Assignee,
		}, &out)
		if err != nil {
			return mcpserver.Errorf("update failed: %v", err), nil
		}
		return jsonResult(out.IssueUpdate.Issue)
	}, mcpserver.WithToolDescription("Update an existing Tracklight issue's state, title, description, or assignee."))
}

type addCommentArgs struct {
	IssueID string `json:"issueId" jsonschema:"description=Issue id or identifier to comment on"`
	Body    string `json:"body" jsonschema:"description=Markdown comment body"`
}

const addCommentQuery = `mutation AddComment($issueId: String!, $body: String!) {
  commentCreate(input: {issueId: $issueId, body: $body}) {
    comment { id url }
  }
}`

func addCommentTool(c *Client) mcpserver.Tool {
	return mcpserver.NewTool("tracklight_add_comment", func(ctx context.Context, args addCommentArgs) (*mcp.CallToolResult, error) {
		if args.IssueID == "" || args.Body == "" {
			return mcpserver.Errorf("issueId and body are required"), nil
		}
		var out struct {
			CommentCreate struct {
				Comment struct {
					ID  string `json:"id"`
					URL string `json:"url"`
				} `json:"comment"`
			} `json:"commentCreate"`
		}
		err := c.Do(ctx, addCommentQuery, map[string]any{
			"issueId": args.IssueID,
			"body":    args.Body,
		}, &out)
		if err != nil {
			return mcpserver.Errorf("comment failed: %v", err), nil
		}
		return jsonResult(out.CommentCreate.Comment)
	}, mcpserver.WithToolDescription("Add a comment to a Tracklight issue."))
}

const listProjectsQuery = `query ListProjects {
  projects { nodes { id key name } }
}`

type listProjectsArgs struct{}

func listProjectsTool(c *Client) mcpserver.Tool {
	return mcpserver.NewTool("tracklight_list_projects", func(ctx context.Context, args listProjectsArgs) (*mcp.CallToolResult, error) {
		var out struct {
			Projects struct {
				Nodes []Project `json:"nodes"`
			} `json:"projects"`
		}
		if err := c.Do(ctx, listProjectsQuery, nil, &out); err != nil {
			return mcpserver.Errorf("list projects failed: %v", err), nil
		}
		return jsonResult(out.Projects.Nodes)
	}, mcpserver.WithToolDescription("List Tracklight projects."))
}

const viewerQuery = `query Viewer {
  viewer { id login name email }
}`

type viewerArgs struct{}

func viewerTool(c *Client) mcpserver.Tool {
	return mcpserver.NewTool("tracklight_viewer", func(ctx context.Context, args viewerArgs) (*mcp.CallToolResult, error) {
		var out struct {
			Viewer struct {
				ID    string `json:"id"`
				Login string `json:"login"`
				Name  string `json:"name"`
				Email string `json:"email"`
			} `json:"viewer"`
		}
		if err := c.Do(ctx, viewerQuery, nil, &out); err != nil {
			return mcpserver.Errorf("viewer lookup failed: %v", err), nil
		}
		return jsonResult(out.Viewer)
	}, mcpserver.WithToolDescription("Show the identity the API token acts as."))
}

// AllTools returns every tool this server can offer, backed by the client.
func AllTools(c *Client) []mcpserver.Tool {
	return []mcpserver.Tool{
		searchIssuesTool(c),
		createIssueTool(c),
		updateIssueTool(c),
		addCommentTool(c),
		listProjectsTool(c),
		viewerTool(c),
	}
}
