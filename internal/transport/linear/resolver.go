package linear

import (
	"context"
	"regexp"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/hqlink/internal/config"
	"github.com/nextlevelbuilder/hqlink/internal/hqerr"
	"github.com/nextlevelbuilder/hqlink/internal/transport"
)

// identifierRE matches human-readable issue identifiers like "ENG-42".
var identifierRE = regexp.MustCompile(`^[A-Z][A-Z0-9]*-\d+$`)

// agentCommsTitle is the lazily created fallback issue for inter-HQ
// traffic with no project context.
const agentCommsTitle = "[HIAMP] Agent Communications"

// ResolveChannel applies the three-stage cascade: explicit issue id or
// identifier, then project-context issue, then the team's agent-comms
// fallback issue. Lookups and creations populate the caches immediately.
func (t *Transport) ResolveChannel(ctx context.Context, targetPeer, contextTag, channelID string) (transport.Resolution, error) {
	ctx, cancel := context.WithTimeout(ctx, transport.DefaultResolveTimeout)
	defer cancel()

	// Stage 1: explicit issue reference.
	if channelID != "" {
		id, err := t.resolveExplicit(ctx, channelID)
		if err != nil {
			return transport.Resolution{}, err
		}
		return transport.Resolution{ChannelID: id, ChannelName: channelID, Strategy: "explicit"}, nil
	}

	teamKey := t.cfg.DefaultTeam
	if teamKey == "" {
		return transport.Resolution{}, hqerr.New(hqerr.CodeUnknownTeam, "no default team configured")
	}
	team, ok := t.cfg.Teams[teamKey]
	if !ok {
		return transport.Resolution{}, hqerr.Newf(hqerr.CodeUnknownTeam, "team %q not configured", teamKey)
	}

	// Stage 2: project context.
	if contextTag != "" {
		if projectID, ok := team.ProjectMappings[contextTag]; ok {
			id, err := t.contextIssue(ctx, teamKey, contextTag, projectID)
			if err != nil {
				return transport.Resolution{}, err
			}
			return transport.Resolution{
				ChannelID:   id,
				ChannelName: "[HIAMP] " + contextTag,
				Strategy:    "project-context",
			}, nil
		}
	}

	// Stage 3: agent-comms fallback.
	id, err := t.agentCommsIssue(ctx, teamKey, team)
	if err != nil {
		return transport.Resolution{}, err
	}
	return transport.Resolution{ChannelID: id, ChannelName: agentCommsTitle, Strategy: "agent-comms"}, nil
}

// resolveExplicit accepts a "<KEY>-<N>" identifier or an internal UUID and
// returns the issue UUID, verifying the issue exists.
func (t *Transport) resolveExplicit(ctx context.Context, ref string) (string, error) {
	if _, err := uuid.Parse(ref); err == nil {
		if _, err := t.lookupIssue(ctx, ref); err != nil {
			return "", err
		}
		return ref, nil
	}
	if !identifierRE.MatchString(ref) {
		return "", hqerr.Newf(hqerr.CodeIssueNotFound, "not an issue reference: %q", ref)
	}
	if id, ok := t.identifiers.Get(ref); ok {
		return id, nil
	}
	id, err := t.lookupIssue(ctx, ref)
	if err != nil {
		return "", err
	}
	t.identifiers.Put(ref, id)
	return id, nil
}

// contextIssue finds or lazily creates the "[HIAMP] <tag>" issue under the
// team, scoped to the mapped project.
func (t *Transport) contextIssue(ctx context.Context, teamKey, contextTag, projectID string) (string, error) {
	if id, ok := t.contextIssues.Get(contextTag); ok {
		return id, nil
	}
	teamID, err := t.resolveTeamID(ctx, teamKey)
	if err != nil {
		return "", err
	}

	title := "[HIAMP] " + contextTag
	id, err := t.searchIssue(ctx, teamID, title)
	if err != nil {
		return "", err
	}
	if id == "" {
		id, err = t.createIssue(ctx, teamID, title, projectID)
		if err != nil {
			return "", err
		}
	}
	t.contextIssues.Put(contextTag, id)
	return id, nil
}

// agentCommsIssue returns the team's configured agent-comms issue, or
// searches for / lazily creates one.
func (t *Transport) agentCommsIssue(ctx context.Context, teamKey string, team config.LinearTeam) (string, error) {
	if team.AgentCommsIssueID != "" {
		return team.AgentCommsIssueID, nil
	}
	cacheKey := "agent-comms:" + teamKey
	if id, ok := t.contextIssues.Get(cacheKey); ok {
		return id, nil
	}
	teamID, err := t.resolveTeamID(ctx, teamKey)
	if err != nil {
		return "", err
	}
	id, err := t.searchIssue(ctx, teamID, agentCommsTitle)
	if err != nil {
		return "", err
	}
	if id == "" {
		id, err = t.createIssue(ctx, teamID, agentCommsTitle, "")
		if err != nil {
			return "", err
		}
	}
	t.contextIssues.Put(cacheKey, id)
	return id, nil
}

// resolveTeamID maps a team key to its UUID via config or API lookup.
func (t *Transport) resolveTeamID(ctx context.Context, teamKey string) (string, error) {
	if team, ok := t.cfg.Teams[teamKey]; ok && team.ID != "" {
		return team.ID, nil
	}
	if id, ok := t.teams.Get(teamKey); ok {
		return id, nil
	}
	var resp struct {
		Teams struct {
			Nodes []struct {
				ID  string `json:"id"`
				Key string `json:"key"`
			} `json:"nodes"`
		} `json:"teams"`
	}
	err := t.graphql(ctx, `query($key: String!) {
		teams(filter: {key: {eq: $key}}) { nodes { id key } }
	}`, map[string]any{"key": teamKey}, &resp)
	if err != nil {
		return "", err
	}
	if len(resp.Teams.Nodes) == 0 {
		return "", hqerr.Newf(hqerr.CodeUnknownTeam, "team %q not found", teamKey)
	}
	id := resp.Teams.Nodes[0].ID
	t.teams.Put(teamKey, id)
	return id, nil
}

// lookupIssue fetches an issue by UUID or identifier, returning its UUID.
func (t *Transport) lookupIssue(ctx context.Context, ref string) (string, error) {
	var resp struct {
		Issue struct {
			ID string `json:"id"`
		} `json:"issue"`
	}
	err := t.graphql(ctx, `query($id: String!) {
		issue(id: $id) { id }
	}`, map[string]any{"id": ref}, &resp)
	if err != nil {
		if hqerr.CodeOf(err) == hqerr.CodeAPIError {
			return "", hqerr.Newf(hqerr.CodeIssueNotFound, "issue %q not found", ref)
		}
		return "", err
	}
	if resp.Issue.ID == "" {
		return "", hqerr.Newf(hqerr.CodeIssueNotFound, "issue %q not found", ref)
	}
	return resp.Issue.ID, nil
}

// searchIssue finds an issue by exact title within a team. Empty id means
// no match.
func (t *Transport) searchIssue(ctx context.Context, teamID, title string) (string, error) {
	var resp struct {
		Issues struct {
			Nodes []struct {
				ID string `json:"id"`
			} `json:"nodes"`
		} `json:"issues"`
	}
	err := t.graphql(ctx, `query($teamId: ID!, $title: String!) {
		issues(filter: {team: {id: {eq: $teamId}}, title: {eq: $title}}) { nodes { id } }
	}`, map[string]any{"teamId": teamID, "title": title}, &resp)
	if err != nil {
		return "", err
	}
	if len(resp.Issues.Nodes) == 0 {
		return "", nil
	}
	return resp.Issues.Nodes[0].ID, nil
}

// createIssue creates a "[HIAMP] ..." issue, optionally under a project.
func (t *Transport) createIssue(ctx context.Context, teamID, title, projectID string) (string, error) {
	input := map[string]any{
		"teamId":      teamID,
		"title":       title,
		"description": "Inter-HQ message channel. Do not close; comments on this issue carry HIAMP envelopes.",
	}
	if projectID != "" {
		input["projectId"] = projectID
	}
	var resp struct {
		IssueCreate struct {
			Success bool `json:"success"`
			Issue   struct {
				ID string `json:"id"`
			} `json:"issue"`
		} `json:"issueCreate"`
	}
	err := t.graphql(ctx, `mutation($input: IssueCreateInput!) {
		issueCreate(input: $input) { success issue { id } }
	}`, map[string]any{"input": input}, &resp)
	if err != nil {
		return "", err
	}
	if !resp.IssueCreate.Success || resp.IssueCreate.Issue.ID == "" {
		return "", hqerr.Newf(hqerr.CodeIssueCreateFailed, "could not create issue %q", title)
	}
	t.track(resp.IssueCreate.Issue.ID)
	return resp.IssueCreate.Issue.ID, nil
}
