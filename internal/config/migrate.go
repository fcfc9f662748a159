package config

import (
	"fmt"
	"sort"
)

// MigrationResult is the outcome of a slack → linear config migration.
type MigrationResult struct {
	Config   *Config
	Warnings []string
	Summary  []string
}

// placeholderProjectID marks project mappings the operator must fill in
// after migration.
const placeholderProjectID = "TODO"

// MigrateSlackToLinear transforms a chat-style config into an issue-tracker
// config, preserving identity, peers, and worker permissions. Channel
// strategy mapping: dedicated → a single default team with no project
// mapping; contextual entries → project mappings with placeholder project
// ids; per-relationship channels are surfaced as warnings only.
func MigrateSlackToLinear(src *Config, defaultTeam string) (*MigrationResult, error) {
	if src.Transport != TransportSlack {
		return nil, fmt.Errorf("source transport is %q, expected %q", src.Transport, TransportSlack)
	}
	if defaultTeam == "" {
		defaultTeam = "ENG"
	}

	snap := src.Snapshot()
	res := &MigrationResult{}

	team := LinearTeam{}
	switch snap.Slack.ChannelStrategy {
	case StrategyDedicated, "":
		res.Summary = append(res.Summary,
			fmt.Sprintf("dedicated channel %s → default team %s agent-comms issue", snap.Slack.Channel, defaultTeam))
	case StrategyContextual:
		team.ProjectMappings = map[string]string{}
		tags := make([]string, 0, len(snap.Slack.Contexts))
		for tag := range snap.Slack.Contexts {
			tags = append(tags, tag)
		}
		sort.Strings(tags)
		for _, tag := range tags {
			team.ProjectMappings[tag] = placeholderProjectID
			res.Summary = append(res.Summary,
				fmt.Sprintf("context %q → project mapping under team %s (project id TODO)", tag, defaultTeam))
		}
	case StrategyPerRelationship:
		keys := make([]string, 0, len(snap.Slack.Channels))
		for k := range snap.Slack.Channels {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			res.Warnings = append(res.Warnings,
				fmt.Sprintf("per-relationship channel %q has no issue-tracker equivalent; route manually", k))
		}
	case StrategyDM:
		res.Warnings = append(res.Warnings, "dm strategy has no issue-tracker equivalent; peers share team issues")
	}

	res.Config = &Config{
		Identity:    snap.Identity,
		Peers:       snap.Peers,
		Transport:   TransportLinear,
		Linear: LinearConfig{
			DefaultTeam: defaultTeam,
			Teams:       map[string]LinearTeam{defaultTeam: team},
		},
		Permissions: snap.Permissions,
		Security:    snap.Security,
		Settings:    snap.Settings,
		Telemetry:   snap.Telemetry,
		Feed:        snap.Feed,
	}
	res.Summary = append(res.Summary,
		fmt.Sprintf("migrated %d peers and %d worker rules", len(snap.Peers), len(snap.Permissions.Workers)))
	return res, nil
}
