package exclusion

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"sync"
	"time"

	"gather-ingest/internal/logging"
	"gather-ingest/internal/models"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rs/zerolog"
)

// RuleSource loads the active exclusion rules for one entity kind. The
// repository implements it.
type RuleSource interface {
	LoadExclusionRules(ctx context.Context, tenantID string, kind models.EntityKind) ([]models.ExclusionRule, error)
}

// Engine answers ShouldExclude for artifacts read out of the repository.
// Rule matching is per-kind; kinds without a matcher pass through. Any
// failure while loading or evaluating rules logs and returns not-excluded:
// a broken rule must never make data disappear.
type Engine struct {
	source RuleSource
	log    zerolog.Logger

	mu    sync.Mutex
	cache map[cacheKey]cacheEntry
	ttl   time.Duration
}

type cacheKey struct {
	tenantID string
	kind     models.EntityKind
}

type cacheEntry struct {
	rules    []models.ExclusionRule
	loadedAt time.Time
}

func NewEngine(source RuleSource) *Engine {
	return &Engine{
		source: source,
		log:    logging.WithComponent("exclusion"),
		cache:  map[cacheKey]cacheEntry{},
		ttl:    time.Minute,
	}
}

// ShouldExclude implements repository.Excluder.
func (e *Engine) ShouldExclude(ctx context.Context, tenantID, entityID string, kind string) bool {
	k := models.EntityKind(kind)
	rules, err := e.rulesFor(ctx, tenantID, k)
	if err != nil {
		e.log.Warn().Err(err).Str("tenant_id", tenantID).Str("kind", kind).Msg("failed to load exclusion rules, failing open")
		return false
	}

	for _, rule := range rules {
		matched, err := Matches(k, entityID, rule.Rule)
		if err != nil {
			e.log.Warn().Err(err).Str("kind", kind).Str("entity_id", entityID).Msg("exclusion rule evaluation failed, failing open")
			continue
		}
		if matched {
			return true
		}
	}
	return false
}

func (e *Engine) rulesFor(ctx context.Context, tenantID string, kind models.EntityKind) ([]models.ExclusionRule, error) {
	key := cacheKey{tenantID: tenantID, kind: kind}

	e.mu.Lock()
	ent, ok := e.cache[key]
	e.mu.Unlock()
	if ok && time.Since(ent.loadedAt) < e.ttl {
		return ent.rules, nil
	}

	rules, err := e.source.LoadExclusionRules(ctx, tenantID, kind)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[key] = cacheEntry{rules: rules, loadedAt: time.Now()}
	e.mu.Unlock()
	return rules, nil
}

// Invalidate drops the cached rules so the next check reloads.
func (e *Engine) Invalidate(tenantID string, kind models.EntityKind) {
	e.mu.Lock()
	delete(e.cache, cacheKey{tenantID: tenantID, kind: kind})
	e.mu.Unlock()
}

type githubFileRule struct {
	Organization string `json:"organization,omitempty"`
	Repository   string `json:"repository,omitempty"`
	FilePath     string `json:"file_path,omitempty"`
}

type slackChannelRule struct {
	ChannelID string `json:"channel_id"`
}

type linearIssueRule struct {
	IssueIDPattern string `json:"issue_id_pattern"`
}

// slackDateSuffix matches the "-YYYY-MM-DD" tail archived channel artifacts
// carry on their entity ids.
var slackDateSuffix = regexp.MustCompile(`-\d{4}-\d{2}-\d{2}$`)

// Matches evaluates one rule against an entity id. Exported for tests and
// admin dry-runs.
func Matches(kind models.EntityKind, entityID string, rawRule json.RawMessage) (bool, error) {
	switch kind {
	case models.KindGithubFile:
		var rule githubFileRule
		if err := json.Unmarshal(rawRule, &rule); err != nil {
			return false, err
		}
		return matchGithubFile(rule, entityID)

	case models.KindSlackChannel:
		var rule slackChannelRule
		if err := json.Unmarshal(rawRule, &rule); err != nil {
			return false, err
		}
		channelID := slackDateSuffix.ReplaceAllString(entityID, "")
		return rule.ChannelID != "" && channelID == rule.ChannelID, nil

	case models.KindLinearIssue:
		var rule linearIssueRule
		if err := json.Unmarshal(rawRule, &rule); err != nil {
			return false, err
		}
		if rule.IssueIDPattern == "" {
			return false, nil
		}
		return doublestar.Match(rule.IssueIDPattern, entityID)

	default:
		return false, nil
	}
}

// matchGithubFile parses entity ids of the form org/repo/path/to/file and
// requires every populated rule field to match: organization and repository
// literally, file_path as a glob.
func matchGithubFile(rule githubFileRule, entityID string) (bool, error) {
	parts := strings.SplitN(entityID, "/", 3)
	if len(parts) < 3 {
		return false, nil
	}
	org, repo, path := parts[0], parts[1], parts[2]

	if rule.Organization != "" && rule.Organization != org {
		return false, nil
	}
	if rule.Repository != "" && rule.Repository != repo {
		return false, nil
	}
	if rule.FilePath != "" {
		return doublestar.Match(rule.FilePath, path)
	}
	return rule.Organization != "" || rule.Repository != "", nil
}
