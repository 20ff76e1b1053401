package service

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-crm/internal/dto"
	"github.com/noah-isme/gema-crm/internal/repository"
)

// Mentionable entity kinds.
const (
	MentionKindUser   = "user"
	MentionKindSector = "sector"
	MentionKindTeam   = "team"
)

// RosterSource lists every entity that can be mentioned.
type RosterSource interface {
	Entities(ctx context.Context) ([]dto.MentionEntity, error)
}

// MentionResolver finds @-mentions in message text.
type MentionResolver interface {
	Detect(ctx context.Context, text string) ([]string, error)
	Roster(ctx context.Context) ([]dto.MentionEntity, error)
}

type mentionResolver struct {
	roster RosterSource
}

// NewMentionResolver constructs a resolver backed by the given roster.
func NewMentionResolver(roster RosterSource) MentionResolver {
	return &mentionResolver{roster: roster}
}

// Detect returns the ids of every roster entity mentioned in text, in order of first appearance.
func (r *mentionResolver) Detect(ctx context.Context, text string) ([]string, error) {
	if !strings.ContainsRune(text, '@') {
		return nil, nil
	}

	entities, err := r.roster.Entities(ctx)
	if err != nil {
		return nil, fmt.Errorf("load mention roster: %w", err)
	}

	candidates := mentionCandidates(entities)
	seen := make(map[string]struct{})
	var ids []string
	scanMentions(text, candidates, func(string) {}, func(entity dto.MentionEntity) {
		if _, ok := seen[entity.ID]; ok {
			return
		}
		seen[entity.ID] = struct{}{}
		ids = append(ids, entity.ID)
	})
	return ids, nil
}

func (r *mentionResolver) Roster(ctx context.Context) ([]dto.MentionEntity, error) {
	return r.roster.Entities(ctx)
}

// ParseMentions splits text into plain and mention spans. Only ids listed in
// mentionedIDs that still resolve against roster become mention spans; anything
// else, including mentions of deleted entities, stays plain text. Stored content
// is HTML-escaped by the sanitiser, so it is decoded first and the spans carry
// plain text for the client to render as text nodes.
func ParseMentions(text string, mentionedIDs []string, roster []dto.MentionEntity) []dto.MentionSpan {
	allowed := make(map[string]struct{}, len(mentionedIDs))
	for _, id := range mentionedIDs {
		allowed[id] = struct{}{}
	}

	filtered := make([]dto.MentionEntity, 0, len(mentionedIDs))
	for _, entity := range roster {
		if _, ok := allowed[entity.ID]; ok {
			filtered = append(filtered, entity)
		}
	}

	var spans []dto.MentionSpan
	var plain strings.Builder
	flush := func() {
		if plain.Len() == 0 {
			return
		}
		spans = append(spans, dto.MentionSpan{Kind: dto.SpanText, Text: plain.String()})
		plain.Reset()
	}

	scanMentions(html.UnescapeString(text), mentionCandidates(filtered), func(chunk string) {
		plain.WriteString(chunk)
	}, func(entity dto.MentionEntity) {
		flush()
		spans = append(spans, dto.MentionSpan{Kind: dto.SpanMention, Text: entity.Label, MentionID: entity.ID})
	})
	flush()

	return spans
}

type mentionCandidate struct {
	entity dto.MentionEntity
	runes  int
}

// mentionCandidates orders entities longest label first so the first match is the greedy one.
func mentionCandidates(entities []dto.MentionEntity) []mentionCandidate {
	out := make([]mentionCandidate, 0, len(entities))
	for _, entity := range entities {
		label := strings.TrimSpace(entity.Label)
		if label == "" {
			continue
		}
		entity.Label = label
		out = append(out, mentionCandidate{entity: entity, runes: utf8.RuneCountInString(label)})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].runes > out[j].runes })
	return out
}

// scanMentions walks text once, reporting plain chunks and matched entities in order.
func scanMentions(text string, candidates []mentionCandidate, onText func(string), onMention func(dto.MentionEntity)) {
	runes := []rune(text)
	start := 0
	for i := 0; i < len(runes); i++ {
		if runes[i] != '@' {
			continue
		}
		entity, width, ok := matchMention(runes, i+1, candidates)
		if !ok {
			continue
		}
		if start < i {
			onText(string(runes[start:i]))
		}
		onMention(entity)
		i += width
		start = i + 1
	}
	if start < len(runes) {
		onText(string(runes[start:]))
	}
}

func matchMention(runes []rune, pos int, candidates []mentionCandidate) (dto.MentionEntity, int, bool) {
	for _, candidate := range candidates {
		end := pos + candidate.runes
		if end > len(runes) {
			continue
		}
		if !strings.EqualFold(string(runes[pos:end]), candidate.entity.Label) {
			continue
		}
		if end < len(runes) && (unicode.IsLetter(runes[end]) || unicode.IsDigit(runes[end])) {
			continue
		}
		return candidate.entity, candidate.runes, true
	}
	return dto.MentionEntity{}, 0, false
}

type rosterSource struct {
	repo   repository.RosterRepository
	redis  *redis.Client
	key    string
	ttl    time.Duration
	logger zerolog.Logger
}

// NewRosterSource reads users, sectors and teams from the database and caches the
// combined roster in Redis when a client is supplied.
func NewRosterSource(repo repository.RosterRepository, redisClient *redis.Client, channelBase string, ttl time.Duration, logger zerolog.Logger) RosterSource {
	key := ""
	if channelBase != "" {
		key = channelBase + ":roster"
	}
	return &rosterSource{
		repo:   repo,
		redis:  redisClient,
		key:    key,
		ttl:    ttl,
		logger: logger.With().Str("component", "roster_source").Logger(),
	}
}

func (s *rosterSource) Entities(ctx context.Context) ([]dto.MentionEntity, error) {
	if cached, ok := s.cached(ctx); ok {
		return cached, nil
	}

	users, err := s.repo.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	sectors, err := s.repo.ListSectors(ctx)
	if err != nil {
		return nil, err
	}
	teams, err := s.repo.ListTeams(ctx)
	if err != nil {
		return nil, err
	}

	entities := make([]dto.MentionEntity, 0, len(users)+len(sectors)+len(teams))
	for _, user := range users {
		entities = append(entities, dto.MentionEntity{ID: user.ID, Label: user.Name, Kind: MentionKindUser})
	}
	for _, sector := range sectors {
		entities = append(entities, dto.MentionEntity{ID: sector.ID, Label: sector.Name, Kind: MentionKindSector})
	}
	for _, team := range teams {
		entities = append(entities, dto.MentionEntity{ID: team.ID, Label: team.Name, Kind: MentionKindTeam})
	}

	s.store(ctx, entities)
	return entities, nil
}

func (s *rosterSource) cached(ctx context.Context) ([]dto.MentionEntity, bool) {
	if s.redis == nil || s.key == "" {
		return nil, false
	}

	payload, err := s.redis.Get(ctx, s.key).Bytes()
	if err != nil {
		return nil, false
	}

	var entities []dto.MentionEntity
	if err := json.Unmarshal(payload, &entities); err != nil {
		s.logger.Warn().Err(err).Msg("failed to unmarshal cached roster")
		return nil, false
	}
	return entities, true
}

func (s *rosterSource) store(ctx context.Context, entities []dto.MentionEntity) {
	if s.redis == nil || s.key == "" || s.ttl <= 0 {
		return
	}

	payload, err := json.Marshal(entities)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to marshal roster for cache")
		return
	}
	if err := s.redis.Set(ctx, s.key, payload, s.ttl).Err(); err != nil {
		s.logger.Warn().Err(err).Msg("failed to cache roster")
	}
}
