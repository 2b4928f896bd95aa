package store

import (
	"context"
	"sort"
	"sync"

	"github.com/moltworks/agent-directory/internal/models"
)

// MemoryStore backs tests and local development. Ledger order is append
// order, matching the seq ordering of the Postgres store.
type MemoryStore struct {
	mu       sync.RWMutex
	agents   map[string]models.Agent
	byPubKey map[string]string
	feedback map[string][]models.FeedbackRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:   map[string]models.Agent{},
		byPubKey: map[string]string{},
		feedback: map[string][]models.FeedbackRecord{},
	}
}

func copyAgent(agent models.Agent) models.Agent {
	out := agent
	out.Expertise = append([]string(nil), agent.Expertise...)
	if agent.Endpoints != nil {
		out.Endpoints = make(map[string]string, len(agent.Endpoints))
		for k, v := range agent.Endpoints {
			out.Endpoints[k] = v
		}
	}
	if agent.Policy != nil {
		p := *agent.Policy
		p.AllowedTools = append([]string(nil), agent.Policy.AllowedTools...)
		p.AllowedDomains = append([]string(nil), agent.Policy.AllowedDomains...)
		p.BlockedDomains = append([]string(nil), agent.Policy.BlockedDomains...)
		if agent.Policy.MaxDurationMinutes != nil {
			d := *agent.Policy.MaxDurationMinutes
			p.MaxDurationMinutes = &d
		}
		if agent.Policy.MaxCostUSD != nil {
			c := *agent.Policy.MaxCostUSD
			p.MaxCostUSD = &c
		}
		out.Policy = &p
	}
	return out
}

func (m *MemoryStore) CreateAgent(ctx context.Context, agent models.Agent) (models.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byPubKey[agent.PublicKey]; exists {
		return models.Agent{}, ErrDuplicate
	}
	m.agents[agent.ID] = copyAgent(agent)
	m.byPubKey[agent.PublicKey] = agent.ID
	return agent, nil
}

func (m *MemoryStore) GetAgent(ctx context.Context, id string) (models.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	agent, ok := m.agents[id]
	if !ok {
		return models.Agent{}, ErrNotFound
	}
	return copyAgent(agent), nil
}

func (m *MemoryStore) GetAgentIDByPublicKey(ctx context.Context, publicKey string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byPubKey[publicKey]
	if !ok {
		return "", ErrNotFound
	}
	return id, nil
}

func (m *MemoryStore) UpdateAgent(ctx context.Context, agent models.Agent) (models.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[agent.ID]; !ok {
		return models.Agent{}, ErrNotFound
	}
	m.agents[agent.ID] = copyAgent(agent)
	return agent, nil
}

func (m *MemoryStore) ListAgents(ctx context.Context, filter ListAgentsFilter) ([]models.Agent, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var agents []models.Agent
	for _, agent := range m.agents {
		if filter.VerifiedOnly && !agent.IdentityVerified {
			continue
		}
		if len(filter.Expertise) > 0 && !hasAnyTag(agent.Expertise, filter.Expertise) {
			continue
		}
		agents = append(agents, copyAgent(agent))
	}
	sort.Slice(agents, func(i, j int) bool {
		if agents[i].IdentityVerified != agents[j].IdentityVerified {
			return agents[i].IdentityVerified
		}
		return agents[i].LastActive.After(agents[j].LastActive)
	})

	total := len(agents)
	start := filter.Offset
	if start < 0 {
		start = 0
	}
	if start > total {
		start = total
	}
	end := start + normalizeLimit(filter.Limit)
	if end > total {
		end = total
	}
	return agents[start:end], total, nil
}

func hasAnyTag(have, want []string) bool {
	for _, w := range want {
		for _, h := range have {
			if h == w {
				return true
			}
		}
	}
	return false
}

func (m *MemoryStore) AppendFeedback(ctx context.Context, rec models.FeedbackRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.feedback[rec.AgentID] = append(m.feedback[rec.AgentID], rec)
	return nil
}

func (m *MemoryStore) ListFeedback(ctx context.Context, agentID string) ([]models.FeedbackRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ledger := m.feedback[agentID]
	out := make([]models.FeedbackRecord, len(ledger))
	copy(out, ledger)
	return out, nil
}

func (m *MemoryStore) Stats(ctx context.Context) (DirectoryStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := DirectoryStats{TotalAgents: len(m.agents)}
	for _, agent := range m.agents {
		if agent.IdentityVerified {
			stats.VerifiedAgents++
		}
	}
	return stats, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }
