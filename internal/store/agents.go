package store

import (
	"encoding/json"
	"fmt"

	"github.com/mvlachos/accord/internal/capability"
	"github.com/mvlachos/accord/internal/registry"
)

// SaveAgent upserts one registered agent so the registry can be rebuilt
// after a restart.
func (s *Store) SaveAgent(a registry.Agent) error {
	caps, err := json.Marshal(a.Capabilities.Strings())
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO agents (id, capabilities, weight, leader, status)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			capabilities = excluded.capabilities,
			weight = excluded.weight,
			leader = excluded.leader,
			status = excluded.status,
			updated_at = CURRENT_TIMESTAMP`,
		a.ID, string(caps), a.Weight, a.Leader, string(a.Status))
	if err != nil {
		return fmt.Errorf("save agent: %w", err)
	}
	return nil
}

// ListAgents returns every persisted agent, active or not, in id order.
func (s *Store) ListAgents() ([]registry.Agent, error) {
	rows, err := s.db.Query(`
		SELECT id, capabilities, weight, leader, status
		FROM agents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []registry.Agent
	for rows.Next() {
		var a registry.Agent
		var caps, status string
		if err := rows.Scan(&a.ID, &caps, &a.Weight, &a.Leader, &status); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		var names []string
		if err := json.Unmarshal([]byte(caps), &names); err != nil {
			return nil, fmt.Errorf("decode capabilities for %s: %w", a.ID, err)
		}
		set, err := capability.ParseSet(names)
		if err != nil {
			return nil, fmt.Errorf("parse capabilities for %s: %w", a.ID, err)
		}
		a.Capabilities = set
		a.Status = registry.Status(status)
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func (s *Store) DeleteAgent(id string) error {
	_, err := s.db.Exec(`DELETE FROM agents WHERE id = ?`, id)
	return err
}
