package storage

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

// WorkflowRun is the persisted step marker of one token workflow run.
type WorkflowRun struct {
	ID         string    `json:"id"`
	State      string    `json:"state"`
	Recipient  string    `json:"recipient"`
	Name       string    `json:"name"`
	Memo       string    `json:"memo"`
	Amount     string    `json:"amount"`
	Tick       string    `json:"tick"`
	TopicID    string    `json:"topic_id,omitempty"`
	DeployTx   string    `json:"deploy_tx,omitempty"`
	MintTx     string    `json:"mint_tx,omitempty"`
	TransferTx string    `json:"transfer_tx,omitempty"`
	Reused     bool      `json:"reused,omitempty"`
	FailedStep string    `json:"failed_step,omitempty"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Deployment records a token definition that can be reused by later runs.
type Deployment struct {
	Tick       string    `json:"tick"`
	Name       string    `json:"name"`
	MaxSupply  string    `json:"max_supply"`
	MintLimit  string    `json:"mint_limit"`
	TopicID    string    `json:"topic_id"`
	DeployedAt time.Time `json:"deployed_at"`
}

func (s *Storage) SaveWorkflowRun(run *WorkflowRun) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(WorkflowsBucket), []byte(run.ID), run)
	})
}

func (s *Storage) GetWorkflowRun(id string) (*WorkflowRun, error) {
	var run WorkflowRun

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(WorkflowsBucket).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &run)
	})
	if err != nil {
		return nil, err
	}

	return &run, nil
}

// ListWorkflowRuns returns every run, oldest first.
func (s *Storage) ListWorkflowRuns() ([]WorkflowRun, error) {
	runs := make([]WorkflowRun, 0)

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(WorkflowsBucket).ForEach(func(k, v []byte) error {
			var run WorkflowRun
			if err := json.Unmarshal(v, &run); err != nil {
				return fmt.Errorf("failed to unmarshal workflow run %s: %w", k, err)
			}
			runs = append(runs, run)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedAt.Before(runs[j].StartedAt)
	})
	return runs, nil
}

func (s *Storage) SaveDeployment(d *Deployment) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(DeploymentsBucket), []byte(d.Tick), d)
	})
}

func (s *Storage) GetDeployment(tick string) (*Deployment, error) {
	var d Deployment

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(DeploymentsBucket).Get([]byte(tick))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &d)
	})
	if err != nil {
		return nil, err
	}

	return &d, nil
}
