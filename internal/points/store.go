package points

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/witnz/topicrelay/internal/ledger"
	"github.com/witnz/topicrelay/internal/storage"
)

// RunStore persists run markers.
type RunStore interface {
	SaveRun(run *Run) error
}

// DeploymentRegistry remembers committed deployments by tick.
type DeploymentRegistry interface {
	LookupDeployment(tick string) (*Deployment, error)
	RegisterDeployment(d *Deployment) error
}

// Store keeps runs and deployments in the local bbolt database.
type Store struct {
	storage *storage.Storage
}

var (
	_ RunStore           = (*Store)(nil)
	_ DeploymentRegistry = (*Store)(nil)
)

func NewStore(s *storage.Storage) *Store {
	return &Store{storage: s}
}

func (s *Store) SaveRun(run *Run) error {
	return s.storage.SaveWorkflowRun(&storage.WorkflowRun{
		ID:         run.ID,
		State:      string(run.State),
		Recipient:  string(run.Recipient),
		Name:       run.Request.Name,
		Memo:       run.Request.Memo,
		Amount:     run.Request.Amount.String(),
		Tick:       run.Tick,
		TopicID:    string(run.TopicID),
		DeployTx:   run.DeployTx,
		MintTx:     run.MintTx,
		TransferTx: run.TransferTx,
		Reused:     run.Reused,
		FailedStep: string(run.FailedStep),
		Error:      run.Error,
		StartedAt:  run.StartedAt,
		UpdatedAt:  run.UpdatedAt,
	})
}

func (s *Store) GetRun(id string) (*Run, error) {
	record, err := s.storage.GetWorkflowRun(id)
	if err != nil {
		return nil, err
	}
	return fromRecord(record)
}

// ListRuns returns every persisted run, oldest first.
func (s *Store) ListRuns() ([]*Run, error) {
	records, err := s.storage.ListWorkflowRuns()
	if err != nil {
		return nil, err
	}

	runs := make([]*Run, 0, len(records))
	for i := range records {
		run, err := fromRecord(&records[i])
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

func fromRecord(r *storage.WorkflowRun) (*Run, error) {
	amount, err := decimal.NewFromString(r.Amount)
	if err != nil {
		return nil, fmt.Errorf("corrupt amount in run %s: %w", r.ID, err)
	}
	return &Run{
		ID:    r.ID,
		State: State(r.State),
		Request: TransferRequest{
			Name:   r.Name,
			Memo:   r.Memo,
			Amount: amount,
		},
		Recipient:  ledger.AccountID(r.Recipient),
		Tick:       r.Tick,
		TopicID:    ledger.TopicID(r.TopicID),
		DeployTx:   r.DeployTx,
		MintTx:     r.MintTx,
		TransferTx: r.TransferTx,
		Reused:     r.Reused,
		FailedStep: Step(r.FailedStep),
		Error:      r.Error,
		StartedAt:  r.StartedAt,
		UpdatedAt:  r.UpdatedAt,
	}, nil
}

// LookupDeployment returns nil without error when tick was never deployed.
func (s *Store) LookupDeployment(tick string) (*Deployment, error) {
	record, err := s.storage.GetDeployment(normalizeTick(tick))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	maxSupply, err := decimal.NewFromString(record.MaxSupply)
	if err != nil {
		return nil, fmt.Errorf("corrupt max supply for %s: %w", tick, err)
	}
	limit, err := decimal.NewFromString(record.MintLimit)
	if err != nil {
		return nil, fmt.Errorf("corrupt mint limit for %s: %w", tick, err)
	}

	return &Deployment{
		Definition: Definition{
			Name:         record.Name,
			Tick:         record.Tick,
			MaxSupply:    maxSupply,
			LimitPerMint: limit,
			Private:      true,
		},
		TopicID:    ledger.TopicID(record.TopicID),
		DeployedAt: record.DeployedAt,
	}, nil
}

func (s *Store) RegisterDeployment(d *Deployment) error {
	return s.storage.SaveDeployment(&storage.Deployment{
		Tick:       normalizeTick(d.Definition.Tick),
		Name:       d.Definition.Name,
		MaxSupply:  d.Definition.MaxSupply.String(),
		MintLimit:  d.Definition.LimitPerMint.String(),
		TopicID:    string(d.TopicID),
		DeployedAt: d.DeployedAt,
	})
}
