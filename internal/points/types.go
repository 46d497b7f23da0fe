package points

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/witnz/topicrelay/internal/faults"
	"github.com/witnz/topicrelay/internal/ledger"
)

// TransferRequest asks for Amount points to be minted and transferred with
// Memo attached to the transfer.
type TransferRequest struct {
	Name   string          `json:"name"`
	Memo   string          `json:"memo"`
	Amount decimal.Decimal `json:"amount"`
}

func (r TransferRequest) Validate() error {
	var missing []string
	if strings.TrimSpace(r.Name) == "" {
		missing = append(missing, "name")
	}
	if strings.TrimSpace(r.Memo) == "" {
		missing = append(missing, "memo")
	}
	if len(missing) > 0 {
		return faults.MissingFields(missing...)
	}
	if !r.Amount.IsPositive() {
		return faults.NewValidationError("amount must be greater than zero", "amount")
	}
	if !r.Amount.IsInteger() {
		return faults.NewValidationError("amount must be a whole number", "amount")
	}
	return nil
}

// Definition describes the points token deployed by the first step.
type Definition struct {
	Name         string
	Tick         string
	MaxSupply    decimal.Decimal
	LimitPerMint decimal.Decimal
	Private      bool
}

func DefaultDefinition() Definition {
	return Definition{
		Name:         "RewardPoints",
		Tick:         "mrp",
		MaxSupply:    decimal.NewFromInt(1000000),
		LimitPerMint: decimal.NewFromInt(1000),
		Private:      true,
	}
}

// Deployment is a token definition committed to its own topic.
type Deployment struct {
	Definition Definition
	TopicID    ledger.TopicID
	DeployedAt time.Time
}

type Step string

const (
	StepDeploy   Step = "deploy"
	StepMint     Step = "mint"
	StepTransfer Step = "transfer"
)

type Stage string

const (
	StagePreparing  Stage = "preparing"
	StageSubmitting Stage = "submitting"
	StageConfirmed  Stage = "confirmed"
)

// Progress is an advisory notification emitted while a step runs.
type Progress struct {
	RunID      string
	Step       Step
	Stage      Stage
	Percentage int
}

type Observer func(Progress)

type State string

const (
	StateInit         State = "init"
	StateDeploying    State = "deploying"
	StateDeployed     State = "deployed"
	StateMinting      State = "minting"
	StateMinted       State = "minted"
	StateTransferring State = "transferring"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
)

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Run is the step marker of one Transfer call. It is saved after every
// state change.
type Run struct {
	ID         string
	State      State
	Request    TransferRequest
	Recipient  ledger.AccountID
	Tick       string
	TopicID    ledger.TopicID
	DeployTx   string
	MintTx     string
	TransferTx string
	Reused     bool
	FailedStep Step
	Error      string
	StartedAt  time.Time
	UpdatedAt  time.Time
}

// Completed lists the steps this run committed to the ledger.
func (r *Run) Completed() []string {
	var done []string
	if r.DeployTx != "" {
		done = append(done, string(StepDeploy))
	}
	if r.MintTx != "" {
		done = append(done, string(StepMint))
	}
	if r.TransferTx != "" {
		done = append(done, string(StepTransfer))
	}
	return done
}
