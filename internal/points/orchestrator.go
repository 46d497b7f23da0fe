package points

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/witnz/topicrelay/internal/faults"
	"github.com/witnz/topicrelay/internal/ledger"
	"github.com/witnz/topicrelay/internal/metrics"
)

const DefaultMintMemo = "Initial points for user"

// Alerter is notified when a run fails after committing ledger state.
type Alerter interface {
	SendWorkflowFailureAlert(runID, step string, completed []string, topicID string, cause error) error
}

type Config struct {
	// Operator pays for every step, receives the mint and sends the transfer.
	Operator ledger.AccountID
	// Recipient receives the transfer unless the request names an account.
	Recipient  ledger.AccountID
	Definition Definition
	MintMemo   string
}

// Orchestrator runs deploy, mint and transfer in order. A step starts only
// after the previous step's receipt. Committed steps are never reversed.
type Orchestrator struct {
	client   ledger.Client
	config   Config
	policy   DeploymentPolicy
	runs     RunStore
	alerts   Alerter
	observer Observer
	logger   *slog.Logger
	now      func() time.Time
}

func NewOrchestrator(client ledger.Client, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Definition.Tick == "" {
		cfg.Definition = DefaultDefinition()
	}
	if cfg.MintMemo == "" {
		cfg.MintMemo = DefaultMintMemo
	}
	return &Orchestrator{
		client: client,
		config: cfg,
		policy: AlwaysDeploy{},
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (o *Orchestrator) SetPolicy(p DeploymentPolicy) {
	o.policy = p
}

func (o *Orchestrator) SetRunStore(s RunStore) {
	o.runs = s
}

func (o *Orchestrator) SetAlerter(a Alerter) {
	o.alerts = a
}

func (o *Orchestrator) SetObserver(fn Observer) {
	o.observer = fn
}

// Transfer mints req.Amount points to the operator and transfers them to
// the recipient. It returns the deployment topic id.
func (o *Orchestrator) Transfer(ctx context.Context, req TransferRequest) (ledger.TopicID, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}

	def := o.config.Definition
	if req.Amount.GreaterThan(def.LimitPerMint) {
		return "", faults.NewValidationError(
			fmt.Sprintf("amount exceeds the per-mint limit of %s", def.LimitPerMint), "amount")
	}
	if o.client == nil {
		return "", faults.NewConfigurationError("ledger", "ledger client not configured")
	}
	if o.config.Operator == "" {
		return "", faults.NewConfigurationError("ledger.operator_id", "")
	}
	recipient := o.recipientFor(req.Name)
	if recipient == "" {
		return "", faults.NewConfigurationError("points.recipient_id", "")
	}

	now := o.now()
	run := &Run{
		ID:        uuid.NewString(),
		State:     StateInit,
		Request:   req,
		Recipient: recipient,
		Tick:      normalizeTick(def.Tick),
		StartedAt: now,
		UpdatedAt: now,
	}
	if o.runs != nil {
		if err := o.runs.SaveRun(run); err != nil {
			return "", fmt.Errorf("failed to save workflow run: %w", err)
		}
	}

	o.logger.Info("Starting points transfer",
		"run_id", run.ID,
		"name", req.Name,
		"amount", req.Amount.String(),
		"operator", o.config.Operator,
		"recipient", recipient)

	if err := o.deploy(ctx, run, def); err != nil {
		return "", o.fail(run, StepDeploy, err)
	}
	if err := o.mint(ctx, run); err != nil {
		return "", o.fail(run, StepMint, err)
	}
	if err := o.transfer(ctx, run); err != nil {
		return "", o.fail(run, StepTransfer, err)
	}

	o.advance(run, StateCompleted)
	metrics.WorkflowRunsTotal.WithLabelValues("completed").Inc()
	o.logger.Info("Points transfer completed", "run_id", run.ID, "topic", run.TopicID, "tx", run.TransferTx)
	return run.TopicID, nil
}

// recipientFor uses name as the recipient when it is an account id.
func (o *Orchestrator) recipientFor(name string) ledger.AccountID {
	if ledger.IsEntityID(name) {
		return ledger.AccountID(name)
	}
	return o.config.Recipient
}

func (o *Orchestrator) deploy(ctx context.Context, run *Run, def Definition) error {
	existing, err := o.policy.Existing(def)
	if err != nil {
		return fmt.Errorf("failed to look up deployment: %w", err)
	}
	if existing != nil {
		run.TopicID = existing.TopicID
		run.Reused = true
		o.advance(run, StateDeployed)
		o.logger.Info("Reusing points deployment", "run_id", run.ID, "tick", run.Tick, "topic", existing.TopicID)
		return nil
	}

	o.advance(run, StateDeploying)
	start := time.Now()
	defer metrics.ObserveStep(string(StepDeploy), start)

	o.progress(run, StepDeploy, StagePreparing, 0)
	payload, err := encodeDeploy(def)
	if err != nil {
		return fmt.Errorf("failed to encode deploy message: %w", err)
	}

	memo := protocol + ":" + run.Tick
	topic, err := o.client.CreateTopic(ctx, memo)
	if err != nil {
		return err
	}
	run.TopicID = topic
	o.save(run)

	o.progress(run, StepDeploy, StageSubmitting, 40)
	receipt, err := o.submit(ctx, topic, payload)
	if err != nil {
		return err
	}
	run.DeployTx = receipt.TransactionID
	o.progress(run, StepDeploy, StageConfirmed, 100)
	o.advance(run, StateDeployed)

	if err := o.policy.Deployed(&Deployment{Definition: def, TopicID: topic, DeployedAt: o.now()}); err != nil {
		o.logger.Error("Failed to register deployment", "run_id", run.ID, "topic", topic, "error", err)
	}
	return nil
}

func (o *Orchestrator) mint(ctx context.Context, run *Run) error {
	o.advance(run, StateMinting)
	start := time.Now()
	defer metrics.ObserveStep(string(StepMint), start)

	o.progress(run, StepMint, StagePreparing, 0)
	payload, err := encodeMint(run.Tick, run.Request.Amount.String(), o.config.Operator, o.config.MintMemo)
	if err != nil {
		return fmt.Errorf("failed to encode mint message: %w", err)
	}

	o.progress(run, StepMint, StageSubmitting, 40)
	receipt, err := o.submit(ctx, run.TopicID, payload)
	if err != nil {
		return err
	}
	run.MintTx = receipt.TransactionID
	o.progress(run, StepMint, StageConfirmed, 100)
	o.advance(run, StateMinted)
	return nil
}

func (o *Orchestrator) transfer(ctx context.Context, run *Run) error {
	o.advance(run, StateTransferring)
	start := time.Now()
	defer metrics.ObserveStep(string(StepTransfer), start)

	o.progress(run, StepTransfer, StagePreparing, 0)
	payload, err := encodeTransfer(run.Tick, run.Request.Amount.String(), o.config.Operator, run.Recipient, run.Request.Memo)
	if err != nil {
		return fmt.Errorf("failed to encode transfer message: %w", err)
	}

	o.progress(run, StepTransfer, StageSubmitting, 40)
	receipt, err := o.submit(ctx, run.TopicID, payload)
	if err != nil {
		return err
	}
	run.TransferTx = receipt.TransactionID
	o.progress(run, StepTransfer, StageConfirmed, 100)
	return nil
}

func (o *Orchestrator) submit(ctx context.Context, topic ledger.TopicID, payload []byte) (ledger.Receipt, error) {
	receipt, err := o.client.Submit(ctx, topic, payload)
	if err != nil {
		return ledger.Receipt{}, err
	}
	if !receipt.Confirmed {
		return ledger.Receipt{}, fmt.Errorf("transaction %s was not confirmed", receipt.TransactionID)
	}
	return receipt, nil
}

func (o *Orchestrator) fail(run *Run, step Step, err error) error {
	if !faults.IsTransportError(err) && !faults.IsValidationError(err) {
		err = faults.NewTransportError(string(step), string(run.TopicID), err)
	}

	run.FailedStep = step
	run.Error = err.Error()
	o.advance(run, StateFailed)

	werr := faults.NewWorkflowError(run.ID, string(step), run.Completed(), err)

	outcome := "failed"
	if werr.Partial() {
		outcome = "partial"
		if o.alerts != nil {
			if aerr := o.alerts.SendWorkflowFailureAlert(run.ID, string(step), werr.Completed, string(run.TopicID), err); aerr != nil {
				o.logger.Error("Failed to send alert", "error", aerr)
			}
		}
	}
	metrics.WorkflowRunsTotal.WithLabelValues(outcome).Inc()

	o.logger.Error("Error transferring points",
		"run_id", run.ID,
		"step", step,
		"completed", werr.Completed,
		"topic", run.TopicID,
		"error", err)
	return werr
}

func (o *Orchestrator) advance(run *Run, state State) {
	run.State = state
	run.UpdatedAt = o.now()
	o.save(run)
}

func (o *Orchestrator) save(run *Run) {
	if o.runs == nil {
		return
	}
	if err := o.runs.SaveRun(run); err != nil {
		o.logger.Error("Failed to save workflow run", "run_id", run.ID, "state", run.State, "error", err)
	}
}

func (o *Orchestrator) progress(run *Run, step Step, stage Stage, pct int) {
	o.logger.Debug("Workflow progress", "run_id", run.ID, "step", step, "stage", stage, "percentage", pct)
	if o.observer != nil {
		o.observer(Progress{RunID: run.ID, Step: step, Stage: stage, Percentage: pct})
	}
}
