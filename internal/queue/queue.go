// Package queue carries settlement commands and events over the message broker.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"launchpad/internal/settlement"
)

const (
	CommandQueue = "presale_settlement_commands"
	EventQueue   = "presale_settlement_events"
)

type Action string

const (
	ActionSweep         Action = "sweep"
	ActionSettleSuccess Action = "settle_success"
	ActionSettleFailure Action = "settle_failure"
	ActionCheckDeposit  Action = "check_deposit"
)

// Command asks a worker to run one settlement operation.
type Command struct {
	Action      Action    `json:"action"`
	PresaleID   string    `json:"presale_id,omitempty"`
	RequestedBy string    `json:"requested_by,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

func (c Command) Validate() error {
	switch c.Action {
	case ActionSweep:
		return nil
	case ActionSettleSuccess, ActionSettleFailure, ActionCheckDeposit:
		if c.PresaleID == "" {
			return fmt.Errorf("%s requires presale_id", c.Action)
		}
		return nil
	}
	return fmt.Errorf("unknown action %q", c.Action)
}

// Publisher is satisfied by *config.Publisher.
type Publisher interface {
	Publish(ctx context.Context, queueName string, message interface{}) error
}

// Events forwards engine events to the event queue.
type Events struct {
	pub   Publisher
	queue string
}

func NewEvents(pub Publisher) *Events {
	return &Events{pub: pub, queue: EventQueue}
}

func (e *Events) Publish(ctx context.Context, event settlement.Event) error {
	return e.pub.Publish(ctx, e.queue, event)
}

// Enqueue validates and publishes a command.
func Enqueue(ctx context.Context, pub Publisher, cmd Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	if cmd.RequestedAt.IsZero() {
		cmd.RequestedAt = time.Now().UTC()
	}
	return pub.Publish(ctx, CommandQueue, cmd)
}

// Settler is the part of the engine the worker drives.
type Settler interface {
	SettleSuccess(ctx context.Context, presaleID string) (*settlement.SuccessResult, error)
	SettleFailure(ctx context.Context, presaleID string) (*settlement.FailureResult, error)
	CheckDeposit(ctx context.Context, presaleID string) (*settlement.DepositStatus, error)
}

type Sweeper interface {
	CheckAndSettleDuePresales(ctx context.Context) (*settlement.SweepResult, error)
}

// Dispatcher executes commands taken off the command queue.
type Dispatcher struct {
	settler Settler
	sweeper Sweeper
}

func NewDispatcher(settler Settler, sweeper Sweeper) *Dispatcher {
	return &Dispatcher{settler: settler, sweeper: sweeper}
}

// Handle runs one raw message. Malformed commands and errors the operation can never
// recover from are dropped; anything else is requeued.
func (d *Dispatcher) Handle(ctx context.Context, body []byte) (bool, error) {
	var cmd Command
	if err := json.Unmarshal(body, &cmd); err != nil {
		return false, fmt.Errorf("decode command: %w", err)
	}
	if err := cmd.Validate(); err != nil {
		return false, err
	}

	logger := log.WithFields(log.Fields{"action": cmd.Action, "presale_id": cmd.PresaleID})
	result, err := d.run(ctx, cmd)
	switch {
	case err == nil:
		logger.WithField("result", result).Info("Command completed")
		return false, nil
	case errors.Is(err, settlement.ErrSettlementInProgress):
		logger.Info("Settlement already running elsewhere, dropping command")
		return false, nil
	case errors.Is(err, settlement.ErrNotFound),
		errors.Is(err, settlement.ErrInvalidState),
		errors.Is(err, settlement.ErrSignerUnavailable):
		return false, err
	}
	return ctx.Err() == nil, err
}

func (d *Dispatcher) run(ctx context.Context, cmd Command) (interface{}, error) {
	switch cmd.Action {
	case ActionSweep:
		return d.sweeper.CheckAndSettleDuePresales(ctx)
	case ActionSettleSuccess:
		return d.settler.SettleSuccess(ctx, cmd.PresaleID)
	case ActionSettleFailure:
		return d.settler.SettleFailure(ctx, cmd.PresaleID)
	default:
		return d.settler.CheckDeposit(ctx, cmd.PresaleID)
	}
}
