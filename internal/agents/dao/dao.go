// Package dao implements the agent owning the cooperative's token
// economy: reward pools, staking positions, and the transaction log that
// settles them. Stakes and unstakes are accepted as pending transactions
// and settled asynchronously by the distribution worker.
package dao

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/myconet/myconet/internal/agent"
	"github.com/myconet/myconet/internal/common/ids"
	"github.com/myconet/myconet/internal/store"
	"github.com/myconet/myconet/internal/taskqueue"
)

// Kind identifies this agent type in descriptors.
const Kind = "dao"

// Pipeline queues owned by the agent.
const (
	QueueStaking      = "staking"
	QueueReward       = "reward"
	QueueDistribution = "distribution"
)

// Pool statuses.
const (
	PoolActive    = "active"
	PoolSuspended = "suspended"
)

// Position statuses.
const (
	PositionActive = "active"
	PositionClosed = "closed"
)

// Transaction kinds.
const (
	TxStake        = "stake"
	TxUnstake      = "unstake"
	TxDistribution = "distribution"
)

// Transaction statuses.
const (
	TxPending   = "pending"
	TxConfirmed = "confirmed"
	TxFailed    = "failed"
)

const (
	poolPrefix = "pool_"
	posPrefix  = "pos_"
	txPrefix   = "tx_"
)

var (
	// ErrMissingParam marks an operation call lacking a required field.
	ErrMissingParam = errors.New("missing required parameter")
	// ErrInvalidAmount is returned for zero or negative stake amounts.
	ErrInvalidAmount = errors.New("amount must be positive")
	// ErrPoolNotFound is returned for unknown pool ids.
	ErrPoolNotFound = errors.New("pool not found")
	// ErrPositionNotFound is returned for unknown position ids.
	ErrPositionNotFound = errors.New("position not found")
	// ErrPositionClosed is returned when unstaking an already-closed position.
	ErrPositionClosed = errors.New("position already closed")
	// ErrTransactionNotFound is returned for unknown transaction ids.
	ErrTransactionNotFound = errors.New("transaction not found")
)

// Pool is one reward pool. TotalStaked mirrors the sum of its active
// positions and is maintained by the settlement worker.
type Pool struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Token  string `json:"token"`
	Status string `json:"status"`
	// RewardRate is tokens accrued per staked token per hour.
	RewardRate  float64   `json:"reward_rate"`
	TotalStaked float64   `json:"total_staked"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Position is one member's stake in a pool.
type Position struct {
	ID            string    `json:"id"`
	PoolID        string    `json:"pool_id"`
	Staker        string    `json:"staker"`
	Amount        float64   `json:"amount"`
	AccruedReward float64   `json:"accrued_reward"`
	Status        string    `json:"status"`
	StakedAt      time.Time `json:"staked_at"`
	// AccruedAt is the upper bound of the interval already credited to
	// AccruedReward; accrual always resumes from here, so a skipped cycle
	// loses nothing.
	AccruedAt time.Time  `json:"accrued_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
}

// Transaction is one pending or settled ledger movement.
type Transaction struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	PoolID     string    `json:"pool_id"`
	PositionID string    `json:"position_id,omitempty"`
	Staker     string    `json:"staker,omitempty"`
	Amount     float64   `json:"amount"`
	Status     string    `json:"status"`
	Detail     string    `json:"detail,omitempty"`
	At         time.Time `json:"at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Config tunes the agent's pipelines and accrual cycle.
type Config struct {
	StakingCapacity      int
	RewardCapacity       int
	DistributionCapacity int
	// RewardInterval is the accrual cycle period.
	RewardInterval time.Duration
}

// DefaultConfig returns production settings.
func DefaultConfig() Config {
	return Config{
		StakingCapacity:      64,
		RewardCapacity:       64,
		DistributionCapacity: 16,
		RewardInterval:       time.Minute,
	}
}

// configFromDescriptor overlays descriptor config onto the defaults.
func configFromDescriptor(desc agent.Descriptor) Config {
	def := DefaultConfig()
	return Config{
		StakingCapacity:      agent.ConfigInt(desc.Config, "staking_capacity", def.StakingCapacity),
		RewardCapacity:       agent.ConfigInt(desc.Config, "reward_capacity", def.RewardCapacity),
		DistributionCapacity: agent.ConfigInt(desc.Config, "distribution_capacity", def.DistributionCapacity),
		RewardInterval:       agent.ConfigDuration(desc.Config, "reward_interval", def.RewardInterval),
	}
}

// Agent owns the token pools, positions, and transactions.
type Agent struct {
	*agent.Core
	cfg Config

	// mu serializes read-modify-write cycles on the document store
	// between operations and the settlement worker.
	mu sync.Mutex
}

// New creates the agent for the given descriptor.
func New(desc agent.Descriptor) *Agent {
	return &Agent{
		Core: agent.NewCore(desc),
		cfg:  configFromDescriptor(desc),
	}
}

// Factory builds the agent for the orchestrator.
func Factory(desc agent.Descriptor) (agent.Agent, error) {
	return New(desc), nil
}

// Initialize registers queues, operations, and loops. Idempotent.
func (a *Agent) Initialize(ctx context.Context, rt *agent.Runtime) error {
	if a.Initialized() {
		return nil
	}
	a.AttachRuntime(rt)

	queues := []struct {
		name string
		cap  int
	}{
		{QueueStaking, a.cfg.StakingCapacity},
		{QueueReward, a.cfg.RewardCapacity},
		{QueueDistribution, a.cfg.DistributionCapacity},
	}
	for _, q := range queues {
		if _, err := rt.RegisterQueue(q.name, q.cap); err != nil {
			return err
		}
	}

	a.RegisterOperation("create_pool", a.opCreatePool)
	a.RegisterOperation("stake", a.opStake)
	a.RegisterOperation("unstake", a.opUnstake)
	a.RegisterOperation("distribute_rewards", a.opDistributeRewards)
	a.RegisterOperation("get_pool", a.opGetPool)
	a.RegisterOperation("list_pools", a.opListPools)

	rt.SpawnLoop("reward-cycle", a.rewardCycle)
	rt.SpawnLoop("distribution-worker", a.settlementWorker)

	a.MarkInitialized()
	return nil
}

// Start publishes the initial pool gauges.
func (a *Agent) Start(ctx context.Context) error {
	pools, err := a.listPools("")
	if err != nil {
		return err
	}
	var staked float64
	for _, p := range pools {
		staked += p.TotalStaked
	}
	a.Runtime().SetMetric("pools", float64(len(pools)))
	a.Runtime().SetMetric("total_staked", staked)
	return nil
}

// Stop is a no-op: every mutation is already persisted. Pending
// transactions settle on the next start's queue replay by the callers
// that submitted them.
func (a *Agent) Stop(ctx context.Context) error {
	a.Runtime().Logger().Info("DAO agent stopping")
	return nil
}

// HandleError implements the agent's error contract. A token_error
// suspends the named pool; a transaction_error fails the named
// transaction. Both persist and notify.
func (a *Agent) HandleError(ctx context.Context, kind string, data map[string]any) agent.ErrorOutcome {
	switch kind {
	case agent.KindTokenError:
		id, _ := data["pool_id"].(string)
		if id == "" {
			return agent.ErrorOutcome{Success: false, Action: "suspend_pool", Detail: "no pool id in error data"}
		}
		if err := a.suspendPool(id); err != nil {
			return agent.ErrorOutcome{Success: false, Action: "suspend_pool", Subject: id, Detail: err.Error()}
		}
		return agent.ErrorOutcome{Success: true, Action: "suspend_pool", Subject: id}

	case agent.KindTransactionError:
		id, _ := data["transaction_id"].(string)
		if id == "" {
			return agent.ErrorOutcome{Success: false, Action: "fail_transaction", Detail: "no transaction id in error data"}
		}
		reason, _ := data["reason"].(string)
		if err := a.failTransaction(id, reason); err != nil {
			return agent.ErrorOutcome{Success: false, Action: "fail_transaction", Subject: id, Detail: err.Error()}
		}
		return agent.ErrorOutcome{Success: true, Action: "fail_transaction", Subject: id}

	default:
		return agent.ErrorOutcome{Success: false, Action: "none", Detail: "unhandled error kind: " + kind}
	}
}

// suspendPool flips a pool to Suspended and notifies. Suspended pools
// accrue nothing and reject settlement of pending stakes.
func (a *Agent) suspendPool(id string) error {
	a.mu.Lock()
	pool, err := a.getPool(id)
	if err != nil {
		a.mu.Unlock()
		return err
	}
	if pool.Status == PoolSuspended {
		a.mu.Unlock()
		return nil
	}
	pool.Status = PoolSuspended
	pool.UpdatedAt = time.Now().UTC()
	err = a.Runtime().Store().Put(pool.ID, pool)
	a.mu.Unlock()
	if err != nil {
		return err
	}
	a.Runtime().Notify("pool_suspended", pool.ID, map[string]any{"name": pool.Name})
	return nil
}

// failTransaction marks a pending transaction Failed. Failing an
// already-failed transaction is a no-op; a confirmed transaction cannot
// be failed.
func (a *Agent) failTransaction(id, reason string) error {
	a.mu.Lock()
	tx, err := a.getTransaction(id)
	if err != nil {
		a.mu.Unlock()
		return err
	}
	if tx.Status == TxFailed {
		a.mu.Unlock()
		return nil
	}
	if tx.Status == TxConfirmed {
		a.mu.Unlock()
		return fmt.Errorf("transaction %s already confirmed", id)
	}
	tx.Status = TxFailed
	tx.Detail = reason
	tx.UpdatedAt = time.Now().UTC()
	err = a.Runtime().Store().Put(tx.ID, tx)
	a.mu.Unlock()
	if err != nil {
		return err
	}
	a.Runtime().Notify("transaction_failed", tx.ID, map[string]any{
		"kind":   tx.Kind,
		"reason": reason,
	})
	return nil
}

// --- operations ---

func (a *Agent) opCreatePool(ctx context.Context, params map[string]any) (map[string]any, error) {
	name, _ := params["name"].(string)
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("%w: name", ErrMissingParam)
	}
	token, _ := params["token"].(string)
	if token == "" {
		token = "MYC"
	}
	rate, _ := params["reward_rate"].(float64)
	if rate < 0 {
		return nil, fmt.Errorf("%w: reward_rate", ErrInvalidAmount)
	}

	now := time.Now().UTC()
	pool := &Pool{
		ID:         poolPrefix + ids.New(),
		Name:       strings.TrimSpace(name),
		Token:      token,
		Status:     PoolActive,
		RewardRate: rate,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	a.mu.Lock()
	err := a.Runtime().Store().Put(pool.ID, pool)
	a.mu.Unlock()
	if err != nil {
		return nil, err
	}

	a.Runtime().Notify("pool_created", pool.ID, map[string]any{
		"name":  pool.Name,
		"token": pool.Token,
	})
	return map[string]any{"id": pool.ID, "status": pool.Status}, nil
}

// opStake records a pending stake transaction and queues it for
// settlement. Only the pool's existence is checked here; suspension is a
// settlement-time concern, so a stake against a pool suspended after
// submission fails through the error contract rather than being lost.
func (a *Agent) opStake(ctx context.Context, params map[string]any) (map[string]any, error) {
	poolID, _ := params["pool_id"].(string)
	staker, _ := params["staker"].(string)
	if poolID == "" {
		return nil, fmt.Errorf("%w: pool_id", ErrMissingParam)
	}
	if strings.TrimSpace(staker) == "" {
		return nil, fmt.Errorf("%w: staker", ErrMissingParam)
	}
	amount, _ := params["amount"].(float64)
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	a.mu.Lock()
	_, err := a.getPool(poolID)
	a.mu.Unlock()
	if err != nil {
		return nil, err
	}

	tx, err := a.submitTransaction(&Transaction{
		Kind:   TxStake,
		PoolID: poolID,
		Staker: strings.TrimSpace(staker),
		Amount: amount,
	}, QueueStaking, "stake")
	if err != nil {
		return nil, err
	}
	return map[string]any{"queued": true, "transaction_id": tx.ID}, nil
}

func (a *Agent) opUnstake(ctx context.Context, params map[string]any) (map[string]any, error) {
	positionID, _ := params["position_id"].(string)
	if positionID == "" {
		return nil, fmt.Errorf("%w: position_id", ErrMissingParam)
	}

	a.mu.Lock()
	pos, err := a.getPosition(positionID)
	a.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if pos.Status != PositionActive {
		return nil, fmt.Errorf("%w: %s", ErrPositionClosed, positionID)
	}

	tx, err := a.submitTransaction(&Transaction{
		Kind:       TxUnstake,
		PoolID:     pos.PoolID,
		PositionID: pos.ID,
		Staker:     pos.Staker,
		Amount:     pos.Amount,
	}, QueueStaking, "unstake")
	if err != nil {
		return nil, err
	}
	return map[string]any{"queued": true, "transaction_id": tx.ID}, nil
}

func (a *Agent) opDistributeRewards(ctx context.Context, params map[string]any) (map[string]any, error) {
	poolID, _ := params["pool_id"].(string)
	if poolID == "" {
		return nil, fmt.Errorf("%w: pool_id", ErrMissingParam)
	}

	a.mu.Lock()
	_, err := a.getPool(poolID)
	a.mu.Unlock()
	if err != nil {
		return nil, err
	}

	task := taskqueue.NewTask("distribute", map[string]any{"pool_id": poolID})
	q, _ := a.Runtime().Queue(QueueDistribution)
	if err := q.Enqueue(task); err != nil {
		return nil, err
	}
	return map[string]any{"queued": true, "task_id": task.ID}, nil
}

func (a *Agent) opGetPool(ctx context.Context, params map[string]any) (map[string]any, error) {
	id, _ := params["id"].(string)
	if id == "" {
		return nil, fmt.Errorf("%w: id", ErrMissingParam)
	}

	a.mu.Lock()
	pool, err := a.getPool(id)
	if err != nil {
		a.mu.Unlock()
		return nil, err
	}
	positions, err := a.listPositions(id)
	a.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return map[string]any{"pool": pool, "positions": positions}, nil
}

func (a *Agent) opListPools(ctx context.Context, params map[string]any) (map[string]any, error) {
	status, _ := params["status"].(string)
	pools, err := a.listPools(status)
	if err != nil {
		return nil, err
	}
	return map[string]any{"pools": pools, "count": len(pools)}, nil
}

// submitTransaction persists a pending transaction and queues its
// settlement task. A rejected enqueue fails the transaction immediately
// so the ledger never holds a pending entry nothing will settle.
func (a *Agent) submitTransaction(tx *Transaction, queue, taskKind string) (*Transaction, error) {
	now := time.Now().UTC()
	tx.ID = txPrefix + ids.New()
	tx.Status = TxPending
	tx.At = now
	tx.UpdatedAt = now

	a.mu.Lock()
	err := a.Runtime().Store().Put(tx.ID, tx)
	a.mu.Unlock()
	if err != nil {
		return nil, err
	}

	task := taskqueue.NewTask(taskKind, map[string]any{"transaction_id": tx.ID})
	q, _ := a.Runtime().Queue(queue)
	if err := q.Enqueue(task); err != nil {
		_ = a.failTransaction(tx.ID, "settlement queue rejected the transaction")
		return nil, err
	}
	return tx, nil
}

// --- store access ---

// getPool loads one pool. Callers hold a.mu when they intend to write back.
func (a *Agent) getPool(id string) (*Pool, error) {
	var pool Pool
	if err := a.Runtime().Store().Get(id, &pool); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrPoolNotFound, id)
		}
		return nil, err
	}
	return &pool, nil
}

func (a *Agent) getPosition(id string) (*Position, error) {
	var pos Position
	if err := a.Runtime().Store().Get(id, &pos); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, id)
		}
		return nil, err
	}
	return &pos, nil
}

func (a *Agent) getTransaction(id string) (*Transaction, error) {
	var tx Transaction
	if err := a.Runtime().Store().Get(id, &tx); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, id)
		}
		return nil, err
	}
	return &tx, nil
}

// listPools scans the store for pools, optionally filtered by status,
// sorted by creation time.
func (a *Agent) listPools(status string) ([]*Pool, error) {
	docIDs, err := a.Runtime().Store().List()
	if err != nil {
		return nil, err
	}

	pools := make([]*Pool, 0, len(docIDs))
	for _, id := range docIDs {
		if !strings.HasPrefix(id, poolPrefix) {
			continue
		}
		var pool Pool
		if err := a.Runtime().Store().Get(id, &pool); err != nil {
			continue
		}
		if status != "" && pool.Status != status {
			continue
		}
		pools = append(pools, &pool)
	}
	sort.Slice(pools, func(i, j int) bool {
		return pools[i].CreatedAt.Before(pools[j].CreatedAt)
	})
	return pools, nil
}

// listPositions returns a pool's positions sorted by stake time. An
// empty poolID returns every position.
func (a *Agent) listPositions(poolID string) ([]*Position, error) {
	docIDs, err := a.Runtime().Store().List()
	if err != nil {
		return nil, err
	}

	positions := make([]*Position, 0, len(docIDs))
	for _, id := range docIDs {
		if !strings.HasPrefix(id, posPrefix) {
			continue
		}
		var pos Position
		if err := a.Runtime().Store().Get(id, &pos); err != nil {
			continue
		}
		if poolID != "" && pos.PoolID != poolID {
			continue
		}
		positions = append(positions, &pos)
	}
	sort.Slice(positions, func(i, j int) bool {
		return positions[i].StakedAt.Before(positions[j].StakedAt)
	})
	return positions, nil
}
