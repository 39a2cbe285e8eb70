package dao

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/myconet/myconet/internal/agent"
	"github.com/myconet/myconet/internal/common/ids"
	"github.com/myconet/myconet/internal/taskqueue"
)

// pollSlice bounds one blocking Dequeue when the worker round-robins its
// pipelines, so none of them can starve the others.
const pollSlice = 250 * time.Millisecond

// settlementWorker is the single consumer for the staking, reward, and
// distribution queues. Ledger mutation stays confined to this loop and
// the mutex-guarded operations.
func (a *Agent) settlementWorker(ctx context.Context) error {
	pipelines := []string{QueueStaking, QueueReward, QueueDistribution}

	closed := 0
	for _, name := range pipelines {
		q, ok := a.Runtime().Queue(name)
		if !ok {
			continue
		}

		slice, cancel := context.WithTimeout(ctx, pollSlice)
		task, err := q.Dequeue(slice)
		cancel()
		if err != nil {
			if errors.Is(err, taskqueue.ErrQueueClosed) {
				closed++
				continue
			}
			if errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			return err
		}

		taskErr := a.settleTask(ctx, task)
		q.MarkDone()
		if taskErr != nil {
			return taskErr
		}
	}

	// All pipelines drained: idle until shutdown instead of spinning.
	if closed == len(pipelines) {
		select {
		case <-ctx.Done():
		case <-time.After(pollSlice):
		}
	}

	a.Runtime().SetMetric("pending_settlements", float64(a.queueLen(QueueStaking)+a.queueLen(QueueDistribution)))
	return ctx.Err()
}

func (a *Agent) queueLen(name string) int {
	if q, ok := a.Runtime().Queue(name); ok {
		return q.Len()
	}
	return 0
}

// settleTask runs one pipeline task.
func (a *Agent) settleTask(ctx context.Context, task taskqueue.Task) error {
	switch task.Kind {
	case "stake":
		id, _ := task.Payload["transaction_id"].(string)
		return a.settleStake(id)
	case "unstake":
		id, _ := task.Payload["transaction_id"].(string)
		return a.settleUnstake(id)
	case "accrue":
		id, _ := task.Payload["pool_id"].(string)
		return a.accruePool(id)
	case "distribute":
		id, _ := task.Payload["pool_id"].(string)
		return a.distributePool(id)
	default:
		a.Runtime().Logger().Warn("Unknown settlement task", zap.String("kind", task.Kind))
		return nil
	}
}

// settleStake opens a position for a pending stake transaction. A pool
// suspended between submission and settlement raises a
// transaction_error so the transaction fails through the error contract
// instead of silently vanishing.
func (a *Agent) settleStake(txID string) error {
	a.mu.Lock()
	tx, err := a.getTransaction(txID)
	if err != nil {
		a.mu.Unlock()
		if errors.Is(err, ErrTransactionNotFound) {
			return nil
		}
		return err
	}
	if tx.Status != TxPending {
		// Already settled or failed; the queue replayed a stale task.
		a.mu.Unlock()
		return nil
	}

	pool, err := a.getPool(tx.PoolID)
	if err != nil {
		a.mu.Unlock()
		return agent.NewKindError(agent.KindTransactionError,
			map[string]any{"transaction_id": tx.ID, "reason": "pool missing at settlement"},
			err)
	}
	if pool.Status != PoolActive {
		a.mu.Unlock()
		return agent.NewKindError(agent.KindTransactionError,
			map[string]any{"transaction_id": tx.ID, "reason": "pool suspended"},
			fmt.Errorf("pool %s is %s", pool.ID, pool.Status))
	}

	now := time.Now().UTC()
	pos := &Position{
		ID:        posPrefix + ids.New(),
		PoolID:    pool.ID,
		Staker:    tx.Staker,
		Amount:    tx.Amount,
		Status:    PositionActive,
		StakedAt:  now,
		AccruedAt: now,
	}
	if err := a.Runtime().Store().Put(pos.ID, pos); err != nil {
		a.mu.Unlock()
		return err
	}

	pool.TotalStaked += tx.Amount
	pool.UpdatedAt = now
	if err := a.Runtime().Store().Put(pool.ID, pool); err != nil {
		a.mu.Unlock()
		return err
	}

	tx.Status = TxConfirmed
	tx.PositionID = pos.ID
	tx.UpdatedAt = now
	err = a.Runtime().Store().Put(tx.ID, tx)
	a.mu.Unlock()
	if err != nil {
		return err
	}

	a.Runtime().SetMetric("total_staked", a.totalStaked())
	a.Runtime().Notify("stake_confirmed", tx.ID, map[string]any{
		"pool_id":     pool.ID,
		"position_id": pos.ID,
		"staker":      tx.Staker,
		"amount":      tx.Amount,
	})
	return nil
}

// settleUnstake closes the position behind a pending unstake
// transaction, crediting any reward accrued up to now.
func (a *Agent) settleUnstake(txID string) error {
	a.mu.Lock()
	tx, err := a.getTransaction(txID)
	if err != nil {
		a.mu.Unlock()
		if errors.Is(err, ErrTransactionNotFound) {
			return nil
		}
		return err
	}
	if tx.Status != TxPending {
		a.mu.Unlock()
		return nil
	}

	pos, err := a.getPosition(tx.PositionID)
	if err != nil {
		a.mu.Unlock()
		return agent.NewKindError(agent.KindTransactionError,
			map[string]any{"transaction_id": tx.ID, "reason": "position missing at settlement"},
			err)
	}
	if pos.Status != PositionActive {
		a.mu.Unlock()
		return agent.NewKindError(agent.KindTransactionError,
			map[string]any{"transaction_id": tx.ID, "reason": "position already closed"},
			fmt.Errorf("position %s is %s", pos.ID, pos.Status))
	}

	now := time.Now().UTC()
	if pool, err := a.getPool(pos.PoolID); err == nil {
		accruePosition(pos, pool.RewardRate, now)
		pool.TotalStaked -= pos.Amount
		if pool.TotalStaked < 0 {
			pool.TotalStaked = 0
		}
		pool.UpdatedAt = now
		if err := a.Runtime().Store().Put(pool.ID, pool); err != nil {
			a.mu.Unlock()
			return err
		}
	}

	reward := pos.AccruedReward
	pos.Status = PositionClosed
	pos.ClosedAt = &now
	if err := a.Runtime().Store().Put(pos.ID, pos); err != nil {
		a.mu.Unlock()
		return err
	}

	tx.Status = TxConfirmed
	tx.UpdatedAt = now
	err = a.Runtime().Store().Put(tx.ID, tx)
	a.mu.Unlock()
	if err != nil {
		return err
	}

	a.Runtime().SetMetric("total_staked", a.totalStaked())
	a.Runtime().Notify("unstake_confirmed", tx.ID, map[string]any{
		"position_id": pos.ID,
		"staker":      pos.Staker,
		"amount":      pos.Amount,
		"reward":      reward,
	})
	return nil
}

// accruePool credits reward to every active position in the pool for the
// interval since its last accrual. Suspended pools accrue nothing.
func (a *Agent) accruePool(poolID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	pool, err := a.getPool(poolID)
	if err != nil {
		if errors.Is(err, ErrPoolNotFound) {
			return nil
		}
		return err
	}
	if pool.Status != PoolActive || pool.RewardRate == 0 {
		return nil
	}

	positions, err := a.listPositions(pool.ID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, pos := range positions {
		if pos.Status != PositionActive {
			continue
		}
		accruePosition(pos, pool.RewardRate, now)
		if err := a.Runtime().Store().Put(pos.ID, pos); err != nil {
			return err
		}
	}
	return nil
}

// accruePosition advances a position's reward to now. Callers persist.
func accruePosition(pos *Position, ratePerHour float64, now time.Time) {
	elapsed := now.Sub(pos.AccruedAt)
	if elapsed <= 0 {
		return
	}
	pos.AccruedReward += pos.Amount * ratePerHour * elapsed.Hours()
	pos.AccruedAt = now
}

// distributePool pays out the accrued rewards of every active position
// in the pool and records the payout as a confirmed distribution
// transaction. Suspended pools are skipped: their balances stay frozen
// until the pool is reinstated.
func (a *Agent) distributePool(poolID string) error {
	a.mu.Lock()
	pool, err := a.getPool(poolID)
	if err != nil {
		a.mu.Unlock()
		if errors.Is(err, ErrPoolNotFound) {
			return nil
		}
		return err
	}
	if pool.Status != PoolActive {
		a.mu.Unlock()
		a.Runtime().Logger().Info("Distribution skipped for suspended pool",
			zap.String("pool_id", poolID))
		return nil
	}

	positions, err := a.listPositions(pool.ID)
	if err != nil {
		a.mu.Unlock()
		return err
	}

	now := time.Now().UTC()
	var total float64
	paid := 0
	for _, pos := range positions {
		if pos.Status != PositionActive {
			continue
		}
		accruePosition(pos, pool.RewardRate, now)
		if pos.AccruedReward == 0 {
			continue
		}
		total += pos.AccruedReward
		pos.AccruedReward = 0
		if err := a.Runtime().Store().Put(pos.ID, pos); err != nil {
			a.mu.Unlock()
			return err
		}
		paid++
	}

	tx := &Transaction{
		ID:        txPrefix + ids.New(),
		Kind:      TxDistribution,
		PoolID:    pool.ID,
		Amount:    total,
		Status:    TxConfirmed,
		At:        now,
		UpdatedAt: now,
	}
	err = a.Runtime().Store().Put(tx.ID, tx)
	a.mu.Unlock()
	if err != nil {
		return err
	}

	a.Runtime().Notify("rewards_distributed", pool.ID, map[string]any{
		"transaction_id": tx.ID,
		"total":          total,
		"positions":      paid,
	})
	return nil
}

// totalStaked sums the staked balance across all pools.
func (a *Agent) totalStaked() float64 {
	pools, err := a.listPools("")
	if err != nil {
		return 0
	}
	var sum float64
	for _, p := range pools {
		sum += p.TotalStaked
	}
	return sum
}

// rewardCycle periodically queues an accrual task per active pool.
// Dropped tasks lose nothing: accrual always resumes from each
// position's accrued_at watermark.
func (a *Agent) rewardCycle(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case <-time.After(a.cfg.RewardInterval):
	}

	pools, err := a.listPools(PoolActive)
	if err != nil {
		return err
	}

	q, ok := a.Runtime().Queue(QueueReward)
	if !ok {
		return nil
	}
	for _, pool := range pools {
		task := taskqueue.NewTask("accrue", map[string]any{"pool_id": pool.ID})
		if err := q.Enqueue(task); err != nil {
			if errors.Is(err, taskqueue.ErrQueueClosed) {
				return nil
			}
			a.Runtime().Logger().Warn("Accrual task dropped",
				zap.String("pool_id", pool.ID),
				zap.Error(err))
		}
	}
	a.Runtime().SetMetric("pools", float64(len(pools)))
	return nil
}
