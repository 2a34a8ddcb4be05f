// Package scheduler implements the distributed agent cycle scheduler: agent
// registry, due-time index, leader election with fence tokens, the durable
// execution queue, and the callback dispatch pump.
package scheduler

import (
	"errors"
	"net/url"
	"strings"
	"time"
)

// Agent status values.
const (
	StatusRunning = "RUNNING"
	StatusPaused  = "PAUSED"
)

const (
	maxIDLen           = 120
	minCycleIntervalMs = 1000
)

// Validation failures surfaced as error kinds over HTTP.
var (
	ErrAgentIDRequired      = errors.New("agent_id_required")
	ErrWalletRequired       = errors.New("wallet_address_required")
	ErrInvalidCallback      = errors.New("invalid_callback")
	ErrInvalidCycleInterval = errors.New("invalid_cycle_interval")
	ErrSchedulerFull        = errors.New("scheduler_full")
	ErrQueueFull            = errors.New("scheduler_queue_full")
)

// Agent is a registered trading profile with a cycle interval and callback.
type Agent struct {
	UserID          string `json:"userId"`
	AgentID         string `json:"id"`
	QueueKey        string `json:"queueKey"`
	Name            string `json:"name,omitempty"`
	WalletAddress   string `json:"walletAddress"`
	Status          string `json:"status"`
	CycleIntervalMs int64  `json:"cycleIntervalMs"`
	CallbackURL     string `json:"callbackUrl,omitempty"`
	StrategyLabel   string `json:"strategyLabel,omitempty"`

	CreatedAt   int64 `json:"createdAt"`
	UpdatedAt   int64 `json:"updatedAt"`
	LastCycleAt int64 `json:"lastCycleAt,omitempty"`
	NextRunAt   int64 `json:"nextRunAt"`

	FailureCount int              `json:"failureCount"`
	QueuePending bool             `json:"queuePending"`
	LastDispatch *DispatchSummary `json:"lastDispatch,omitempty"`
}

// DispatchSummary records the outcome of the agent's most recent dispatch.
type DispatchSummary struct {
	At     int64  `json:"at"`
	OK     bool   `json:"ok"`
	TaskID string `json:"taskId,omitempty"`
	Error  string `json:"error,omitempty"`
}

// QueueKey joins the agent identity into the per-agent sharding key.
func QueueKey(userID, agentID string) string {
	return userID + ":" + agentID
}

// SplitQueueKey returns the (userId, agentId) pair of a queue key. The user
// id may never contain a colon (see ValidateIdentity), so the first separator
// wins.
func SplitQueueKey(queueKey string) (userID, agentID string) {
	if idx := strings.Index(queueKey, ":"); idx >= 0 {
		return queueKey[:idx], queueKey[idx+1:]
	}
	return "", queueKey
}

// ValidateIdentity checks the user/agent id pair.
func ValidateIdentity(userID, agentID string) error {
	if userID == "" || agentID == "" {
		return ErrAgentIDRequired
	}
	if len(userID) > maxIDLen || len(agentID) > maxIDLen {
		return ErrAgentIDRequired
	}
	if strings.Contains(userID, ":") {
		return ErrAgentIDRequired
	}
	return nil
}

// ValidateWallet checks the address against the accepted network prefixes.
func ValidateWallet(address string, prefixes []string) error {
	if address == "" {
		return ErrWalletRequired
	}
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(address, p) {
			return nil
		}
	}
	return ErrWalletRequired
}

// ValidateCallbackURL accepts an absent callback or an absolute http(s) URL.
func ValidateCallbackURL(raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ErrInvalidCallback
	}
	return nil
}

// ValidateCycleInterval enforces the 1s floor.
func ValidateCycleInterval(ms int64) error {
	if ms < minCycleIntervalMs {
		return ErrInvalidCycleInterval
	}
	return nil
}

// InitialNextRun computes the first due time for a freshly registered agent:
// at most one second out, so new agents get a prompt first cycle.
func InitialNextRun(now time.Time, cycleIntervalMs int64) int64 {
	delay := cycleIntervalMs
	if delay > 1000 {
		delay = 1000
	}
	return now.UnixMilli() + delay
}
