package credit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Key layout:
//   credits:balance:{account}      -> integer balance
//   credits:reservation:{id}       -> hash {account, amount}
//
// Reservations carry a TTL so a crashed worker cannot strand a hold
// forever; the reaper's watchdog window is comfortably shorter than the
// reservation TTL, so a stuck dispatch is failed (and its campaign
// re-armable) before the hold silently expires.
const reservationTTL = 30 * time.Minute

// reserveScript atomically checks the balance and decrements it, recording
// the reservation hash in the same call. Returns {1, balance_after} on
// success or {0, balance} when the account cannot cover the amount.
var reserveScript = redis.NewScript(`
	local balance = tonumber(redis.call("GET", KEYS[1]) or "0")
	local amount = tonumber(ARGV[1])
	if balance < amount then
		return {0, balance}
	end
	redis.call("DECRBY", KEYS[1], amount)
	redis.call("HSET", KEYS[2], "account", ARGV[2], "amount", ARGV[1])
	redis.call("PEXPIRE", KEYS[2], ARGV[3])
	return {1, balance - amount}
`)

// settleScript refunds ARGV[1] credits to the reservation's account and
// deletes the reservation. Returns 0 if the reservation no longer exists.
var settleScript = redis.NewScript(`
	local account = redis.call("HGET", KEYS[1], "account")
	if not account then
		return 0
	end
	local refund = tonumber(ARGV[1])
	if refund > 0 then
		redis.call("INCRBY", "credits:balance:" .. account, refund)
	end
	redis.call("DEL", KEYS[1])
	return 1
`)

// RedisLedger implements Ledger on Redis. All mutations run as Lua scripts
// so the compare-and-decrement holds across concurrent workers and hosts.
type RedisLedger struct {
	client *redis.Client
}

// NewRedisLedger creates a Redis-backed credit ledger.
func NewRedisLedger(client *redis.Client) *RedisLedger {
	return &RedisLedger{client: client}
}

func balanceKey(accountID string) string { return "credits:balance:" + accountID }
func reservationKey(id string) string { return "credits:reservation:" + id }

func (l *RedisLedger) Balance(ctx context.Context, accountID string) (int64, error) {
	v, err := l.client.Get(ctx, balanceKey(accountID)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse balance %q: %w", v, err)
	}
	return n, nil
}

func (l *RedisLedger) Deposit(ctx context.Context, accountID string, amount int64) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("deposit amount must be non-negative, got %d", amount)
	}
	n, err := l.client.IncrBy(ctx, balanceKey(accountID), amount).Result()
	if err != nil {
		return 0, fmt.Errorf("deposit: %w", err)
	}
	return n, nil
}

func (l *RedisLedger) Reserve(ctx context.Context, accountID string, amount int64) (string, error) {
	if amount < 0 {
		return "", fmt.Errorf("reserve amount must be non-negative, got %d", amount)
	}
	id := uuid.New().String()
	res, err := reserveScript.Run(ctx, l.client,
		[]string{balanceKey(accountID), reservationKey(id)},
		amount, accountID, reservationTTL.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return "", fmt.Errorf("reserve: %w", err)
	}
	if len(res) != 2 {
		return "", fmt.Errorf("reserve: unexpected script reply %v", res)
	}
	if res[0] == 0 {
		return "", &InsufficientCreditError{Required: amount, Available: res[1]}
	}
	return id, nil
}

func (l *RedisLedger) Commit(ctx context.Context, reservationID string, actual int64) error {
	key := reservationKey(reservationID)
	amountStr, err := l.client.HGet(ctx, key, "amount").Result()
	if err == redis.Nil {
		return ErrUnknownReservation
	}
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	amount, err := strconv.ParseInt(amountStr, 10, 64)
	if err != nil {
		return fmt.Errorf("commit: parse reserved amount %q: %w", amountStr, err)
	}
	if actual < 0 || actual > amount {
		return fmt.Errorf("commit amount %d outside reservation of %d", actual, amount)
	}
	return l.settle(ctx, key, amount-actual)
}

func (l *RedisLedger) Release(ctx context.Context, reservationID string) error {
	key := reservationKey(reservationID)
	amountStr, err := l.client.HGet(ctx, key, "amount").Result()
	if err == redis.Nil {
		return ErrUnknownReservation
	}
	if err != nil {
		return fmt.Errorf("release: %w", err)
	}
	amount, err := strconv.ParseInt(amountStr, 10, 64)
	if err != nil {
		return fmt.Errorf("release: parse reserved amount %q: %w", amountStr, err)
	}
	return l.settle(ctx, key, amount)
}

func (l *RedisLedger) settle(ctx context.Context, key string, refund int64) error {
	n, err := settleScript.Run(ctx, l.client, []string{key}, refund).Int64()
	if err != nil {
		return fmt.Errorf("settle reservation: %w", err)
	}
	if n == 0 {
		return ErrUnknownReservation
	}
	return nil
}
