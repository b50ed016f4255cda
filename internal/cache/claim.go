package cache

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"
)

var ErrClaimBackendUnavailable = errors.New("claim backend unavailable")

// ClaimLock elects at most one executor per (ingester, tick epoch) across
// the fleet. The record's TTL equals the ingester interval, so a crashed
// holder releases the next epoch automatically; losing a claim is cheap and
// there is no unlock path.
type ClaimLock struct {
	store      *Store
	instanceID string
	// standalone runners own every tick when the backend is unreachable;
	// clustered runners must skip instead or the at-most-one guarantee breaks.
	standalone bool
}

func NewClaimLock(store *Store, instanceID string, standalone bool) *ClaimLock {
	return &ClaimLock{store: store, instanceID: instanceID, standalone: standalone}
}

func (c *ClaimLock) InstanceID() string {
	return c.instanceID
}

func claimKey(name string, epoch int64) string {
	return fmt.Sprintf("claim:%s:%d", name, epoch)
}

// TryClaim returns true when this instance won the (name, epoch) tick.
func (c *ClaimLock) TryClaim(ctx context.Context, name string, epoch int64, ttl time.Duration) bool {
	won, err := c.store.SetIfAbsent(ctx, claimKey(name, epoch), []byte(c.instanceID), ttl)
	if err != nil {
		if c.standalone {
			return true
		}
		log.Printf("[ClaimLock] %v for %s@%d: %v", ErrClaimBackendUnavailable, name, epoch, err)
		return false
	}
	return won
}
