package shared

import "fmt"

// ChainLockKey builds the lock key guarding one (location, product) ledger chain.
func ChainLockKey(locationID, productID int64) string {
	return fmt.Sprintf("ledger:chain:%d:%d:lock", locationID, productID)
}
