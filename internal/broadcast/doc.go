// Package broadcast is the rotation and account-health engine.
//
// For every owner it runs at most one loop that forwards saved messages from
// each linked account into the owner's target groups, cycle after cycle. The
// message for cycle n is window[n mod K]. Send failures are classified as
// rate-limited, permanent or temporary, and each class has its own recovery.
// One health monitor per account probes liveness and retires banned accounts.
package broadcast
