/*
Package crdt implements the state-based multi-value register (MVR) and the
multi-value map (MVMap) built from it.

A register keeps every value whose write has not been observed by a later
write. Each register tracks, per replica, the highest counter it has observed.
When two states are merged, a value survives unless the other side has
observed its write and no longer holds it. Merging is commutative, associative
and idempotent, so states may be exchanged any number of times, in any order,
over any transport.

The package knows nothing about the values it stores; callers decide how to
present several concurrent values (see Join).
*/
package crdt
