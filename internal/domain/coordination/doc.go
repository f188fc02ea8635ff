// Package coordination defines the narrow interfaces through which the
// presence subsystem talks to its external collaborators: the shared
// key/value store, the publish/subscribe bus, the client transport and the
// distributed locker. Implementations live under internal/infrastructure.
//
// Cluster-wide truth (room membership, room-id sets, the leader lease) lives
// in the Store; the Bus only carries lifecycle notifications and broadcast
// relays whose state is always re-derived from the Store.
package coordination
