package coordination

// Store key and bus channel conventions. Every key is namespaced by the
// owning namespace id (and room id where applicable) so unrelated
// deployments can share one store with distinct prefixes upstream.

// RoomUsersKey is the set holding a room's canonical membership.
func RoomUsersKey(namespaceID, roomID string) string {
	return "room_users:" + namespaceID + ":" + roomID
}

// NamespaceRoomsKey is the set holding the namespace's known room ids.
func NamespaceRoomsKey(namespaceID string) string {
	return "namespace_rooms:" + namespaceID
}

// RoomStateKey is the hash holding a room's persisted config/state.
func RoomStateKey(namespaceID, roomID string) string {
	return "room_state:" + namespaceID + ":" + roomID
}

// DefaultLeaderKey is the lease key used when none is configured.
const DefaultLeaderKey = "global_server_leader"

// NamespaceChannel carries room lifecycle replication for a namespace.
func NamespaceChannel(namespaceID string) string {
	return "namespace:" + namespaceID
}

// NamespaceBroadcastChannel carries cross-instance broadcast relays.
func NamespaceBroadcastChannel(namespaceID string) string {
	return "namespace:" + namespaceID + ":broadcast"
}
