package coordination

import "context"

// TransportHandler is implemented by the coordinator to receive connection
// lifecycle and inbound message events from the transport.
type TransportHandler interface {
	// HandleConnect is called when a user connects to a namespace.
	HandleConnect(ctx context.Context, namespaceID, userID string)

	// HandleMessage is called for each inbound client message.
	HandleMessage(ctx context.Context, namespaceID, userID string, payload []byte)

	// HandleDisconnect is called when a user's last connection to a
	// namespace closes.
	HandleDisconnect(ctx context.Context, namespaceID, userID string)
}

// Transport delivers outbound messages to users by logical user id. Which
// sockets a user id maps to is a transport-local concern; the presence layer
// never sees connection identity.
type Transport interface {
	// SendToUser delivers payload to every local connection of userID.
	// Users connected to other instances are reached through the bus
	// relay, not through this call.
	SendToUser(ctx context.Context, userID string, payload []byte) error

	// SendToUsers delivers payload to each listed user.
	SendToUsers(ctx context.Context, userIDs []string, payload []byte) error

	// Bind installs the handler that receives connect/message/disconnect
	// events. Must be called before the transport accepts connections.
	Bind(handler TransportHandler)

	// Close terminates all connections.
	Close(ctx context.Context) error
}
