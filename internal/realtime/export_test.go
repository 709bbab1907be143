package realtime

// DropConnections cuts every websocket member of room, as a network failure would.
func DropConnections(h *Hub, room string) { dropConnections(h, room) }
