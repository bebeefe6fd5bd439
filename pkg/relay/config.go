package relay

import "time"

type Config struct {
	// PathPrefix identifies upgrade requests that belong to the relay. The room key may follow it
	// as the remaining path.
	PathPrefix string
	// RoomParam is the query parameter consulted when the path carries no room key.
	RoomParam string
	// CallerParam is the optional query parameter naming the caller, used for logs and presence.
	CallerParam string

	// TeardownDelay is how long an empty room is kept before its document is dropped.
	TeardownDelay time.Duration
	// PresenceEnabled controls whether presence messages are relayed at all. Presence is never
	// persisted in either case.
	PresenceEnabled bool

	SendBuffer     int
	MaxMessageSize int64
	WriteWait      time.Duration
	PongWait       time.Duration
}

func DefaultConfig() Config {
	return Config{
		PathPrefix:      "/collab",
		RoomParam:       "room",
		CallerParam:     "user",
		TeardownDelay:   30 * time.Minute,
		PresenceEnabled: true,
		SendBuffer:      256,
		MaxMessageSize:  1 << 20,
		WriteWait:       10 * time.Second,
		PongWait:        60 * time.Second,
	}
}

func (c Config) pingPeriod() time.Duration {
	return (c.PongWait * 9) / 10
}
