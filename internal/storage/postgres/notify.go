package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ChannelSessions carries the ID of every session completed by this store.
const ChannelSessions = "tapedeck_sessions"

// HasNotifyConn reports whether the store was opened with a notify DSN.
func (db *DB) HasNotifyConn() bool {
	return db.notifyConn != nil
}

// Listen starts listening on channel using the dedicated notify connection.
func (db *DB) Listen(ctx context.Context, channel string) error {
	if db.notifyConn == nil {
		return fmt.Errorf("storage: notify connection not configured")
	}
	_, err := db.notifyConn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize())
	if err != nil {
		return fmt.Errorf("storage: listen %s: %w", channel, err)
	}
	return nil
}

// WaitForNotification blocks until a notification arrives on any listened
// channel and returns its channel and payload.
func (db *DB) WaitForNotification(ctx context.Context) (channel, payload string, err error) {
	if db.notifyConn == nil {
		return "", "", fmt.Errorf("storage: notify connection not configured")
	}
	notification, err := db.notifyConn.WaitForNotification(ctx)
	if err != nil {
		return "", "", fmt.Errorf("storage: wait for notification: %w", err)
	}
	return notification.Channel, notification.Payload, nil
}
