package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"clubchat/internal/models"
)

const userColumns = "id, email, username, COALESCE(avatar_path, ''), password"

func scanUser(row interface{ Scan(...any) error }) (models.User, error) {
	var user models.User
	err := row.Scan(&user.ID, &user.Email, &user.Username, &user.AvatarPath, &user.Password)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, ErrNotFound
	}
	return user, err
}

func (db *DB) CreateUser(ctx context.Context, user models.User) error {
	const query = "INSERT INTO users (id, email, username, avatar_path, password) VALUES (?, ?, ?, ?, ?)"
	_, err := db.sql.ExecContext(ctx, query, user.ID, user.Email, user.Username, user.AvatarPath, user.Password)
	return err
}

func (db *DB) UserByEmail(ctx context.Context, email string) (models.User, error) {
	return scanUser(db.sql.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE email = ?", email))
}

func (db *DB) UserByID(ctx context.Context, userID string) (models.User, error) {
	return scanUser(db.sql.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE id = ?", userID))
}

// EmailOrUsernameTaken reports which of the two is already registered,
// "email" wins when both are.
func (db *DB) EmailOrUsernameTaken(ctx context.Context, email, username string) (string, error) {
	var takenEmail bool
	const query = "SELECT email = ? FROM users WHERE email = ? OR username = ? LIMIT 1"
	err := db.sql.QueryRowContext(ctx, query, email, email, username).Scan(&takenEmail)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	} else if err != nil {
		return "", err
	}

	if takenEmail {
		return "email", nil
	}
	return "username", nil
}

func (db *DB) UserExists(ctx context.Context, userID string) (bool, error) {
	var exists bool
	err := db.sql.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM users WHERE id = ?)", userID).Scan(&exists)
	return exists, err
}

// Channels lists every channel with its member list, in creation order.
// Filtering private channels for a given user is up to the caller.
func (db *DB) Channels(ctx context.Context) ([]models.Channel, error) {
	rows, err := db.sql.QueryContext(ctx, "SELECT id, name, COALESCE(description, ''), kind, owner_id FROM channels ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	channels := make([]models.Channel, 0)
	positions := make(map[string]int)
	for rows.Next() {
		var channel models.Channel
		if err := rows.Scan(&channel.ID, &channel.Name, &channel.Description, &channel.Kind, &channel.Owner); err != nil {
			return nil, err
		}
		channel.Users = []models.Member{}
		positions[channel.ID] = len(channels)
		channels = append(channels, channel)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	memberRows, err := db.sql.QueryContext(ctx, "SELECT channel_id, user_id, allowed FROM channel_members ORDER BY since, user_id")
	if err != nil {
		return nil, err
	}
	defer memberRows.Close()

	for memberRows.Next() {
		var channelID string
		var member models.Member
		if err := memberRows.Scan(&channelID, &member.UserID, &member.Allowed); err != nil {
			return nil, err
		}
		if i, ok := positions[channelID]; ok {
			channels[i].Users = append(channels[i].Users, member)
		}
	}
	return channels, memberRows.Err()
}

func (db *DB) Channel(ctx context.Context, channelID string) (models.Channel, error) {
	var channel models.Channel
	const query = "SELECT id, name, COALESCE(description, ''), kind, owner_id FROM channels WHERE id = ?"
	err := db.sql.QueryRowContext(ctx, query, channelID).Scan(&channel.ID, &channel.Name, &channel.Description, &channel.Kind, &channel.Owner)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Channel{}, ErrNotFound
	} else if err != nil {
		return models.Channel{}, err
	}

	channel.Users, err = db.members(ctx, db.sql, channelID)
	if err != nil {
		return models.Channel{}, err
	}
	return channel, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (db *DB) members(ctx context.Context, q queryer, channelID string) ([]models.Member, error) {
	rows, err := q.QueryContext(ctx, "SELECT user_id, allowed FROM channel_members WHERE channel_id = ? ORDER BY since, user_id", channelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	members := make([]models.Member, 0)
	for rows.Next() {
		var member models.Member
		if err := rows.Scan(&member.UserID, &member.Allowed); err != nil {
			return nil, err
		}
		members = append(members, member)
	}
	return members, rows.Err()
}

func (db *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.sql.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			db.sugar.Error(rollbackErr)
		}
		return err
	}
	return tx.Commit()
}

func insertMembers(ctx context.Context, tx *sql.Tx, channelID string, members []models.Member) error {
	since := time.Now().UnixMilli()
	for _, member := range members {
		_, err := tx.ExecContext(ctx, "INSERT INTO channel_members (channel_id, user_id, allowed, since) VALUES (?, ?, ?, ?)", channelID, member.UserID, member.Allowed, since)
		if err != nil {
			return fmt.Errorf("add member [%s]: %w", member.UserID, err)
		}
	}
	return nil
}

// CreateChannel stores the channel together with its members.
func (db *DB) CreateChannel(ctx context.Context, channel models.Channel) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		const query = "INSERT INTO channels (id, name, description, kind, owner_id) VALUES (?, ?, ?, ?, ?)"
		if _, err := tx.ExecContext(ctx, query, channel.ID, channel.Name, channel.Description, channel.Kind, channel.Owner); err != nil {
			return err
		}
		return insertMembers(ctx, tx, channel.ID, channel.Users)
	})
}

// UpdateChannel overwrites name, description, kind and the member list.
// Members who stay keep their original join time.
func (db *DB) UpdateChannel(ctx context.Context, channel models.Channel) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		const query = "UPDATE channels SET name = ?, description = ?, kind = ? WHERE id = ?"
		result, err := tx.ExecContext(ctx, query, channel.Name, channel.Description, channel.Kind, channel.ID)
		if err != nil {
			return err
		}
		if affected, err := result.RowsAffected(); err == nil && affected == 0 {
			return ErrNotFound
		}

		current, err := db.members(ctx, tx, channel.ID)
		if err != nil {
			return err
		}
		wanted := make(map[string]bool, len(channel.Users))
		for _, m := range channel.Users {
			wanted[m.UserID] = m.Allowed
		}

		existing := make(map[string]bool, len(current))
		for _, m := range current {
			existing[m.UserID] = true
			allowed, keep := wanted[m.UserID]
			if !keep {
				if _, err := tx.ExecContext(ctx, "DELETE FROM channel_members WHERE channel_id = ? AND user_id = ?", channel.ID, m.UserID); err != nil {
					return err
				}
			} else if allowed != m.Allowed {
				if _, err := tx.ExecContext(ctx, "UPDATE channel_members SET allowed = ? WHERE channel_id = ? AND user_id = ?", allowed, channel.ID, m.UserID); err != nil {
					return err
				}
			}
		}

		added := make([]models.Member, 0)
		for _, m := range channel.Users {
			if !existing[m.UserID] {
				added = append(added, m)
			}
		}
		return insertMembers(ctx, tx, channel.ID, added)
	})
}

func (db *DB) DeleteChannel(ctx context.Context, channelID string) error {
	result, err := db.sql.ExecContext(ctx, "DELETE FROM channels WHERE id = ?", channelID)
	if err != nil {
		return err
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return ErrNotFound
	}
	return nil
}

// AddMember adds userID to the channel unless it's already a member.
func (db *DB) AddMember(ctx context.Context, channelID string, member models.Member) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		var exists bool
		const query = "SELECT EXISTS (SELECT 1 FROM channel_members WHERE channel_id = ? AND user_id = ?)"
		if err := tx.QueryRowContext(ctx, query, channelID, member.UserID).Scan(&exists); err != nil {
			return err
		}
		if exists {
			return nil
		}
		return insertMembers(ctx, tx, channelID, []models.Member{member})
	})
}

// RemoveMember drops the membership and returns how many members are left.
func (db *DB) RemoveMember(ctx context.Context, channelID string, userID string) (int, error) {
	var remaining int
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM channel_members WHERE channel_id = ? AND user_id = ?", channelID, userID); err != nil {
			return err
		}
		return tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM channel_members WHERE channel_id = ?", channelID).Scan(&remaining)
	})
	return remaining, err
}

func (db *DB) InsertMessage(ctx context.Context, channelID string, message models.Message) error {
	const query = "INSERT INTO messages (id, channel_id, user_id, body, msg_type, created_at) VALUES (?, ?, ?, ?, ?, ?)"
	_, err := db.sql.ExecContext(ctx, query, message.ID, channelID, message.Author.ID, message.Body, message.Type, message.Timestamp.UnixMilli())
	return err
}

// Message returns the message together with the channel it belongs to.
func (db *DB) Message(ctx context.Context, messageID string) (string, models.Message, error) {
	var channelID string
	var message models.Message
	var createdAt int64
	const query = "SELECT channel_id, id, user_id, body, msg_type, created_at FROM messages WHERE id = ?"
	err := db.sql.QueryRowContext(ctx, query, messageID).Scan(&channelID, &message.ID, &message.Author.ID, &message.Body, &message.Type, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", models.Message{}, ErrNotFound
	} else if err != nil {
		return "", models.Message{}, err
	}
	message.Timestamp = time.UnixMilli(createdAt).UTC()
	return channelID, message, nil
}

// Chat assembles the full chat of a channel: its fields, its members and
// every message with its author, oldest first.
func (db *DB) Chat(ctx context.Context, channelID string) (models.Chat, error) {
	channel, err := db.Channel(ctx, channelID)
	if err != nil {
		return models.Chat{}, err
	}

	const query = `
		SELECT m.id, m.user_id, COALESCE(u.username, ''), COALESCE(u.avatar_path, ''), m.body, m.msg_type, m.created_at
		FROM messages m
		LEFT JOIN users u ON m.user_id = u.id
		WHERE m.channel_id = ?
		ORDER BY m.created_at, m.id`
	rows, err := db.sql.QueryContext(ctx, query, channelID)
	if err != nil {
		return models.Chat{}, err
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		var message models.Message
		var createdAt int64
		if err := rows.Scan(&message.ID, &message.Author.ID, &message.Author.Username, &message.Author.AvatarPath, &message.Body, &message.Type, &createdAt); err != nil {
			return models.Chat{}, err
		}
		message.Timestamp = time.UnixMilli(createdAt).UTC()
		messages = append(messages, message)
	}
	if err := rows.Err(); err != nil {
		return models.Chat{}, err
	}

	return models.Chat{
		ChannelID:   channel.ID,
		ChannelName: channel.Name,
		Description: channel.Description,
		Kind:        channel.Kind,
		Owner:       channel.Owner,
		Users:       channel.Users,
		Messages:    messages,
	}, nil
}

// ReportMessage records the report of reporterID and moderates the message
// once threshold distinct users reported it. It returns whether the message
// is moderated after this report.
func (db *DB) ReportMessage(ctx context.Context, messageID, reporterID, reason string, threshold int) (bool, error) {
	var moderated bool
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		var exists bool
		const existsQuery = "SELECT EXISTS (SELECT 1 FROM message_reports WHERE message_id = ? AND reporter_id = ?)"
		if err := tx.QueryRowContext(ctx, existsQuery, messageID, reporterID).Scan(&exists); err != nil {
			return err
		}
		if exists {
			return ErrAlreadyReported
		}

		const insertQuery = "INSERT INTO message_reports (message_id, reporter_id, reason, created_at) VALUES (?, ?, ?, ?)"
		if _, err := tx.ExecContext(ctx, insertQuery, messageID, reporterID, reason, time.Now().UnixMilli()); err != nil {
			return err
		}

		var reporters int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(DISTINCT reporter_id) FROM message_reports WHERE message_id = ?", messageID).Scan(&reporters); err != nil {
			return err
		}
		if reporters < threshold {
			return nil
		}

		moderated = true
		_, err := tx.ExecContext(ctx, "UPDATE messages SET msg_type = ? WHERE id = ?", models.MessageModerated, messageID)
		return err
	})
	return moderated, err
}
