package clientdb

import (
	"context"
	"errors"
	"path/filepath"
	"sort"

	"github.com/companyzero/mdlink/client/clientintf"
	"github.com/companyzero/mdlink/internal/jsonfile"
	"github.com/companyzero/mdlink/internal/strescape"
	"github.com/companyzero/mdlink/jid"
)

func (db *DB) messagesFname(convID string) string {
	return filepath.Join(db.root, messagesDir,
		strescape.FileName(jid.Normalize(convID))+".json")
}

// SaveConversations replaces the list of conversations.
func (db *DB) SaveConversations(ctx context.Context, convs []clientintf.Conversation) error {
	return db.access(ctx, func(ctx context.Context) error {
		if convs == nil {
			convs = []clientintf.Conversation{}
		}
		fname := filepath.Join(db.root, conversationsFile)
		return db.saveJsonFile(fname, convs)
	})
}

// LoadConversations returns the saved conversations. An empty list is
// returned if the conversations were never saved.
func (db *DB) LoadConversations(ctx context.Context) ([]clientintf.Conversation, error) {
	var res []clientintf.Conversation
	err := db.access(ctx, func(ctx context.Context) error {
		fname := filepath.Join(db.root, conversationsFile)
		err := db.readJsonFile(fname, &res)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	})
	return res, err
}

// retainMessages returns the max most recent messages, ordered by timestamp.
func retainMessages(msgs []clientintf.Message, max int) []clientintf.Message {
	msgs = append([]clientintf.Message(nil), msgs...)
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
	if len(msgs) > max {
		msgs = msgs[len(msgs)-max:]
	}
	return msgs
}

// SaveMessages replaces the messages of a conversation. Only the most recent
// MaxMessages messages are retained.
func (db *DB) SaveMessages(ctx context.Context, convID string, msgs []clientintf.Message) error {
	return db.access(ctx, func(ctx context.Context) error {
		retained := retainMessages(msgs, db.cfg.MaxMessages)
		if dropped := len(msgs) - len(retained); dropped > 0 {
			db.log.Debugf("Dropping %d old messages of %s", dropped, convID)
		}
		return db.saveJsonFile(db.messagesFname(convID), retained)
	})
}

// LoadMessages returns the saved messages of a conversation.
func (db *DB) LoadMessages(ctx context.Context, convID string) ([]clientintf.Message, error) {
	var res []clientintf.Message
	err := db.access(ctx, func(ctx context.Context) error {
		err := db.readJsonFile(db.messagesFname(convID), &res)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	})
	return res, err
}

// DeleteConversation removes the conversation from the saved list and
// deletes its messages.
func (db *DB) DeleteConversation(ctx context.Context, convID string) error {
	convID = jid.Normalize(convID)
	return db.access(ctx, func(ctx context.Context) error {
		fname := filepath.Join(db.root, conversationsFile)
		var convs []clientintf.Conversation
		err := db.readJsonFile(fname, &convs)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if err == nil {
			kept := convs[:0]
			for _, c := range convs {
				if jid.Normalize(c.ID) != convID {
					kept = append(kept, c)
				}
			}
			if len(kept) != len(convs) {
				if err := db.saveJsonFile(fname, kept); err != nil {
					return err
				}
			}
		}
		return jsonfile.RemoveIfExists(db.messagesFname(convID))
	})
}

var _ clientintf.MessageStore = (*DB)(nil)
