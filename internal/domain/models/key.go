package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Key is a workspace key wrapped for a single receiver.
// Every key must belong to a receiver holding a membership in the same
// workspace; removing the membership removes the receiver's keys.
type Key struct {
	ID           primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	ReceiverID   primitive.ObjectID `bson:"receiver_id" json:"receiver_id"`
	SenderID     primitive.ObjectID `bson:"sender_id" json:"sender_id"`
	WorkspaceID  primitive.ObjectID `bson:"workspace_id" json:"workspace_id"`
	EncryptedKey string             `bson:"encrypted_key" json:"-"`
	Nonce        string             `bson:"nonce" json:"-"`
	CreatedAt    time.Time          `bson:"created_at" json:"created_at"`
}
