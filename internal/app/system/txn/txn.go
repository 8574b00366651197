// Package txn runs multi-document writes inside a MongoDB transaction when the
// deployment supports it.
//
// Standalone servers cannot run transactions. On those, Run executes the same
// function sequentially without a session; each single-document write is still
// atomic, and callers must tolerate the window between writes.
package txn

import (
	"context"
	"errors"
	"strings"

	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"
)

// Server error codes meaning transactions are unavailable here.
const (
	codeIllegalOperation        = 20
	codeInvalidOptions          = 51
	codeOperationNotSupportedTx = 263
)

// Run executes fn in a transaction on db's client. If transactions are not
// supported it logs once per call and runs fn directly with ctx.
// fn must use the context it is given so its writes join the transaction.
func Run(ctx context.Context, db *mongo.Database, log *zap.Logger, fn func(ctx context.Context) error) error {
	sess, err := db.Client().StartSession()
	if err != nil {
		if IsNotSupported(err) {
			return sequential(ctx, log, err, fn)
		}
		return err
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc)
	})
	if err != nil && IsNotSupported(err) {
		return sequential(ctx, log, err, fn)
	}
	return err
}

func sequential(ctx context.Context, log *zap.Logger, cause error, fn func(ctx context.Context) error) error {
	if log != nil {
		log.Warn("transactions unavailable; running writes sequentially", zap.Error(cause))
	}
	return fn(ctx)
}

// IsNotSupported reports whether err means the server cannot run
// multi-document transactions (standalone server, unsupported topology).
func IsNotSupported(err error) bool {
	if err == nil {
		return false
	}

	var ce mongo.CommandError
	if errors.As(err, &ce) {
		switch ce.Code {
		case codeIllegalOperation, codeInvalidOptions, codeOperationNotSupportedTx:
			return true
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "transaction") && strings.Contains(msg, "replica set"):
		return true
	case strings.Contains(msg, "transaction") && strings.Contains(msg, "session"):
		return true
	case strings.Contains(msg, "session") && strings.Contains(msg, "not supported"):
		return true
	case strings.Contains(msg, "illegal operation"):
		return true
	}
	return false
}
