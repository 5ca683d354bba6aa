package dbctx

import (
	"context"

	"gorm.io/gorm"
)

// Context bundles a request context with an optional GORM transaction.
// Repos fall back to their root *gorm.DB handle when Tx is nil.
type Context struct {
	Ctx context.Context
	Tx  *gorm.DB
}

// Transact runs fn inside a single database transaction so a multi-write
// store operation is either fully visible or not at all. When dbc already
// carries a transaction, fn joins it instead of opening a nested one.
func Transact(dbc Context, db *gorm.DB, fn func(dbc Context) error) error {
	if dbc.Tx != nil {
		return fn(dbc)
	}
	ctx := dbc.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(Context{Ctx: ctx, Tx: tx})
	})
}
