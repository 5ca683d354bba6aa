package repos

import (
	"gorm.io/gorm"

	"github.com/strandlabs/strand/internal/data/repos/chat"
	"github.com/strandlabs/strand/internal/pkg/logger"
)

type ChatThreadRepo = chat.ChatThreadRepo
type ChatMessageRepo = chat.ChatMessageRepo
type ChatStreamRepo = chat.ChatStreamRepo
type ChatToolApprovalRepo = chat.ChatToolApprovalRepo

type MessageObserver = chat.MessageObserver
type AppendOptions = chat.AppendOptions
type PatchOptions = chat.PatchOptions
type ListOptions = chat.ListOptions
type ListOrder = chat.ListOrder
type MessagePage = chat.MessagePage
type RangeCursor = chat.RangeCursor
type DeleteRangeResult = chat.DeleteRangeResult
type OrdWindow = chat.OrdWindow
type LexicalQuery = chat.LexicalQuery
type LexicalHit = chat.LexicalHit

const (
	ListAsc  = chat.ListAsc
	ListDesc = chat.ListDesc
)

// All bundles every repo for service wiring.
type All struct {
	Threads   ChatThreadRepo
	Messages  ChatMessageRepo
	Streams   ChatStreamRepo
	Approvals ChatToolApprovalRepo
}

func New(db *gorm.DB, log *logger.Logger, observers ...MessageObserver) All {
	return All{
		Threads:   chat.NewChatThreadRepo(db, log),
		Messages:  chat.NewChatMessageRepo(db, log, observers...),
		Streams:   chat.NewChatStreamRepo(db, log),
		Approvals: chat.NewChatToolApprovalRepo(db, log),
	}
}
